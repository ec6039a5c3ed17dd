package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/davidep87/browserd/internal/artifacts"
	"github.com/davidep87/browserd/internal/config"
	"github.com/davidep87/browserd/internal/executor"
	"github.com/davidep87/browserd/internal/httpapi"
	"github.com/davidep87/browserd/internal/monitor"
	"github.com/davidep87/browserd/internal/observability"
	"github.com/davidep87/browserd/internal/orchestrator"
	"github.com/davidep87/browserd/internal/session"
	"github.com/davidep87/browserd/internal/tasks"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Registry     *tasks.Registry
	Sessions     *session.Manager
	Orchestrator *orchestrator.Service
	Monitor      *monitor.Monitor
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the full service graph from configuration. The archival store is
// optional; without DATABASE_URL the service runs purely in memory.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}

	artifactMgr, err := artifacts.NewManager(filepath.Join(cfg.DataDir, "artifacts"), logger)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, fmt.Errorf("artifact manager init failed: %w", err)
	}

	launcher, err := session.NewLocalLauncher(filepath.Join(cfg.DataDir, "users"))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, fmt.Errorf("session launcher init failed: %w", err)
	}

	registry := tasks.NewRegistry(logger)
	sessions := session.NewManager(launcher, logger)
	exec := executor.NewScripted(cfg.ExecutorStepDelay)
	svc := orchestrator.New(registry, sessions, exec, store, artifactMgr, metrics, logger)

	mon := monitor.New(monitor.Config{
		CheckInterval:   cfg.TaskCheckInterval,
		StallTimeout:    cfg.TaskStallTimeout,
		MaxStallChecks:  cfg.TaskMaxStallChecks,
		CleanupInterval: cfg.TaskCleanupInterval,
		Retention:       cfg.TaskRetention,
		ArtifactMaxAge:  cfg.ArtifactMaxAge,
	}, registry, store, artifactMgr, metrics, logger)

	api := httpapi.New(cfg, svc, registry, artifactMgr, logger)

	cleanup := func() error {
		var errs []string
		sessions.CloseAll(context.Background())
		if store != nil {
			if err := store.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Registry:     registry,
		Sessions:     sessions,
		Orchestrator: svc,
		Monitor:      mon,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
