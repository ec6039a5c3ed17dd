package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidep87/browserd/internal/artifacts"
	"github.com/davidep87/browserd/internal/observability"
	"github.com/davidep87/browserd/internal/tasks"
)

// Config tunes the liveness loop. The check interval is independent of, and
// shorter than, the stall timeout: a task only becomes stalled after
// MaxStallChecks consecutive observations of inactivity, giving transient
// pauses a grace window of roughly StallTimeout * MaxStallChecks.
type Config struct {
	CheckInterval   time.Duration
	StallTimeout    time.Duration
	MaxStallChecks  int
	CleanupInterval time.Duration
	Retention       time.Duration
	ArtifactMaxAge  time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 60 * time.Second
	}
	if c.MaxStallChecks <= 0 {
		c.MaxStallChecks = 3
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.ArtifactMaxAge <= 0 {
		c.ArtifactMaxAge = 7 * 24 * time.Hour
	}
	return c
}

// Monitor is the background control loop that escalates silent running tasks
// to the terminal stalled state and retires old terminal records so registry
// memory stays bounded.
type Monitor struct {
	cfg       Config
	logger    *slog.Logger
	registry  *tasks.Registry
	store     tasks.Store
	artifacts *artifacts.Manager
	metrics   *observability.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

func New(
	cfg Config,
	registry *tasks.Registry,
	store tasks.Store,
	artifactMgr *artifacts.Manager,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		registry:  registry,
		store:     store,
		artifacts: artifactMgr,
		metrics:   metrics,
	}
}

// Start launches the loop. Calling Start twice is a logged no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.done != nil {
		m.logger.Warn("monitor already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	m.logger.Info("liveness monitor started",
		"check_interval", m.cfg.CheckInterval,
		"stall_timeout", m.cfg.StallTimeout,
		"max_stall_checks", m.cfg.MaxStallChecks)
	go m.loop(loopCtx)
}

// Stop signals the loop and waits for it to exit. At most one in-flight tick
// completes before the loop returns; a tick is never interrupted midway.
func (m *Monitor) Stop() {
	if m.done == nil {
		return
	}
	m.cancel()
	<-m.done
	m.done = nil
	m.logger.Info("liveness monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	lastCleanup := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			m.checkStalled(now)
			if time.Since(lastCleanup) >= m.cfg.CleanupInterval {
				m.cleanup(now)
				lastCleanup = time.Now()
			}
			m.metrics.SetActiveTasks(m.registry.Stats().ActiveTasks)
		}
	}
}

// checkStalled scans a snapshot of the running tasks and escalates those with
// no recent activity. Tasks that have not yet produced any progress report
// are skipped; their inactivity clock starts with the first report.
func (m *Monitor) checkStalled(now time.Time) {
	for _, task := range m.registry.RunningSnapshots() {
		if task.LastActivity == nil {
			continue
		}
		inactive := now.Sub(*task.LastActivity)
		if inactive <= m.cfg.StallTimeout {
			continue
		}

		count := m.registry.MarkStallObserved(task.ID, *task.LastActivity)
		if count == 0 {
			// Progress landed between the snapshot and the mark.
			continue
		}
		m.metrics.ObserveStallCheck()
		m.logger.Warn("task inactive",
			"task_id", task.ID,
			"inactive", inactive.Round(time.Second),
			"stall_count", count)

		if count >= m.cfg.MaxStallChecks {
			detail := fmt.Sprintf("task stalled after %.0fs of inactivity", inactive.Seconds())
			if m.registry.MarkStalled(task.ID, detail) {
				m.metrics.ObserveTaskEvent("stalled")
				m.logger.Error("task marked stalled", "task_id", task.ID, "detail", detail)
				m.archiveStalled(task.ID)
			}
		}
	}
}

// cleanup retires terminal records older than the retention window and ages
// out their artifact directories. Faults on individual records are logged and
// never abort the sweep.
func (m *Monitor) cleanup(now time.Time) {
	evicted := m.registry.EvictTerminalBefore(now.Add(-m.cfg.Retention))
	for _, task := range evicted {
		m.metrics.ObserveTaskEvent("evicted")
		m.saveToStore(task)
	}
	if len(evicted) > 0 {
		m.logger.Info("retired terminal tasks", "count", len(evicted))
	}

	if m.artifacts != nil {
		if n, err := m.artifacts.ArchiveOlderThan(m.cfg.ArtifactMaxAge); err != nil {
			m.logger.Error("artifact archive sweep failed", "error", err)
		} else if n > 0 {
			m.logger.Info("archived task artifacts", "count", n)
		}
	}
}

func (m *Monitor) saveToStore(task tasks.Task) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.SaveTask(ctx, task); err != nil {
		m.logger.Error("archive evicted task failed", "task_id", task.ID, "error", err)
	}
}

func (m *Monitor) archiveStalled(taskID string) {
	if m.store == nil {
		return
	}
	task, err := m.registry.Get(taskID)
	if err != nil {
		return
	}
	m.saveToStore(task)
}
