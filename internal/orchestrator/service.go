package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davidep87/browserd/internal/artifacts"
	"github.com/davidep87/browserd/internal/executor"
	"github.com/davidep87/browserd/internal/observability"
	"github.com/davidep87/browserd/internal/session"
	"github.com/davidep87/browserd/internal/tasks"
)

// Service drives task admission, dispatch, and cancellation. Submission is
// fire-and-forget: the caller gets the queued record back immediately and the
// executor runs in its own goroutine, reporting back through the registry.
type Service struct {
	logger    *slog.Logger
	registry  *tasks.Registry
	sessions  *session.Manager
	exec      executor.Executor
	store     tasks.Store
	artifacts *artifacts.Manager
	metrics   *observability.Metrics

	mu             sync.Mutex
	runningCancels map[string]context.CancelFunc
}

type SubmitRequest struct {
	UserID      string `json:"user_id"`
	Task        string `json:"task"`
	TargetSteps int    `json:"max_steps"`
}

func New(
	registry *tasks.Registry,
	sessions *session.Manager,
	exec executor.Executor,
	store tasks.Store,
	artifactMgr *artifacts.Manager,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:         logger,
		registry:       registry,
		sessions:       sessions,
		exec:           exec,
		store:          store,
		artifacts:      artifactMgr,
		metrics:        metrics,
		runningCancels: make(map[string]context.CancelFunc),
	}
}

// Submit admits a task and dispatches execution asynchronously. It returns
// tasks.ErrUserBusy when the user already has an active task; on success the
// returned record is in status queued and the caller never waits on
// execution.
func (s *Service) Submit(_ context.Context, req SubmitRequest) (tasks.Task, error) {
	task, err := s.registry.Register(req.UserID, req.Task, req.TargetSteps)
	if err != nil {
		return tasks.Task{}, err
	}
	s.metrics.ObserveTaskEvent("submitted")
	s.logger.Info("task submitted", "task_id", task.ID, "user_id", task.UserID, "target_steps", task.TargetSteps)

	go s.runTask(task)
	return task, nil
}

func (s *Service) runTask(task tasks.Task) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.setRunningCancel(task.ID, cancel)
	defer cancel()
	defer s.clearRunningCancel(task.ID)

	// Cancel may land between admission and this goroutine installing its
	// CancelFunc; in that window there is nothing to signal, so re-check the
	// record before doing any work.
	if current, err := s.registry.Get(task.ID); err != nil || current.Terminal() {
		s.logger.Info("task terminal before dispatch", "task_id", task.ID)
		return
	}

	// Session construction may be slow; it blocks only this task.
	handle, err := s.sessions.Acquire(runCtx, task.UserID)
	if err != nil {
		finished, ferr := s.registry.Finish(task.ID, tasks.StatusError, "", "session unavailable: "+err.Error())
		if ferr == nil && finished.Status == tasks.StatusError {
			s.metrics.ObserveTaskEvent("failed")
			s.finalizeTask(finished)
		}
		return
	}

	s.metrics.SetActiveSessions(s.sessions.ActiveCount())

	s.registry.Begin(task.ID)
	s.metrics.ObserveTaskEvent("started")

	result, runErr := s.exec.Run(runCtx, executor.StartSignal{
		TaskID:      task.ID,
		Session:     handle,
		Spec:        task.Spec,
		TargetSteps: task.TargetSteps,
	}, func(steps int) {
		s.registry.Progress(task.ID, steps)
	})

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			// The record was already marked cancelled by Cancel; the
			// executor has now acknowledged and stopped.
			s.logger.Info("executor stopped after cancel", "task_id", task.ID)
			return
		}
		finished, ferr := s.registry.Finish(task.ID, tasks.StatusError, "", runErr.Error())
		if ferr == nil && finished.Status == tasks.StatusError {
			s.metrics.ObserveTaskEvent("failed")
			s.finalizeTask(finished)
		}
		return
	}

	finished, ferr := s.registry.Finish(task.ID, tasks.StatusCompleted, result, "")
	if ferr == nil && finished.Status == tasks.StatusCompleted {
		s.metrics.ObserveTaskEvent("completed")
		s.finalizeTask(finished)
	}
}

// Cancel marks the record cancelled and signals the executor. The record is
// terminal as soon as this returns; the executor's stop is best effort and is
// not waited for.
func (s *Service) Cancel(_ context.Context, taskID, reason string) (tasks.Task, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by user"
	}
	task, err := s.registry.Cancel(taskID, reason)
	if err != nil {
		return tasks.Task{}, err
	}
	if cancel := s.getRunningCancel(taskID); cancel != nil {
		cancel()
	}
	s.metrics.ObserveTaskEvent("cancelled")
	s.logger.Info("task cancelled", "task_id", taskID, "reason", reason)
	s.finalizeTask(task)
	return task, nil
}

// Get returns the registry snapshot, falling back to the archival store for
// records already evicted by the retention sweep.
func (s *Service) Get(ctx context.Context, taskID string) (tasks.Task, error) {
	task, err := s.registry.Get(taskID)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, tasks.ErrTaskNotFound) || s.store == nil {
		return tasks.Task{}, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	archived, serr := s.store.GetTask(storeCtx, taskID)
	if serr != nil {
		if errors.Is(serr, tasks.ErrStoreNotFound) {
			return tasks.Task{}, tasks.ErrTaskNotFound
		}
		return tasks.Task{}, serr
	}
	return archived, nil
}

// ListByUser merges live registry records with archived ones, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) []tasks.Task {
	live := s.registry.ListByUser(userID)
	if s.store == nil {
		return capList(live, limit)
	}

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	archived, err := s.store.ListTasksByUser(storeCtx, userID, limit)
	if err != nil {
		s.logger.Error("archival list failed", "user_id", userID, "error", err)
		return capList(live, limit)
	}

	merged := make(map[string]tasks.Task, len(live)+len(archived))
	for _, t := range archived {
		merged[t.ID] = t
	}
	for _, t := range live {
		merged[t.ID] = t
	}
	out := make([]tasks.Task, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return capList(out, limit)
}

func (s *Service) Stats() tasks.Stats {
	return s.registry.Stats()
}

func (s *Service) ActiveSessionCount() int {
	return s.sessions.ActiveCount()
}

// ReleaseSession tears down the user's execution context; idempotent.
func (s *Service) ReleaseSession(ctx context.Context, userID string) error {
	err := s.sessions.Release(ctx, userID)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	return err
}

// finalizeTask runs the terminal bookkeeping shared by every outcome: record
// the duration, write the history artifact, and archive the row.
func (s *Service) finalizeTask(task tasks.Task) {
	if task.DurationSec > 0 {
		s.metrics.ObserveTaskDuration(time.Duration(task.DurationSec * float64(time.Second)))
	}
	if s.artifacts != nil {
		if _, err := s.artifacts.SaveHistory(task); err != nil {
			s.logger.Error("history write failed", "task_id", task.ID, "error", err)
		}
	}
	s.archiveTask(task)
}

func (s *Service) archiveTask(task tasks.Task) {
	if s.store == nil {
		return
	}
	go func(snapshot tasks.Task) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.store.SaveTask(ctx, snapshot); err != nil {
			s.logger.Error("task archive failed", "task_id", snapshot.ID, "error", err)
		}
	}(task)
}

func (s *Service) setRunningCancel(taskID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningCancels[taskID] = cancel
}

func (s *Service) getRunningCancel(taskID string) context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningCancels[taskID]
}

func (s *Service) clearRunningCancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runningCancels, taskID)
}

func capList(list []tasks.Task, limit int) []tasks.Task {
	if limit <= 0 || limit > len(list) {
		return list
	}
	return list[:limit]
}
