package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrInvalidTaskState = errors.New("invalid task state")
	ErrUserBusy         = errors.New("user already has an active task")
)

const DefaultTargetSteps = 30

// Registry is the single source of truth for task existence and status.
// All mutation happens under one mutex; readers get value snapshots. The
// exclusivity invariant (at most one queued/running task per user) is enforced
// by checking and inserting under the same lock hold.
type Registry struct {
	mu sync.RWMutex

	logger *slog.Logger

	tasks       map[string]*Task
	tasksByUser map[string][]string
	activeUser  map[string]string

	subscribers map[string]map[int]chan Event
	nextSubID   int
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger,
		tasks:       make(map[string]*Task),
		tasksByUser: make(map[string][]string),
		activeUser:  make(map[string]string),
		subscribers: make(map[string]map[int]chan Event),
	}
}

// NewTaskID mirrors the wire format used for artifact paths: the millisecond
// prefix keeps directories sortable by submission time.
func NewTaskID() string {
	return fmt.Sprintf("task-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Register admits a new task in status queued. It fails with ErrUserBusy if
// the user already owns a queued or running task; the check and the insert are
// one atomic step.
func (r *Registry) Register(userID, spec string, targetSteps int) (Task, error) {
	userID = strings.TrimSpace(userID)
	spec = strings.TrimSpace(spec)
	if userID == "" {
		return Task{}, errors.New("user_id is required")
	}
	if spec == "" {
		return Task{}, errors.New("task is required")
	}
	if targetSteps <= 0 {
		targetSteps = DefaultTargetSteps
	}
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if activeID := r.activeUser[userID]; activeID != "" {
		return Task{}, fmt.Errorf("%w: task %s", ErrUserBusy, activeID)
	}

	task := &Task{
		ID:          NewTaskID(),
		UserID:      userID,
		Spec:        spec,
		Status:      StatusQueued,
		TargetSteps: targetSteps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.tasks[task.ID] = task
	r.tasksByUser[userID] = append(r.tasksByUser[userID], task.ID)
	r.activeUser[userID] = task.ID

	r.publishLocked(task, EventTaskQueued, "")
	return *task, nil
}

// Begin transitions queued -> running and stamps StartedAt. An unknown task id
// is a logged no-op: by the time the executor calls Begin the record exists
// unless it was already retired.
func (r *Registry) Begin(taskID string) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		r.logger.Warn("begin on unknown task", "task_id", taskID)
		return
	}
	if task.Status != StatusQueued {
		r.logger.Warn("begin in unexpected state", "task_id", taskID, "status", task.Status)
		return
	}
	task.Status = StatusRunning
	task.StartedAt = &now
	task.UpdatedAt = now

	r.publishLocked(task, EventTaskStarted, "")
}

// Progress applies a monotonic max to StepsCompleted. Out-of-order, duplicate,
// or post-terminal reports are ignored. An accepted update refreshes
// LastActivity and resets the stall counter.
func (r *Registry) Progress(taskID string, stepsCompleted int) bool {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok || task.Terminal() {
		return false
	}
	if stepsCompleted <= task.StepsCompleted {
		return false
	}
	task.StepsCompleted = stepsCompleted
	task.LastActivity = &now
	task.UpdatedAt = now
	task.StallCount = 0

	r.publishLocked(task, EventTaskProgress, "")
	return true
}

// Finish transitions running -> completed|error. It is idempotent: a second
// call on a terminal record is a no-op with a logged warning.
func (r *Registry) Finish(taskID string, outcome Status, result, errMsg string) (Task, error) {
	if outcome != StatusCompleted && outcome != StatusError {
		return Task{}, fmt.Errorf("%w: finish outcome must be completed or error, got %q", ErrInvalidTaskState, outcome)
	}
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if task.Terminal() {
		r.logger.Warn("finish on terminal task", "task_id", taskID, "status", task.Status)
		return *task, nil
	}

	task.Status = outcome
	task.Result = strings.TrimSpace(result)
	task.Error = strings.TrimSpace(errMsg)
	r.completeLocked(task, now)

	if outcome == StatusCompleted {
		r.publishLocked(task, EventTaskCompleted, task.Result)
	} else {
		r.publishLocked(task, EventTaskFailed, task.Error)
	}
	return *task, nil
}

// Cancel marks the record cancelled immediately. The executor is signalled
// separately by the orchestrator and stops at its own pace; the record does
// not wait for that acknowledgment.
func (r *Registry) Cancel(taskID, reason string) (Task, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if task.Terminal() {
		return Task{}, fmt.Errorf("%w: task is %s", ErrInvalidTaskState, task.Status)
	}

	task.Status = StatusCancelled
	task.Error = strings.TrimSpace(reason)
	r.completeLocked(task, now)

	r.publishLocked(task, EventTaskCancelled, task.Error)
	return *task, nil
}

func (r *Registry) Get(taskID string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *task, nil
}

// ListByUser returns the user's tasks newest first.
func (r *Registry) ListByUser(userID string) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.tasksByUser[userID]
	out := make([]Task, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if t, ok := r.tasks[ids[i]]; ok {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveByUser returns the user's queued or running task, if any.
func (r *Registry) ActiveByUser(userID string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := r.activeUser[userID]
	if id == "" {
		return Task{}, false
	}
	task, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[Status]int{
		StatusQueued:    0,
		StatusRunning:   0,
		StatusCompleted: 0,
		StatusError:     0,
		StatusCancelled: 0,
		StatusStalled:   0,
	}
	active := 0
	for _, t := range r.tasks {
		counts[t.Status]++
		if t.Status.Active() {
			active++
		}
	}
	return Stats{
		TotalTasks:   len(r.tasks),
		ActiveTasks:  active,
		ActiveUsers:  len(r.activeUser),
		StatusCounts: counts,
	}
}

// RunningSnapshots returns value copies of every running record for the
// liveness monitor to inspect without holding the registry lock.
func (r *Registry) RunningSnapshots() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0)
	for _, t := range r.tasks {
		if t.Status == StatusRunning {
			out = append(out, *t)
		}
	}
	return out
}

// MarkStallObserved increments the stall counter and returns the new value.
// The counter only moves if the task is still running and no progress landed
// after the activity timestamp the caller observed; a report that raced the
// scan resets the count instead.
func (r *Registry) MarkStallObserved(taskID string, observedActivity time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok || task.Status != StatusRunning {
		return 0
	}
	if task.LastActivity == nil || task.LastActivity.After(observedActivity) {
		return 0
	}
	task.StallCount++
	task.UpdatedAt = time.Now().UTC()
	return task.StallCount
}

// MarkStalled escalates a running task to the terminal stalled state.
func (r *Registry) MarkStalled(taskID, detail string) bool {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok || task.Status != StatusRunning {
		return false
	}
	task.Status = StatusStalled
	task.Error = strings.TrimSpace(detail)
	r.completeLocked(task, now)

	r.publishLocked(task, EventTaskStalled, task.Error)
	return true
}

// EvictTerminalBefore removes terminal records whose CompletedAt is older than
// the cutoff and returns the removed snapshots so callers can archive them.
func (r *Registry) EvictTerminalBefore(cutoff time.Time) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Task
	for id, t := range r.tasks {
		if !t.Terminal() || t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			evicted = append(evicted, *t)
			delete(r.tasks, id)
		}
	}
	for _, t := range evicted {
		r.removeUserIndexLocked(t.UserID, t.ID)
	}
	return evicted
}

// Subscribe registers a per-user event channel. Delivery is best effort: slow
// consumers drop events rather than block registry mutation.
func (r *Registry) Subscribe(userID string) (<-chan Event, func()) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 64)
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	if _, ok := r.subscribers[userID]; !ok {
		r.subscribers[userID] = make(map[int]chan Event)
	}
	r.subscribers[userID][id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subscribers[userID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(r.subscribers, userID)
		}
	}
}

// completeLocked applies the shared terminal bookkeeping: CompletedAt,
// duration, and release of the user's active slot.
func (r *Registry) completeLocked(task *Task, now time.Time) {
	task.CompletedAt = &now
	task.UpdatedAt = now
	if task.StartedAt != nil {
		task.DurationSec = now.Sub(*task.StartedAt).Seconds()
	}
	if r.activeUser[task.UserID] == task.ID {
		delete(r.activeUser, task.UserID)
	}
}

func (r *Registry) removeUserIndexLocked(userID, taskID string) {
	ids := r.tasksByUser[userID]
	out := ids[:0]
	for _, id := range ids {
		if id != taskID {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		delete(r.tasksByUser, userID)
		return
	}
	r.tasksByUser[userID] = append([]string(nil), out...)
}

func (r *Registry) publishLocked(task *Task, eventType EventType, detail string) {
	subs := r.subscribers[task.UserID]
	if len(subs) == 0 {
		return
	}
	evt := Event{
		Type:           eventType,
		UserID:         task.UserID,
		TaskID:         task.ID,
		Status:         task.Status,
		StepsCompleted: task.StepsCompleted,
		TargetSteps:    task.TargetSteps,
		Detail:         detail,
		At:             task.UpdatedAt,
	}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
