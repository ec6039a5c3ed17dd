package tasks

import "time"

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusStalled   Status = "stalled"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled, StatusStalled:
		return true
	default:
		return false
	}
}

// Active reports whether the status counts against the one-active-task-per-user
// limit.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Task is the registry record for one submitted automation task.
type Task struct {
	ID             string     `json:"task_id"`
	UserID         string     `json:"user_id"`
	Spec           string     `json:"task"`
	Status         Status     `json:"status"`
	StepsCompleted int        `json:"steps_completed"`
	TargetSteps    int        `json:"target_steps"`
	StallCount     int        `json:"stall_count,omitempty"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
	DurationSec    float64    `json:"duration_seconds,omitempty"`
}

func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

// Stats summarizes the registry for the /v1/stats endpoint.
type Stats struct {
	TotalTasks   int            `json:"total_tasks"`
	ActiveTasks  int            `json:"active_tasks"`
	ActiveUsers  int            `json:"active_users"`
	StatusCounts map[Status]int `json:"status_counts"`
}

type EventType string

const (
	EventTaskQueued    EventType = "task_queued"
	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	EventTaskStalled   EventType = "task_stalled"
)

// Event is pushed to per-user websocket subscribers on every transition.
type Event struct {
	Type           EventType `json:"type"`
	UserID         string    `json:"user_id"`
	TaskID         string    `json:"task_id"`
	Status         Status    `json:"status"`
	StepsCompleted int       `json:"steps_completed"`
	TargetSteps    int       `json:"target_steps,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}
