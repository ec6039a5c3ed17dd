package executor

import (
	"context"

	"github.com/davidep87/browserd/internal/session"
)

// StartSignal carries everything the automation engine needs to run one task.
type StartSignal struct {
	TaskID      string
	Session     *session.Handle
	Spec        string
	TargetSteps int
}

// Executor is the automation engine boundary. Run blocks until the task
// finishes and returns the final result text, reporting intermediate step
// counts through onProgress. Cancellation is cooperative: the engine observes
// ctx at its own checkpoints, it is never forcibly killed.
type Executor interface {
	Run(ctx context.Context, sig StartSignal, onProgress func(stepsCompleted int)) (string, error)
}
