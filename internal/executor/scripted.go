package executor

import (
	"context"
	"fmt"
	"time"
)

// Scripted walks through the target step count on a fixed cadence. It stands
// in for the real automation engine in the default build and in tests.
type Scripted struct {
	stepDelay time.Duration
}

func NewScripted(stepDelay time.Duration) *Scripted {
	if stepDelay <= 0 {
		stepDelay = 500 * time.Millisecond
	}
	return &Scripted{stepDelay: stepDelay}
}

func (s *Scripted) Run(ctx context.Context, sig StartSignal, onProgress func(int)) (string, error) {
	for step := 1; step <= sig.TargetSteps; step++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.stepDelay):
		}
		if onProgress != nil {
			onProgress(step)
		}
	}
	return fmt.Sprintf("completed %d steps: %s", sig.TargetSteps, sig.Spec), nil
}
