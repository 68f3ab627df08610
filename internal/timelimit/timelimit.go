// Package timelimit races a handler invocation against optional soft
// and hard deadlines.
package timelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is {softLimit?, hardLimit?}; zero means "not set". If both
// are set, SoftLimit must be < HardLimit.
type Policy struct {
	SoftLimit time.Duration
	HardLimit time.Duration
}

// SoftTimeLimitExceeded is raised when the soft timer elapses while
// the handler is still running.
type SoftTimeLimitExceeded struct {
	TaskID    string
	SoftLimit time.Duration
}

func (e *SoftTimeLimitExceeded) Error() string {
	return fmt.Sprintf("task %s exceeded soft time limit %s", e.TaskID, e.SoftLimit)
}

// Timeout is raised when the hard limit cancels the handler without
// the soft path having already fired.
type Timeout struct {
	TaskID    string
	HardLimit time.Duration
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("task %s exceeded hard time limit %s", e.TaskID, e.HardLimit)
}

// Run invokes fn under policy, composing a cancellation token with the
// caller-supplied ctx. External cancellation of ctx propagates as ctx.Err()
// unchanged — it is never reclassified as a time-limit outcome.
func Run(ctx context.Context, taskID string, policy Policy, fn func(context.Context) (any, error)) (any, error) {
	// softCtx is always cancellable so a soft-limit breach can actually
	// cancel the handler, even when no HardLimit is set.
	softCtx, softCancel := context.WithCancel(ctx)
	defer softCancel()

	runCtx := softCtx
	if policy.HardLimit > 0 {
		var hardCancel context.CancelFunc
		runCtx, hardCancel = context.WithTimeout(softCtx, policy.HardLimit)
		defer hardCancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(runCtx)
		done <- outcome{result, err}
	}()

	var softFired chan struct{}
	var softTimer *time.Timer
	if policy.SoftLimit > 0 {
		softFired = make(chan struct{})
		softTimer = time.AfterFunc(policy.SoftLimit, func() { close(softFired) })
		defer softTimer.Stop()
	}

	for {
		select {
		case out := <-done:
			return out.result, out.err
		case <-softFired:
			softFired = nil // do not select it again
			// Cancel runCtx so a well-behaved handler observes it and
			// returns promptly; we still can't force-abort a goroutine
			// that ignores ctx, so a done value already in flight wins.
			softCancel()
			select {
			case out := <-done:
				return out.result, out.err
			default:
				return nil, &SoftTimeLimitExceeded{TaskID: taskID, SoftLimit: policy.SoftLimit}
			}
		case <-runCtx.Done():
			if ctx.Err() != nil {
				// external cancellation, not a time-limit outcome
				return nil, ctx.Err()
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && policy.HardLimit > 0 {
				return nil, &Timeout{TaskID: taskID, HardLimit: policy.HardLimit}
			}
			return nil, runCtx.Err()
		}
	}
}
