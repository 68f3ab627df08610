// Package breaker implements a per-queue circuit breaker and a
// process-wide kill switch, both following the same closed-lock /
// deferred-raise discipline: state mutations happen under a mutex,
// but observer callbacks always fire after the mutex is released.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState is one of Closed, Open, HalfOpen.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerOpenError is returned by Execute when the circuit is
// Open and the call is fast-failed.
type CircuitBreakerOpenError struct {
	CircuitName        string
	EstimatedRetryAfter time.Duration
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after ~%s", e.CircuitName, e.EstimatedRetryAfter)
}

// CircuitEvent is raised on every state transition.
type CircuitEvent struct {
	CircuitName string
	From        CircuitState
	To          CircuitState
	At          time.Time
}

// CircuitBreakerOptions configures one breaker instance.
type CircuitBreakerOptions struct {
	FailureThreshold  int
	SuccessThreshold  int
	OpenDuration      time.Duration
	FailureWindow     time.Duration
	TripOnExceptions  []error // if non-empty, only matching errors (via errors.Is) count as failures
	IgnoreExceptions  []error // matching errors never affect state
	PerQueue          bool
}

// CircuitBreaker is a per-queue (or per-name) Closed/Open/HalfOpen
// state machine.
type CircuitBreaker struct {
	mu             sync.Mutex
	name           string
	opts           CircuitBreakerOptions
	state          CircuitState
	failures       []time.Time
	halfOpenProbes int
	openedAt       time.Time
	timer          *time.Timer
	onStateChanged func(CircuitEvent)
}

// NewCircuitBreaker builds a Closed breaker. onStateChanged may be nil.
func NewCircuitBreaker(name string, opts CircuitBreakerOptions, onStateChanged func(CircuitEvent)) *CircuitBreaker {
	return &CircuitBreaker{
		name:           name,
		opts:           opts,
		state:          CircuitClosed,
		onStateChanged: onStateChanged,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsAllowed reports whether a new operation may proceed.
func (cb *CircuitBreaker) IsAllowed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != CircuitOpen
}

func (cb *CircuitBreaker) shouldIgnore(err error) bool {
	for _, ignored := range cb.opts.IgnoreExceptions {
		if errors.Is(err, ignored) {
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if cb.shouldIgnore(err) {
		return false
	}
	if len(cb.opts.TripOnExceptions) == 0 {
		return true
	}
	for _, tracked := range cb.opts.TripOnExceptions {
		if errors.Is(err, tracked) {
			return true
		}
	}
	return false
}

// transitionLocked mutates state under the caller's held lock and
// returns a closure that raises the observer event — the caller must
// invoke it only after unlocking.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	now := time.Now()
	ev := CircuitEvent{CircuitName: cb.name, From: from, To: to, At: now}

	switch to {
	case CircuitOpen:
		cb.openedAt = now
		cb.halfOpenProbes = 0
		if cb.timer != nil {
			cb.timer.Stop()
		}
		cb.timer = time.AfterFunc(cb.opts.OpenDuration, cb.enterHalfOpen)
	case CircuitHalfOpen:
		cb.halfOpenProbes = 0
	case CircuitClosed:
		cb.failures = nil
		cb.halfOpenProbes = 0
	}

	return func() {
		if cb.onStateChanged != nil {
			cb.onStateChanged(ev)
		}
	}
}

func (cb *CircuitBreaker) enterHalfOpen() {
	cb.mu.Lock()
	if cb.state != CircuitOpen {
		cb.mu.Unlock()
		return
	}
	raise := cb.transitionLocked(CircuitHalfOpen)
	cb.mu.Unlock()
	raise()
}

func (cb *CircuitBreaker) pruneFailuresLocked(now time.Time) {
	if cb.opts.FailureWindow <= 0 {
		return
	}
	cutoff := now.Add(-cb.opts.FailureWindow)
	kept := cb.failures[:0]
	for _, f := range cb.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	cb.failures = kept
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var raise func()
	switch cb.state {
	case CircuitClosed:
		cb.failures = nil
	case CircuitHalfOpen:
		cb.halfOpenProbes++
		if cb.halfOpenProbes >= cb.opts.SuccessThreshold {
			raise = cb.transitionLocked(CircuitClosed)
		}
	}
	cb.mu.Unlock()
	if raise != nil {
		raise()
	}
}

// RecordFailure records a failed call. err is used for
// TripOnExceptions/IgnoreExceptions classification; pass a non-nil
// generic error if no finer classification is needed.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.countsAsFailure(err) {
		return
	}
	cb.mu.Lock()
	var raise func()
	now := time.Now()
	switch cb.state {
	case CircuitClosed:
		cb.pruneFailuresLocked(now)
		cb.failures = append(cb.failures, now)
		if len(cb.failures) >= cb.opts.FailureThreshold {
			raise = cb.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		raise = cb.transitionLocked(CircuitOpen)
	}
	cb.mu.Unlock()
	if raise != nil {
		raise()
	}
}

// Execute wraps op: fast-fails with CircuitBreakerOpenError when Open,
// otherwise runs op and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	if !cb.IsAllowed() {
		retryAfter := cb.estimatedRetryAfter()
		return nil, &CircuitBreakerOpenError{CircuitName: cb.name, EstimatedRetryAfter: retryAfter}
	}
	result, err := op(ctx)
	if err != nil {
		cb.RecordFailure(err)
		return result, err
	}
	cb.RecordSuccess()
	return result, nil
}

func (cb *CircuitBreaker) estimatedRetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return 0
	}
	elapsed := time.Since(cb.openedAt)
	remaining := cb.opts.OpenDuration - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
