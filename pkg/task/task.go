// Package task is the contract task authors implement and the
// context their handlers receive: a single input type, an execute
// method, and a scoped TaskContext exposing identity, progress
// reporting, and a restricted service locator.
package task

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// Handler is a registered task type. TaskName must be stable across
// deploys — it is the wire identifier producers use to address this
// handler. NewInput returns a fresh zero value used as the
// deserialization target for incoming arguments.
type Handler interface {
	TaskName() string
	NewInput() any
	Execute(ctx context.Context, input any, tc *Context) (any, error)
}

// RateLimited is implemented by handlers that participate in
// admission control.
type RateLimited interface {
	Handler
	RateLimitPolicy() RateLimitPolicy
}

// RateLimitPolicy configures a handler's admission control.
type RateLimitPolicy struct {
	Limit       int
	Window      time.Duration
	ResourceKey string
}

// TimeLimited is implemented by handlers that declare soft/hard
// execution deadlines.
type TimeLimited interface {
	Handler
	TimeLimitPolicy() TimeLimitPolicy
}

// TimeLimitPolicy configures a handler's soft/hard deadlines; zero
// means unset.
type TimeLimitPolicy struct {
	SoftLimit time.Duration
	HardLimit time.Duration
}

// Queued is implemented by handlers pinned to a specific queue rather
// than the default.
type Queued interface {
	Handler
	Queue() string
}

// Filtered is implemented by handlers that declare additional
// per-task filters, identified by type so the registry can resolve
// instances from its filter set.
type Filtered interface {
	Handler
	FilterTypes() []reflect.Type
}

// ProgressReporter publishes incremental progress from within a
// running handler.
type ProgressReporter func(percent int, message string)

// Context is the scoped execution container passed to Handler.Execute.
type Context struct {
	TaskID        string
	ParentID      string
	RootID        string
	CorrelationID string
	TenantID      string
	Queue         string
	SentAt        time.Time
	ETA           *time.Time
	Expires       *time.Time
	Headers       map[string]string
	RetryCount    int
	MaxRetries    int
	Progress      ProgressReporter

	locator      *ServiceLocator
	updateState  func(ctx context.Context, state string, metadata map[string]string) error
}

// NewContext builds a Context. updateState and locator may be nil in
// tests that don't exercise those paths.
func NewContext(locator *ServiceLocator, updateState func(ctx context.Context, state string, metadata map[string]string) error) *Context {
	return &Context{locator: locator, updateState: updateState}
}

// Locator returns the restricted service locator for this execution.
func (c *Context) Locator() *ServiceLocator {
	return c.locator
}

// UpdateState records an intermediate state/metadata update against
// the result backend without altering the terminal outcome the
// executor will eventually persist.
func (c *Context) UpdateState(ctx context.Context, state string, metadata map[string]string) error {
	if c.updateState == nil {
		return nil
	}
	return c.updateState(ctx, state, metadata)
}

// Retry is sugar for raising a retryable or terminal-reject error
// depending on how many attempts remain.
func (c *Context) Retry(countdown time.Duration, cause error) error {
	if c.RetryCount >= c.MaxRetries {
		return &RejectError{Reason: fmt.Sprintf("max retries exceeded: %v", cause)}
	}
	return &RetryError{Countdown: countdown, Cause: cause}
}

// RetryError signals the executor should persist a Retry result and
// reschedule after Countdown.
type RetryError struct {
	Countdown time.Duration
	Cause     error
}

func (e *RetryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("retry after %s: %v", e.Countdown, e.Cause)
	}
	return fmt.Sprintf("retry after %s", e.Countdown)
}

func (e *RetryError) Unwrap() error { return e.Cause }

// RejectError signals the executor should persist a Rejected result
// and not attempt another retry.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }
