// Package filter implements the ordered before/after/exception hook
// pipeline the executor wraps around every handler invocation.
package filter

import (
	"context"
	"sort"
	"time"

	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

// ExecutionContext is mutated by filters as they run around a single
// task invocation.
type ExecutionContext struct {
	TaskID   string
	TaskName string
	Args     []byte
	Headers  map[string]string

	// Set by onExecuting to terminate without invoking the handler.
	SkipResult     *taskmsg.TaskResult
	RequeueMessage bool
	RequeueDelay   time.Duration

	// Populated after the handler (or a skip) resolves; filters may
	// inspect/replace both.
	Result    *taskmsg.TaskResult
	Exception error

	// Set by onException to mark that a filter supplied a replacement
	// result and the exception should not propagate further.
	ExceptionHandled bool
}

// Filter is one pipeline stage, ordered by Order() ascending.
type Filter interface {
	Order() int
	Name() string
	OnExecuting(ctx context.Context, ec *ExecutionContext) error
	OnExecuted(ctx context.Context, ec *ExecutionContext) error
	OnException(ctx context.Context, ec *ExecutionContext) error
}

// Pipeline is a sorted, immutable set of filters.
type Pipeline struct {
	filters []Filter
}

// New builds a pipeline from global and per-task filters, sorted by
// declared order (stable, so equal-order filters keep their input
// order — global filters first by convention).
func New(filters ...Filter) *Pipeline {
	sorted := make([]Filter, len(filters))
	copy(sorted, filters)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order() < sorted[j].Order() })
	return &Pipeline{filters: sorted}
}

// RunExecuting runs onExecuting in order, stopping as soon as a filter
// requests a skip or requeue, or returns an error. It returns the
// filters that fired so RunExecuted can unwind them in reverse.
func (p *Pipeline) RunExecuting(ctx context.Context, ec *ExecutionContext) (fired []Filter, err error) {
	for _, f := range p.filters {
		fired = append(fired, f)
		if err = f.OnExecuting(ctx, ec); err != nil {
			return fired, err
		}
		if ec.SkipResult != nil || ec.RequeueMessage {
			return fired, nil
		}
	}
	return fired, nil
}

// RunExecuted runs onExecuted in reverse order over exactly the
// filters that fired onExecuting.
func (p *Pipeline) RunExecuted(ctx context.Context, ec *ExecutionContext, fired []Filter) error {
	for i := len(fired) - 1; i >= 0; i-- {
		if err := fired[i].OnExecuted(ctx, ec); err != nil {
			return err
		}
	}
	return nil
}

// RunException runs onException in reverse declared order, stopping
// once a filter marks the exception handled.
func (p *Pipeline) RunException(ctx context.Context, ec *ExecutionContext) error {
	for i := len(p.filters) - 1; i >= 0; i-- {
		if err := p.filters[i].OnException(ctx, ec); err != nil {
			return err
		}
		if ec.ExceptionHandled {
			return nil
		}
	}
	return nil
}

// Len reports the number of filters in the pipeline.
func (p *Pipeline) Len() int {
	return len(p.filters)
}

// BaseFilter is embeddable by concrete filters that don't need every
// hook; each hook is a no-op by default.
type BaseFilter struct {
	order int
	name  string
}

// NewBase returns a BaseFilter with the given order and name.
func NewBase(order int, name string) BaseFilter {
	return BaseFilter{order: order, name: name}
}

func (b BaseFilter) Order() int      { return b.order }
func (b BaseFilter) Name() string    { return b.name }
func (BaseFilter) OnExecuting(context.Context, *ExecutionContext) error { return nil }
func (BaseFilter) OnExecuted(context.Context, *ExecutionContext) error  { return nil }
func (BaseFilter) OnException(context.Context, *ExecutionContext) error { return nil }
