package registry

import (
	"reflect"
	"time"

	"github.com/taskqueue/taskqueue/pkg/task"
)

// RegisterHandler builds a TaskRegistration from h by reflecting on
// its concrete type and the optional policy interfaces it implements,
// then registers it.
func (r *Registry) RegisterHandler(h task.Handler) error {
	reg := &TaskRegistration{
		TaskName:  h.TaskName(),
		TaskType:  reflect.TypeOf(h),
		InputType: reflect.TypeOf(h.NewInput()),
		Handler:   h,
	}

	if rl, ok := h.(task.RateLimited); ok {
		policy := rl.RateLimitPolicy()
		reg.RateLimitPolicy = &RateLimitPolicy{
			Limit:       policy.Limit,
			Window:      int64(policy.Window),
			ResourceKey: policy.ResourceKey,
		}
	}
	if tl, ok := h.(task.TimeLimited); ok {
		policy := tl.TimeLimitPolicy()
		reg.TimeLimitPolicy = &TimeLimitPolicy{
			SoftLimitNanos: int64(policy.SoftLimit),
			HardLimitNanos: int64(policy.HardLimit),
		}
	}
	if q, ok := h.(task.Queued); ok {
		reg.Queue = q.Queue()
	}
	if f, ok := h.(task.Filtered); ok {
		reg.FilterTypes = f.FilterTypes()
	}

	return r.Register(reg)
}

// RateLimitWindow converts a registration's stored nanosecond window
// back to a time.Duration for callers outside this package.
func (p *RateLimitPolicy) RateLimitWindow() time.Duration {
	return time.Duration(p.Window)
}

// Soft converts a registration's stored nanosecond soft limit
// back to a time.Duration.
func (p *TimeLimitPolicy) Soft() time.Duration { return time.Duration(p.SoftLimitNanos) }

// Hard converts a registration's stored nanosecond hard limit
// back to a time.Duration.
func (p *TimeLimitPolicy) Hard() time.Duration { return time.Duration(p.HardLimitNanos) }
