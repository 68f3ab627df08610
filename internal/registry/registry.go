// Package registry holds the process-wide map from task name to
// TaskRegistration. Lookups are lock-free; registration takes a mutex
// and swaps in a new immutable snapshot.
package registry

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// RateLimitPolicy mirrors the shape a task handler may declare to
// participate in admission control; it is opaque to the registry.
type RateLimitPolicy struct {
	Limit       int
	Window      int64 // nanoseconds, avoids importing time for a POD struct
	ResourceKey string
}

// TimeLimitPolicy mirrors the soft/hard deadline a task may declare.
type TimeLimitPolicy struct {
	SoftLimitNanos int64
	HardLimitNanos int64
}

// TaskRegistration describes one registered task type.
type TaskRegistration struct {
	TaskName        string
	TaskType        reflect.Type
	InputType       reflect.Type
	OutputType      reflect.Type
	RateLimitPolicy *RateLimitPolicy
	FilterTypes     []reflect.Type
	Queue           string
	TimeLimitPolicy *TimeLimitPolicy
	Handler         any
}

// Registry is a lock-free-read, mutex-write task registration table.
type Registry struct {
	mu     sync.Mutex
	snap   atomic.Pointer[map[string]*TaskRegistration]
	log    zerolog.Logger
	strict bool
}

// New creates an empty registry. If strict is true, registering a
// different type under a name already in use returns an error instead
// of logging a warning and overwriting.
func New(log zerolog.Logger, strict bool) *Registry {
	r := &Registry{log: log.With().Str("component", "registry").Logger(), strict: strict}
	empty := make(map[string]*TaskRegistration)
	r.snap.Store(&empty)
	return r
}

// Register adds or idempotently re-adds a registration. A collision
// with a different TaskType either overwrites (logging a warning) or,
// in strict mode, returns an error.
func (r *Registry) Register(reg *TaskRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snap.Load()
	if existing, ok := current[reg.TaskName]; ok {
		if existing.TaskType == reg.TaskType {
			return nil // idempotent re-registration
		}
		if r.strict {
			return fmt.Errorf("registry: task %q already registered with type %s, got %s",
				reg.TaskName, existing.TaskType, reg.TaskType)
		}
		r.log.Warn().
			Str("task_name", reg.TaskName).
			Str("existing_type", existing.TaskType.String()).
			Str("new_type", reg.TaskType.String()).
			Msg("overwriting task registration with a different type")
	}

	next := make(map[string]*TaskRegistration, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[reg.TaskName] = reg
	r.snap.Store(&next)
	return nil
}

// Lookup returns the registration for name, or nil if unknown. Never
// blocks on the registration mutex.
func (r *Registry) Lookup(name string) (*TaskRegistration, bool) {
	current := *r.snap.Load()
	reg, ok := current[name]
	return reg, ok
}

// Names returns every currently registered task name.
func (r *Registry) Names() []string {
	current := *r.snap.Load()
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	return names
}

// Len reports the number of registered tasks.
func (r *Registry) Len() int {
	return len(*r.snap.Load())
}
