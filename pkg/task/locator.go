package task

import (
	"errors"
	"reflect"
)

// ErrLocatorBlocked is returned when a handler asks the service
// locator for a type it is not permitted to resolve.
var ErrLocatorBlocked = errors.New("task: service locator refused to resolve a container-reflection type")

// ServiceLocator is a restricted lookup a handler may use to pull
// additional dependencies from the DI scope, while refusing lookups
// of container-reflection types — a task must not be able to climb
// back out of its scope via the locator it was handed.
type ServiceLocator struct {
	lookup  func(reflect.Type) (any, bool)
	blocked map[reflect.Type]bool
}

// NewServiceLocator wraps lookup, additionally refusing any type in blocked.
func NewServiceLocator(lookup func(reflect.Type) (any, bool), blocked ...reflect.Type) *ServiceLocator {
	blockedSet := make(map[reflect.Type]bool, len(blocked))
	for _, t := range blocked {
		blockedSet[t] = true
	}
	return &ServiceLocator{lookup: lookup, blocked: blockedSet}
}

// Resolve returns the service registered for t, or ErrLocatorBlocked /
// a not-found error.
func (s *ServiceLocator) Resolve(t reflect.Type) (any, error) {
	if s == nil || s.lookup == nil {
		return nil, errors.New("task: service locator not configured")
	}
	if s.blocked[t] {
		return nil, ErrLocatorBlocked
	}
	v, ok := s.lookup(t)
	if !ok {
		return nil, errors.New("task: no service registered for " + t.String())
	}
	return v, nil
}
