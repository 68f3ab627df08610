package registry

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/taskqueue/pkg/task"
)

type plainInput struct{ Name string }

type plainHandler struct{}

func (plainHandler) TaskName() string { return "plain.task" }
func (plainHandler) NewInput() any    { return &plainInput{} }
func (plainHandler) Execute(ctx context.Context, input any, tc *task.Context) (any, error) {
	return nil, nil
}

type richHandler struct{ plainHandler }

func (richHandler) TaskName() string { return "rich.task" }
func (richHandler) RateLimitPolicy() task.RateLimitPolicy {
	return task.RateLimitPolicy{Limit: 10, Window: time.Minute, ResourceKey: "rich"}
}
func (richHandler) TimeLimitPolicy() task.TimeLimitPolicy {
	return task.TimeLimitPolicy{SoftLimit: time.Second, HardLimit: 5 * time.Second}
}
func (richHandler) Queue() string { return "priority" }
func (richHandler) FilterTypes() []reflect.Type {
	return []reflect.Type{reflect.TypeOf(0)}
}

func TestRegisterHandlerPlain(t *testing.T) {
	r := New(zerolog.Nop(), false)
	require.NoError(t, r.RegisterHandler(plainHandler{}))

	reg, ok := r.Lookup("plain.task")
	require.True(t, ok)
	assert.Nil(t, reg.RateLimitPolicy)
	assert.Nil(t, reg.TimeLimitPolicy)
	assert.Empty(t, reg.Queue)
}

func TestRegisterHandlerWithPolicies(t *testing.T) {
	r := New(zerolog.Nop(), false)
	require.NoError(t, r.RegisterHandler(richHandler{}))

	reg, ok := r.Lookup("rich.task")
	require.True(t, ok)
	require.NotNil(t, reg.RateLimitPolicy)
	assert.Equal(t, 10, reg.RateLimitPolicy.Limit)
	assert.Equal(t, time.Minute, reg.RateLimitPolicy.RateLimitWindow())
	require.NotNil(t, reg.TimeLimitPolicy)
	assert.Equal(t, time.Second, reg.TimeLimitPolicy.Soft())
	assert.Equal(t, 5*time.Second, reg.TimeLimitPolicy.Hard())
	assert.Equal(t, "priority", reg.Queue)
	assert.Len(t, reg.FilterTypes, 1)
}
