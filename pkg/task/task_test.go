package task

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetrySugarRaisesRetryErrorUnderLimit(t *testing.T) {
	tc := NewContext(nil, nil)
	tc.RetryCount = 1
	tc.MaxRetries = 3

	err := tc.Retry(5*time.Second, errors.New("transient"))
	var retryErr *RetryError
	assert.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 5*time.Second, retryErr.Countdown)
}

func TestRetrySugarRaisesRejectErrorAtLimit(t *testing.T) {
	tc := NewContext(nil, nil)
	tc.RetryCount = 3
	tc.MaxRetries = 3

	err := tc.Retry(5*time.Second, errors.New("transient"))
	var rejectErr *RejectError
	assert.ErrorAs(t, err, &rejectErr)
}

func TestUpdateStateNoopWithoutBackend(t *testing.T) {
	tc := NewContext(nil, nil)
	assert.NoError(t, tc.UpdateState(context.Background(), "started", nil))
}

func TestUpdateStateDelegatesWhenConfigured(t *testing.T) {
	var seenState string
	tc := NewContext(nil, func(ctx context.Context, state string, metadata map[string]string) error {
		seenState = state
		return nil
	})
	require := assert.New(t)
	require.NoError(tc.UpdateState(context.Background(), "started", nil))
	require.Equal("started", seenState)
}

func TestServiceLocatorBlocksConfiguredType(t *testing.T) {
	type containerHandle struct{}
	blockedType := reflect.TypeOf(containerHandle{})
	locator := NewServiceLocator(func(reflect.Type) (any, bool) {
		return containerHandle{}, true
	}, blockedType)

	_, err := locator.Resolve(blockedType)
	assert.ErrorIs(t, err, ErrLocatorBlocked)
}

func TestServiceLocatorResolvesUnblockedType(t *testing.T) {
	type widget struct{ Name string }
	locator := NewServiceLocator(func(reflect.Type) (any, bool) {
		return widget{Name: "ok"}, true
	})

	v, err := locator.Resolve(reflect.TypeOf(widget{}))
	assert.NoError(t, err)
	assert.Equal(t, widget{Name: "ok"}, v)
}

func TestServiceLocatorReportsNotFound(t *testing.T) {
	locator := NewServiceLocator(func(reflect.Type) (any, bool) {
		return nil, false
	})
	_, err := locator.Resolve(reflect.TypeOf(0))
	assert.Error(t, err)
}
