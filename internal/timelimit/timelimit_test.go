package timelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCompletesWithinLimits(t *testing.T) {
	result, err := Run(context.Background(), "t1", Policy{SoftLimit: 50 * time.Millisecond, HardLimit: 100 * time.Millisecond},
		func(ctx context.Context) (any, error) {
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestRunNoLimitsPassesThrough(t *testing.T) {
	result, err := Run(context.Background(), "t1", Policy{}, func(ctx context.Context) (any, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result)
}

func TestRunHardLimitRaisesTimeout(t *testing.T) {
	_, err := Run(context.Background(), "t1", Policy{HardLimit: 20 * time.Millisecond}, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var timeoutErr *Timeout
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "t1", timeoutErr.TaskID)
}

func TestRunSoftLimitRaisesSoftExceeded(t *testing.T) {
	_, err := Run(context.Background(), "t1", Policy{SoftLimit: 10 * time.Millisecond, HardLimit: 500 * time.Millisecond},
		func(ctx context.Context) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return nil, nil
		})
	var softErr *SoftTimeLimitExceeded
	require.ErrorAs(t, err, &softErr)
}

func TestRunSoftOnlyPolicyCancelsHandlerContext(t *testing.T) {
	cancelled := make(chan struct{})
	_, err := Run(context.Background(), "t1", Policy{SoftLimit: 10 * time.Millisecond},
		func(ctx context.Context) (any, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		})
	var softErr *SoftTimeLimitExceeded
	require.ErrorAs(t, err, &softErr)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler's context was never cancelled on a soft-only policy breach")
	}
}

func TestRunExternalCancellationPropagatesUnchanged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, "t1", Policy{HardLimit: 500 * time.Millisecond}, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.True(t, errors.Is(err, context.Canceled))

	var timeoutErr *Timeout
	assert.False(t, errors.As(err, &timeoutErr))
}
