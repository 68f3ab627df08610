package resultbackend

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

func newTestRedisBackend(t *testing.T, cfg RedisConfig) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackend(client, cfg, zerolog.Nop()), mr
}

func TestRedisStoreAndGetResult(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisConfig{})
	ctx := context.Background()
	result := taskmsg.NewPendingResult("t1")
	result.State = taskmsg.StateSuccess
	require.NoError(t, b.StoreResult(ctx, result))

	got, err := b.GetResult(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, taskmsg.StateSuccess, got.State)
}

func TestRedisGetResultNotFound(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisConfig{})
	_, err := b.GetResult(context.Background(), "missing")
	assert.Equal(t, ErrNotFound, err)
}

func TestRedisUpdateAndGetState(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisConfig{})
	ctx := context.Background()
	require.NoError(t, b.UpdateState(ctx, "t1", taskmsg.StateStarted))

	state, err := b.GetState(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, taskmsg.StateStarted, state)
}

func TestRedisWaitForResultShortCircuitsWhenAlreadyStored(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisConfig{})
	ctx := context.Background()
	result := taskmsg.NewPendingResult("t1")
	result.State = taskmsg.StateSuccess
	require.NoError(t, b.StoreResult(ctx, result))

	got, err := b.WaitForResult(ctx, "t1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, taskmsg.StateSuccess, got.State)
}

func TestRedisWaitForResultCompletesViaNotification(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisConfig{UseNotify: true, PollingInterval: time.Hour})
	ctx := context.Background()

	resultCh := make(chan *taskmsg.TaskResult, 1)
	go func() {
		result, err := b.WaitForResult(ctx, "t1", 2*time.Second)
		if err == nil {
			resultCh <- result
		} else {
			resultCh <- nil
		}
	}()

	time.Sleep(50 * time.Millisecond)
	result := taskmsg.NewPendingResult("t1")
	result.State = taskmsg.StateSuccess
	require.NoError(t, b.StoreResult(ctx, result))

	select {
	case got := <-resultCh:
		require.NotNil(t, got)
		assert.Equal(t, taskmsg.StateSuccess, got.State)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification-driven result")
	}
}

func TestRedisWaitForResultCompletesViaPolling(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisConfig{PollingInterval: 20 * time.Millisecond})
	ctx := context.Background()

	resultCh := make(chan *taskmsg.TaskResult, 1)
	go func() {
		result, err := b.WaitForResult(ctx, "t1", 2*time.Second)
		if err == nil {
			resultCh <- result
		} else {
			resultCh <- nil
		}
	}()

	time.Sleep(50 * time.Millisecond)
	result := taskmsg.NewPendingResult("t1")
	result.State = taskmsg.StateSuccess
	require.NoError(t, b.StoreResult(ctx, result))

	select {
	case got := <-resultCh:
		require.NotNil(t, got)
		assert.Equal(t, taskmsg.StateSuccess, got.State)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for polling-driven result")
	}
}

func TestRedisWaitForResultTimesOut(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisConfig{PollingInterval: 10 * time.Millisecond})
	_, err := b.WaitForResult(context.Background(), "never-arrives", 50*time.Millisecond)
	assert.Equal(t, ErrTimeout, err)
}

func TestRedisWaitForResultCancellation(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisConfig{PollingInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := b.WaitForResult(ctx, "never-arrives", 5*time.Second)
	assert.Equal(t, ErrOperationCanceled, err)
}
