package signalbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/taskqueue/internal/events"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := New(client, Config{BlockTimeout: 50 * time.Millisecond}, zerolog.Nop())
	return store, client
}

func TestStoreEnqueueDequeueAcknowledge(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	event := events.NewEvent(events.EventTaskCompleted, events.TaskEventData("task-1", "echo", "0", nil))
	require.NoError(t, store.Enqueue(ctx, event))

	claimed, err := store.Dequeue(ctx, "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, events.EventTaskCompleted, claimed[0].Event.Type)
	assert.Equal(t, "task-1", claimed[0].Event.Data["task_id"])

	require.NoError(t, store.Acknowledge(ctx, claimed[0]))

	pending, err := store.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestStoreDequeueIsEmptyWhenNothingEnqueued(t *testing.T) {
	store, _ := newTestStore(t)
	claimed, err := store.Dequeue(context.Background(), "consumer-1", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestStoreRejectWithRequeueRedelivers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	event := events.NewEvent(events.EventTaskFailed, events.TaskEventData("task-2", "sleep", "0", nil))
	require.NoError(t, store.Enqueue(ctx, event))

	claimed, err := store.Dequeue(ctx, "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.Reject(ctx, claimed[0], true))

	redelivered, err := store.Dequeue(ctx, "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "task-2", redelivered[0].Event.Data["task_id"])
}

func TestStoreRejectWithoutRequeueDropsMessage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	event := events.NewEvent(events.EventTaskFailed, events.TaskEventData("task-3", "sleep", "0", nil))
	require.NoError(t, store.Enqueue(ctx, event))

	claimed, err := store.Dequeue(ctx, "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.Reject(ctx, claimed[0], false))

	pending, err := store.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestStoreClaimOrphanedReassignsIdleEntries(t *testing.T) {
	store, _ := newTestStore(t)
	store.cfg.ClaimMinIdle = 10 * time.Millisecond
	ctx := context.Background()

	event := events.NewEvent(events.EventTaskRetrying, events.TaskEventData("task-4", "compute", "0", nil))
	require.NoError(t, store.Enqueue(ctx, event))

	claimed, err := store.Dequeue(ctx, "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	time.Sleep(20 * time.Millisecond)

	orphaned, err := store.ClaimOrphaned(ctx, "consumer-2")
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	assert.Equal(t, "task-4", orphaned[0].Event.Data["task_id"])
}

func TestQueuedPublisherPublishEnqueues(t *testing.T) {
	store, _ := newTestStore(t)
	pub := NewQueuedPublisher(store)

	event := events.NewEvent(events.EventTaskSubmitted, events.TaskEventData("task-5", "echo", "0", nil))
	require.NoError(t, pub.Publish(context.Background(), event))

	claimed, err := store.Dequeue(context.Background(), "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.NoError(t, pub.Close())
}

func TestSubscriberRunInvokesHandleAndAcknowledges(t *testing.T) {
	store, client := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan *events.Event, 1)
	sub := NewSubscriber(store, "consumer-1", time.Hour, func(_ context.Context, e *events.Event) error {
		handled <- e
		return nil
	}, zerolog.Nop())
	go sub.Run(ctx)
	defer sub.Stop()

	event := events.NewEvent(events.EventTaskCompleted, events.TaskEventData("task-6", "echo", "0", nil))
	require.NoError(t, store.Enqueue(context.Background(), event))

	select {
	case e := <-handled:
		assert.Equal(t, "task-6", e.Data["task_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	assert.Eventually(t, func() bool {
		pending, err := store.GetPendingCount(context.Background())
		return err == nil && pending == 0
	}, time.Second, 10*time.Millisecond)

	_ = client
}

func TestSubscriberRunRequeuesOnHandlerError(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int
	done := make(chan struct{})
	sub := NewSubscriber(store, "consumer-1", time.Hour, func(_ context.Context, e *events.Event) error {
		attempts++
		if attempts >= 2 {
			close(done)
			return nil
		}
		return assert.AnError
	}, zerolog.Nop())
	go sub.Run(ctx)
	defer sub.Stop()

	event := events.NewEvent(events.EventTaskFailed, events.TaskEventData("task-7", "echo", "0", nil))
	require.NoError(t, store.Enqueue(context.Background(), event))

	select {
	case <-done:
		assert.GreaterOrEqual(t, attempts, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not retried after rejection")
	}
}
