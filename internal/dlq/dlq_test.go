package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

type fakeBroker struct {
	published []*taskmsg.TaskMessage
	failNext  bool
}

func (f *fakeBroker) Publish(ctx context.Context, message *taskmsg.TaskMessage) error {
	if f.failNext {
		f.failNext = false
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, message)
	return nil
}

func newTestStore(t *testing.T, maxMessages int64) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, maxMessages)
}

func TestStoreAndContains(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	msg := taskmsg.NewTaskMessage("t", "q", nil, "", taskmsg.PriorityDefault, 3)

	require.NoError(t, s.Store(ctx, msg, "handler panicked", nil))

	ok, err := s.Contains(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestStoreEvictsOldestOverCapacity(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		msg := taskmsg.NewTaskMessage("t", "q", nil, "", taskmsg.PriorityDefault, 3)
		require.NoError(t, s.Store(ctx, msg, "fail", nil))
		time.Sleep(time.Millisecond)
	}
	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

func TestRequeueRemovesAndRepublishes(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	msg := taskmsg.NewTaskMessage("t", "q", nil, "", taskmsg.PriorityDefault, 3)
	require.NoError(t, s.Store(ctx, msg, "fail", nil))

	broker := &fakeBroker{}
	require.NoError(t, s.Requeue(ctx, broker, msg.ID))

	ok, err := s.Contains(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, broker.published, 1)
	assert.Equal(t, msg.ID, broker.published[0].ID)
}

func TestRequeueReinsertsOnBrokerFailure(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	msg := taskmsg.NewTaskMessage("t", "q", nil, "", taskmsg.PriorityDefault, 3)
	require.NoError(t, s.Store(ctx, msg, "fail", nil))

	broker := &fakeBroker{failNext: true}
	err := s.Requeue(ctx, broker, msg.ID)
	assert.Error(t, err)

	ok, err := s.Contains(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, ok, "entry should be reinserted after a failed republish")
}

func TestPurgeClearsEverything(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	msg := taskmsg.NewTaskMessage("t", "q", nil, "", taskmsg.PriorityDefault, 3)
	require.NoError(t, s.Store(ctx, msg, "fail", nil))

	require.NoError(t, s.Purge(ctx))
	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestListOrderedByTimestampDescending(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		msg := taskmsg.NewTaskMessage("t", "q", nil, "", taskmsg.PriorityDefault, 3)
		ids = append(ids, msg.ID)
		require.NoError(t, s.Store(ctx, msg, "fail", nil))
		time.Sleep(time.Millisecond)
	}

	entries, err := s.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ids[2], entries[0].Message.ID)
	assert.Equal(t, ids[0], entries[2].Message.ID)
}

func TestCleanupExpiredRemovesPastEntries(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	msg := taskmsg.NewTaskMessage("t", "q", nil, "", taskmsg.PriorityDefault, 3)
	past := -time.Hour
	require.NoError(t, s.Store(ctx, msg, "fail", &past))

	removed, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ok, err := s.Contains(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
