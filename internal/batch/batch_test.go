package batch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := &Batch{ID: "b1", Name: "import", TaskIDs: []string{"t1", "t2"}, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, b))

	got, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.ElementsMatch(t, []string{"t1", "t2"}, got.TaskIDs)
}

func TestMarkTaskCompletedTransitionsToProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := &Batch{ID: "b1", TaskIDs: []string{"t1", "t2"}, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, b))

	state, err := s.MarkTaskCompleted(ctx, "b1", "t1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, state)
}

func TestMarkAllCompletedTransitionsToCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := &Batch{ID: "b1", TaskIDs: []string{"t1", "t2"}, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, b))

	_, err := s.MarkTaskCompleted(ctx, "b1", "t1")
	require.NoError(t, err)
	state, err := s.MarkTaskCompleted(ctx, "b1", "t2")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)

	got, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
}

func TestMixedOutcomesYieldPartiallyCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := &Batch{ID: "b1", TaskIDs: []string{"t1", "t2"}, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, b))

	_, err := s.MarkTaskCompleted(ctx, "b1", "t1")
	require.NoError(t, err)
	state, err := s.MarkTaskFailed(ctx, "b1", "t2")
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyCompleted, state)
}

func TestAllFailedTransitionsToFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := &Batch{ID: "b1", TaskIDs: []string{"t1"}, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, b))

	state, err := s.MarkTaskFailed(ctx, "b1", "t1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func TestProgressCalculation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := &Batch{ID: "b1", TaskIDs: []string{"t1", "t2", "t3", "t4"}, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, b))

	_, err := s.MarkTaskCompleted(ctx, "b1", "t1")
	require.NoError(t, err)
	progress, err := s.Progress(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 25, progress)
}

func TestDeleteRemovesBatchAndIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := &Batch{ID: "b1", TaskIDs: []string{"t1"}, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, b))
	require.NoError(t, s.Delete(ctx, "b1"))

	_, err := s.Get(ctx, "b1")
	assert.Error(t, err)

	indexed, err := s.client.Exists(ctx, "taskqueue:batch:task_index:t1").Result()
	require.NoError(t, err)
	assert.Zero(t, indexed)
}

func TestMarkTaskOnUnknownBatchErrors(t *testing.T) {
	s := newTestStore(t)
	_, err := s.MarkTaskCompleted(context.Background(), "missing", "t1")
	assert.Error(t, err)
}
