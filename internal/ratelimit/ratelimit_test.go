package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestTryAcquireWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	policy := Policy{Limit: 2, Window: time.Minute, ResourceKey: "tenant-a"}

	lease, err := l.TryAcquire(context.Background(), policy)
	require.NoError(t, err)
	assert.True(t, lease.Acquired)
	assert.Equal(t, 1, lease.Remaining)

	lease, err = l.TryAcquire(context.Background(), policy)
	require.NoError(t, err)
	assert.True(t, lease.Acquired)
	assert.Equal(t, 0, lease.Remaining)
}

func TestTryAcquireDeniedWhenOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	policy := Policy{Limit: 1, Window: time.Minute, ResourceKey: "tenant-b"}

	_, err := l.TryAcquire(context.Background(), policy)
	require.NoError(t, err)

	lease, err := l.TryAcquire(context.Background(), policy)
	require.NoError(t, err)
	assert.False(t, lease.Acquired)
	assert.GreaterOrEqual(t, lease.RetryAfter, time.Duration(0))
}

func TestIndependentResourceKeysDoNotInterfere(t *testing.T) {
	l := newTestLimiter(t)
	policyA := Policy{Limit: 1, Window: time.Minute, ResourceKey: "a"}
	policyB := Policy{Limit: 1, Window: time.Minute, ResourceKey: "b"}

	leaseA, err := l.TryAcquire(context.Background(), policyA)
	require.NoError(t, err)
	assert.True(t, leaseA.Acquired)

	leaseB, err := l.TryAcquire(context.Background(), policyB)
	require.NoError(t, err)
	assert.True(t, leaseB.Acquired)
}

func TestGetUsage(t *testing.T) {
	l := newTestLimiter(t)
	policy := Policy{Limit: 5, Window: time.Minute, ResourceKey: "tenant-c"}

	usage, err := l.GetUsage(context.Background(), policy)
	require.NoError(t, err)
	assert.Equal(t, 0, usage)

	_, err = l.TryAcquire(context.Background(), policy)
	require.NoError(t, err)

	usage, err = l.GetUsage(context.Background(), policy)
	require.NoError(t, err)
	assert.Equal(t, 1, usage)
}
