// Package ratelimit implements a sliding-window admission limiter per
// resource key. Every read-modify-write sequence (prune, count,
// insert) runs as one Redis Lua script so independent (resourceKey,
// policy) pairs never interleave and distributed callers never race
// on the same key — this sidesteps the question of explicit
// transaction isolation levels entirely, by construction.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy is the admission rule for one resource key.
type Policy struct {
	Limit        int
	Window       time.Duration
	ResourceKey  string
}

// Lease is the outcome of a tryAcquire call.
type Lease struct {
	Acquired   bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

const keyPrefix = "taskqueue:ratelimit:"

// tryAcquireScript implements prune -> count -> conditional insert
// atomically. KEYS[1] is the sorted-set key; ARGV: now (ms), window
// (ms), limit, a unique member id for this attempt.
var tryAcquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = tonumber(oldest[2])
local retryAfter = (oldestScore + window) - now
if retryAfter < 0 then retryAfter = 0 end
return {0, 0, retryAfter}
`)

// Limiter is a Redis-backed sliding-window rate limiter.
type Limiter struct {
	client *redis.Client
}

// New builds a Limiter against client.
func New(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

func resourceKeyRedisKey(resourceKey string) string {
	return keyPrefix + resourceKey
}

// TryAcquire attempts to admit one unit of work under policy.
func (l *Limiter) TryAcquire(ctx context.Context, policy Policy) (Lease, error) {
	now := time.Now()
	nowMs := now.UnixMilli()
	windowMs := policy.Window.Milliseconds()
	member := fmt.Sprintf("%d-%s", nowMs, randomSuffix())

	res, err := tryAcquireScript.Run(ctx, l.client, []string{resourceKeyRedisKey(policy.ResourceKey)},
		nowMs, windowMs, policy.Limit, member).Slice()
	if err != nil {
		return Lease{}, fmt.Errorf("ratelimit: tryAcquire: %w", err)
	}

	acquired := res[0].(int64) == 1
	resetAt := now.Add(policy.Window)
	if acquired {
		remaining := res[1].(int64)
		return Lease{Acquired: true, Remaining: int(remaining), ResetAt: resetAt}, nil
	}

	retryAfterMs := res[2].(int64)
	return Lease{
		Acquired:   false,
		RetryAfter: time.Duration(retryAfterMs) * time.Millisecond,
		ResetAt:    resetAt,
	}, nil
}

// GetUsage returns the current count of live entries for resourceKey,
// without mutating state.
func (l *Limiter) GetUsage(ctx context.Context, policy Policy) (int, error) {
	now := time.Now().UnixMilli()
	cutoff := now - policy.Window.Milliseconds()
	count, err := l.client.ZCount(ctx, resourceKeyRedisKey(policy.ResourceKey),
		fmt.Sprintf("(%d", cutoff), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: getUsage: %w", err)
	}
	return int(count), nil
}

// GetRetryAfter reports how long until the oldest counted entry
// expires out of the window, or zero if there is headroom.
func (l *Limiter) GetRetryAfter(ctx context.Context, policy Policy) (time.Duration, error) {
	usage, err := l.GetUsage(ctx, policy)
	if err != nil {
		return 0, err
	}
	if usage < policy.Limit {
		return 0, nil
	}
	oldest, err := l.client.ZRangeWithScores(ctx, resourceKeyRedisKey(policy.ResourceKey), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: getRetryAfter: %w", err)
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	now := time.Now().UnixMilli()
	retryAfterMs := int64(oldest[0].Score) + policy.Window.Milliseconds() - now
	if retryAfterMs < 0 {
		retryAfterMs = 0
	}
	return time.Duration(retryAfterMs) * time.Millisecond, nil
}

var suffixCounter atomic.Uint64

func randomSuffix() string {
	return fmt.Sprintf("%d", suffixCounter.Add(1))
}
