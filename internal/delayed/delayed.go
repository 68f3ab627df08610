// Package delayed implements the delayed-message store: a sorted set
// of task IDs scored by delivery time, with each message's payload
// stored under its own task-ID key. Re-adding a task ID replaces its
// schedule entry; cancelling removes both keys in one transaction.
package delayed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

const (
	zsetKey  = "taskqueue:delayed:schedule"
	indexFmt = "taskqueue:delayed:message:%s"
)

// atomicPopDueScript pops every member with a score <= now, returning
// their payloads, in one round trip so concurrent callers never
// observe the same message twice.
var atomicPopDueScript = redis.NewScript(`
local zkey = KEYS[1]
local now = ARGV[1]
local ids = redis.call('ZRANGEBYSCORE', zkey, '-inf', now)
if #ids == 0 then
  return {}
end
redis.call('ZREM', zkey, unpack(ids))
local payloads = {}
for i, id in ipairs(ids) do
  local payloadKey = KEYS[2] .. id
  local payload = redis.call('GET', payloadKey)
  if payload then
    table.insert(payloads, payload)
    redis.call('DEL', payloadKey)
  end
end
return payloads
`)

// Store is the Redis-backed delayed-message store.
type Store struct {
	client *redis.Client
}

// New builds a Store against client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func indexKey(taskID string) string {
	return fmt.Sprintf(indexFmt, taskID)
}

// Add replaces any existing scheduled entry for message.ID with a new
// one at deliveryTime.
func (s *Store) Add(ctx context.Context, message *taskmsg.TaskMessage, deliveryTime time.Time) error {
	data, err := message.ToJSON()
	if err != nil {
		return fmt.Errorf("delayed: marshal message: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, indexKey(message.ID), data, 0)
	pipe.ZAdd(ctx, zsetKey, redis.Z{Score: float64(deliveryTime.UnixMilli()), Member: message.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delayed: add: %w", err)
	}
	return nil
}

// GetDueMessages atomically pops and returns every message with
// deliveryTime <= now.
func (s *Store) GetDueMessages(ctx context.Context, now time.Time) ([]*taskmsg.TaskMessage, error) {
	res, err := atomicPopDueScript.Run(ctx, s.client, []string{zsetKey, fmt.Sprintf(indexFmt, "")},
		now.UnixMilli()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("delayed: getDueMessages: %w", err)
	}
	messages := make([]*taskmsg.TaskMessage, 0, len(res))
	for _, payload := range res {
		msg, err := taskmsg.FromJSON([]byte(payload))
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Remove cancels a scheduled message.
func (s *Store) Remove(ctx context.Context, taskID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, zsetKey, taskID)
	pipe.Del(ctx, indexKey(taskID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delayed: remove: %w", err)
	}
	return nil
}

// GetPendingCount returns the number of messages still in the schedule,
// including any that are already due but not yet popped.
func (s *Store) GetPendingCount(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, zsetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed: getPendingCount: %w", err)
	}
	return count, nil
}

// GetNextDeliveryTime returns the smallest scheduled delivery time, or
// ok=false if the store is empty.
func (s *Store) GetNextDeliveryTime(ctx context.Context) (t time.Time, ok bool, err error) {
	res, zErr := s.client.ZRangeWithScores(ctx, zsetKey, 0, 0).Result()
	if zErr != nil {
		return time.Time{}, false, fmt.Errorf("delayed: getNextDeliveryTime: %w", zErr)
	}
	if len(res) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(res[0].Score)), true, nil
}
