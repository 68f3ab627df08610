// Package dlq implements the bounded dead-letter store: terminally
// failed messages, evicted oldest-first over capacity, with requeue
// back to the broker and paged, timestamp-descending enumeration.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

const (
	zsetKey  = "taskqueue:dlq:index"
	entryFmt = "taskqueue:dlq:entry:%s"
)

// Entry is one dead-lettered message plus why it landed here.
type Entry struct {
	Message   *taskmsg.TaskMessage `json:"message"`
	Reason    string               `json:"reason"`
	AddedAt   time.Time            `json:"added_at"`
	ExpiresAt *time.Time           `json:"expires_at,omitempty"`
}

// Publisher is the minimal broker surface requeue needs; satisfied
// structurally by internal/broker.Broker.
type Publisher interface {
	Publish(ctx context.Context, message *taskmsg.TaskMessage) error
}

// Store is the Redis-backed, capacity-bounded dead-letter store.
type Store struct {
	client      *redis.Client
	maxMessages int64
}

// New builds a Store that evicts the oldest entry once it holds more
// than maxMessages (0 means unbounded).
func New(client *redis.Client, maxMessages int64) *Store {
	return &Store{client: client, maxMessages: maxMessages}
}

func entryKey(taskID string) string {
	return fmt.Sprintf(entryFmt, taskID)
}

// Store inserts message, evicting the oldest entry if over capacity.
func (s *Store) Store(ctx context.Context, message *taskmsg.TaskMessage, reason string, expiry *time.Duration) error {
	now := time.Now().UTC()
	entry := Entry{Message: message, Reason: reason, AddedAt: now}
	if expiry != nil {
		expiresAt := now.Add(*expiry)
		entry.ExpiresAt = &expiresAt
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dlq: marshal entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, entryKey(message.ID), data, 0)
	pipe.ZAdd(ctx, zsetKey, redis.Z{Score: float64(now.UnixNano()), Member: message.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq: store: %w", err)
	}

	if s.maxMessages > 0 {
		if err := s.evictOverCapacity(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) evictOverCapacity(ctx context.Context) error {
	size, err := s.client.ZCard(ctx, zsetKey).Result()
	if err != nil {
		return fmt.Errorf("dlq: size: %w", err)
	}
	over := size - s.maxMessages
	if over <= 0 {
		return nil
	}
	oldest, err := s.client.ZRange(ctx, zsetKey, 0, over-1).Result()
	if err != nil {
		return fmt.Errorf("dlq: list oldest: %w", err)
	}
	for _, id := range oldest {
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, zsetKey, id)
		pipe.Del(ctx, entryKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("dlq: evict %s: %w", id, err)
		}
	}
	return nil
}

// Requeue atomically removes the entry and republishes its original
// message to broker. On publish failure the entry is re-inserted and
// the error surfaced.
func (s *Store) Requeue(ctx context.Context, broker Publisher, taskID string) error {
	data, err := s.client.Get(ctx, entryKey(taskID)).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("dlq: task %s not found", taskID)
	}
	if err != nil {
		return fmt.Errorf("dlq: get entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return fmt.Errorf("dlq: unmarshal entry: %w", err)
	}

	if err := s.removeEntry(ctx, taskID); err != nil {
		return err
	}

	if err := broker.Publish(ctx, entry.Message); err != nil {
		if reinsertErr := s.reinsert(ctx, entry); reinsertErr != nil {
			return fmt.Errorf("dlq: requeue failed (%w) and reinsert failed (%v)", err, reinsertErr)
		}
		return fmt.Errorf("dlq: republish failed: %w", err)
	}
	return nil
}

func (s *Store) reinsert(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, entryKey(entry.Message.ID), data, 0)
	pipe.ZAdd(ctx, zsetKey, redis.Z{Score: float64(entry.AddedAt.UnixNano()), Member: entry.Message.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) removeEntry(ctx context.Context, taskID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, zsetKey, taskID)
	pipe.Del(ctx, entryKey(taskID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq: remove: %w", err)
	}
	return nil
}

// CleanupExpired removes entries whose ExpiresAt is past, returning
// the count removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, zsetKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq: list: %w", err)
	}
	removed := 0
	now := time.Now()
	for _, id := range ids {
		data, err := s.client.Get(ctx, entryKey(id)).Bytes()
		if err == redis.Nil {
			s.client.ZRem(ctx, zsetKey, id)
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("dlq: get entry: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if entry.ExpiresAt != nil && entry.ExpiresAt.Before(now) {
			if err := s.removeEntry(ctx, id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Purge truncates the entire store.
func (s *Store) Purge(ctx context.Context) error {
	ids, err := s.client.ZRange(ctx, zsetKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("dlq: list: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, entryKey(id))
	}
	pipe.Del(ctx, zsetKey)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns up to limit entries ordered by AddedAt descending,
// starting at offset.
func (s *Store) List(ctx context.Context, offset, limit int64) ([]Entry, error) {
	ids, err := s.client.ZRevRange(ctx, zsetKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, entryKey(id)).Bytes()
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Size reports the number of entries currently stored.
func (s *Store) Size(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, zsetKey).Result()
}

// Contains reports whether taskID is currently dead-lettered.
func (s *Store) Contains(ctx context.Context, taskID string) (bool, error) {
	_, err := s.client.ZScore(ctx, zsetKey, taskID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
