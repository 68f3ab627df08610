// Package revocation implements the shared revoked-task-ID set with
// real-time pub/sub notification, plus the in-worker manager that
// links a task's cancellation token to incoming revocation events.
package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Signal distinguishes a graceful request to stop from an immediate one.
type Signal string

const (
	SignalGraceful  Signal = "graceful"
	SignalImmediate Signal = "immediate"
)

// Options carries revocation entry behavior.
type Options struct {
	Terminate bool
	Signal    Signal
	Expiry    *time.Duration
}

// Entry is a revoked task ID and the options it was revoked with.
type Entry struct {
	TaskID    string     `json:"task_id"`
	Options   Options    `json:"options"`
	RevokedAt time.Time  `json:"revoked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

const (
	setKey        = "taskqueue:revocation:set"
	entryKeyFmt   = "taskqueue:revocation:entry:%s"
	channel       = "taskqueue:revocation:events"
	defaultEntryTTL = 24 * time.Hour
)

// Store is the Redis-backed shared revocation set with pub/sub.
type Store struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewStore builds a revocation store against client.
func NewStore(client *redis.Client, log zerolog.Logger) *Store {
	return &Store{client: client, log: log.With().Str("component", "revocation").Logger()}
}

// Revoke upserts an entry and publishes a RevocationEvent.
func (s *Store) Revoke(ctx context.Context, taskID string, opts Options) error {
	now := time.Now().UTC()
	entry := Entry{TaskID: taskID, Options: opts, RevokedAt: now}
	ttl := defaultEntryTTL
	if opts.Expiry != nil {
		ttl = *opts.Expiry
		expiresAt := now.Add(ttl)
		entry.ExpiresAt = &expiresAt
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("revocation: marshal entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, setKey, taskID)
	pipe.Set(ctx, fmt.Sprintf(entryKeyFmt, taskID), data, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revocation: upsert entry: %w", err)
	}

	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("revocation: publish event: %w", err)
	}
	return nil
}

// IsRevoked reports whether taskID has a live (non-expired) entry,
// lazily purging the membership marker when the entry key has expired.
func (s *Store) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	exists, err := s.client.Exists(ctx, fmt.Sprintf(entryKeyFmt, taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("revocation: check entry: %w", err)
	}
	if exists == 0 {
		s.client.SRem(ctx, setKey, taskID)
		return false, nil
	}
	return true, nil
}

// GetRevokedTaskIDs returns every currently non-expired revoked task
// ID, purging any stale set members it encounters along the way.
func (s *Store) GetRevokedTaskIDs(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("revocation: list set: %w", err)
	}
	live := make([]string, 0, len(members))
	for _, id := range members {
		ok, err := s.IsRevoked(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			live = append(live, id)
		}
	}
	return live, nil
}

// Cleanup removes set members whose entry has expired or cannot be
// parsed, and deletes the entry and membership of every task revoked
// more than maxAge ago, returning the count removed.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("revocation: list set: %w", err)
	}
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, id := range members {
		data, err := s.client.Get(ctx, fmt.Sprintf(entryKeyFmt, id)).Bytes()
		if err == redis.Nil {
			s.client.SRem(ctx, setKey, id)
			removed++
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("revocation: get entry: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			s.log.Warn().Err(err).Str("task_id", id).Msg("dropping unparsable revocation entry")
			s.client.SRem(ctx, setKey, id)
			removed++
			continue
		}
		if entry.RevokedAt.Before(cutoff) {
			s.client.Del(ctx, fmt.Sprintf(entryKeyFmt, id))
			s.client.SRem(ctx, setKey, id)
			removed++
		}
	}
	return removed, nil
}

// Subscribe starts a dedicated listener connection for the lifetime of
// ctx and returns an unbounded in-process queue of RevocationEvents so
// slow consumers never back-pressure publishers: the queue grows to
// hold whatever a consumer hasn't yet drained rather than dropping
// entries. Deserialization failures are logged and dropped.
func (s *Store) Subscribe(ctx context.Context) (<-chan Entry, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("revocation: subscribe: %w", err)
	}

	queue := newEntryQueue()
	out := make(chan Entry)

	go func() {
		defer queue.close()
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var entry Entry
				if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
					s.log.Error().Err(err).Msg("dropping unparsable revocation event")
					continue
				}
				queue.push(entry)
			}
		}
	}()

	go func() {
		defer close(out)
		for {
			entry, ok := queue.pop(ctx)
			if !ok {
				return
			}
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// entryQueue is an unbounded FIFO of Entry values: push never blocks
// or drops, growing the backing slice as needed, and pop blocks until
// an item is available, the queue is closed and drained, or ctx ends.
type entryQueue struct {
	mu     sync.Mutex
	items  []Entry
	signal chan struct{}
	closed bool
}

func newEntryQueue() *entryQueue {
	return &entryQueue{signal: make(chan struct{}, 1)}
}

func (q *entryQueue) push(e Entry) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *entryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *entryQueue) pop(ctx context.Context) (Entry, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Entry{}, false
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return Entry{}, false
		}
	}
}
