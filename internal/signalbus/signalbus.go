// Package signalbus implements the queued-dispatch mode for lifecycle
// signals: rather than fan out over pub/sub and lose anything nobody
// was listening for, events are written to a durable Redis Streams
// store and drained by one or more background subscribers with
// explicit acknowledge/reject, mirroring the broker's own delivery
// discipline.
package signalbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taskqueue/taskqueue/internal/events"
)

// Config configures a Store.
type Config struct {
	StreamKey     string
	ConsumerGroup string
	BlockTimeout  time.Duration
	ClaimMinIdle  time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamKey == "" {
		c.StreamKey = "taskqueue:signals"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "signal-subscribers"
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 30 * time.Second
	}
	return c
}

// Claimed is one dequeued signal plus the stream entry ID needed to
// acknowledge or reject it.
type Claimed struct {
	Event       *events.Event
	DeliveryTag string
}

// Store is the durable, consumer-group-delivered signal queue.
type Store struct {
	client *redis.Client
	cfg    Config
	log    zerolog.Logger
}

// New builds a Store against client.
func New(client *redis.Client, cfg Config, log zerolog.Logger) *Store {
	return &Store{client: client, cfg: cfg.withDefaults(), log: log.With().Str("component", "signalbus").Logger()}
}

func (s *Store) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.StreamKey, s.cfg.ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("signalbus: create consumer group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Enqueue durably appends event to the signal stream.
func (s *Store) Enqueue(ctx context.Context, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("signalbus: marshal event: %w", err)
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.StreamKey,
		Values: map[string]interface{}{"event": data},
	}).Err(); err != nil {
		return fmt.Errorf("signalbus: enqueue: %w", err)
	}
	return nil
}

// Dequeue claims up to limit unclaimed signals for consumerID,
// creating the consumer group on first use.
func (s *Store) Dequeue(ctx context.Context, consumerID string, limit int64) ([]Claimed, error) {
	if err := s.ensureGroup(ctx); err != nil {
		return nil, err
	}

	result, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.ConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{s.cfg.StreamKey, ">"},
		Count:    limit,
		Block:    s.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signalbus: dequeue: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	claimed := make([]Claimed, 0, len(result[0].Messages))
	for _, msg := range result[0].Messages {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			s.client.XAck(ctx, s.cfg.StreamKey, s.cfg.ConsumerGroup, msg.ID)
			continue
		}
		var event events.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			s.log.Error().Err(err).Str("delivery_tag", msg.ID).Msg("failed to decode signal, dropping")
			s.client.XAck(ctx, s.cfg.StreamKey, s.cfg.ConsumerGroup, msg.ID)
			continue
		}
		claimed = append(claimed, Claimed{Event: &event, DeliveryTag: msg.ID})
	}
	return claimed, nil
}

// Acknowledge marks a claimed signal as processed.
func (s *Store) Acknowledge(ctx context.Context, c Claimed) error {
	if err := s.client.XAck(ctx, s.cfg.StreamKey, s.cfg.ConsumerGroup, c.DeliveryTag).Err(); err != nil {
		return fmt.Errorf("signalbus: acknowledge: %w", err)
	}
	return nil
}

// Reject either re-enqueues c's event as a fresh entry (requeue=true)
// or simply acknowledges it without redelivery.
func (s *Store) Reject(ctx context.Context, c Claimed, requeue bool) error {
	if requeue {
		if err := s.Enqueue(ctx, c.Event); err != nil {
			return fmt.Errorf("signalbus: reject: requeue: %w", err)
		}
	}
	return s.Acknowledge(ctx, c)
}

// GetPendingCount reports the consumer group's unacknowledged entry count.
func (s *Store) GetPendingCount(ctx context.Context) (int64, error) {
	info, err := s.client.XInfoGroups(ctx, s.cfg.StreamKey).Result()
	if err != nil {
		return 0, nil // stream may not exist yet
	}
	for _, g := range info {
		if g.Name == s.cfg.ConsumerGroup {
			return g.Pending, nil
		}
	}
	return 0, nil
}

// ClaimOrphaned reassigns entries idle longer than ClaimMinIdle to
// consumerID, for a subscriber recovering after a crash.
func (s *Store) ClaimOrphaned(ctx context.Context, consumerID string) ([]Claimed, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.cfg.StreamKey,
		Group:  s.cfg.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
		Idle:   s.cfg.ClaimMinIdle,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("signalbus: list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.cfg.StreamKey,
		Group:    s.cfg.ConsumerGroup,
		Consumer: consumerID,
		MinIdle:  s.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("signalbus: claim: %w", err)
	}

	claimed := make([]Claimed, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			s.client.XAck(ctx, s.cfg.StreamKey, s.cfg.ConsumerGroup, msg.ID)
			continue
		}
		var event events.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			s.client.XAck(ctx, s.cfg.StreamKey, s.cfg.ConsumerGroup, msg.ID)
			continue
		}
		claimed = append(claimed, Claimed{Event: &event, DeliveryTag: msg.ID})
	}
	return claimed, nil
}

// QueuedPublisher adapts Store to the events.Publisher contract
// producers already use, so callers choose immediate pub/sub
// (events.RedisPubSub) or durable queued dispatch (signalbus) without
// changing their call sites.
type QueuedPublisher struct {
	store *Store
}

// NewQueuedPublisher wraps store as an events.Publisher.
func NewQueuedPublisher(store *Store) *QueuedPublisher {
	return &QueuedPublisher{store: store}
}

// Publish durably enqueues event for later subscriber processing.
func (p *QueuedPublisher) Publish(ctx context.Context, event *events.Event) error {
	return p.store.Enqueue(ctx, event)
}

// Subscribe is not meaningful for the queued-dispatch mode; use a
// Subscriber against the same Store instead.
func (p *QueuedPublisher) Subscribe(context.Context, ...events.EventType) (<-chan *events.Event, error) {
	return nil, errors.New("signalbus: QueuedPublisher does not support Subscribe, use a Subscriber")
}

// Close is a no-op; the underlying Redis client outlives the publisher.
func (p *QueuedPublisher) Close() error { return nil }

// Subscriber drains a Store in the background, handing each signal to
// Handle and resolving it (acknowledge on success, reject-and-requeue
// on error) much like the worker loop resolves broker deliveries.
type Subscriber struct {
	store            *Store
	consumerID       string
	handle           func(ctx context.Context, event *events.Event) error
	recoveryInterval time.Duration
	log              zerolog.Logger
	stopCh           chan struct{}
}

// NewSubscriber builds a Subscriber that calls handle for every
// dequeued signal.
func NewSubscriber(store *Store, consumerID string, recoveryInterval time.Duration, handle func(ctx context.Context, event *events.Event) error, log zerolog.Logger) *Subscriber {
	if recoveryInterval <= 0 {
		recoveryInterval = 30 * time.Second
	}
	return &Subscriber{
		store:            store,
		consumerID:       consumerID,
		handle:           handle,
		recoveryInterval: recoveryInterval,
		log:              log.With().Str("component", "signalbus_subscriber").Logger(),
		stopCh:           make(chan struct{}),
	}
}

// Run drains the store until ctx is done or Stop is called.
func (sub *Subscriber) Run(ctx context.Context) {
	go sub.recoveryLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.stopCh:
			return
		default:
		}

		claimed, err := sub.store.Dequeue(ctx, sub.consumerID, 10)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.log.Error().Err(err).Msg("failed to dequeue signals")
			continue
		}
		for _, c := range claimed {
			sub.resolve(ctx, c)
		}
	}
}

// Stop halts Run.
func (sub *Subscriber) Stop() { close(sub.stopCh) }

func (sub *Subscriber) resolve(ctx context.Context, c Claimed) {
	if err := sub.handle(ctx, c.Event); err != nil {
		sub.log.Error().Err(err).Str("event_type", string(c.Event.Type)).Msg("signal handler failed, requeuing")
		if rejErr := sub.store.Reject(ctx, c, true); rejErr != nil {
			sub.log.Error().Err(rejErr).Msg("failed to requeue signal")
		}
		return
	}
	if err := sub.store.Acknowledge(ctx, c); err != nil {
		sub.log.Error().Err(err).Msg("failed to acknowledge signal")
	}
}

func (sub *Subscriber) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(sub.recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.stopCh:
			return
		case <-ticker.C:
			claimed, err := sub.store.ClaimOrphaned(ctx, sub.consumerID)
			if err != nil {
				sub.log.Error().Err(err).Msg("failed to claim orphaned signals")
				continue
			}
			for _, c := range claimed {
				sub.resolve(ctx, c)
			}
		}
	}
}
