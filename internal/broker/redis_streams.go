package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

// RedisStreamsConfig configures one RedisBroker.
type RedisStreamsConfig struct {
	StreamPrefix      string
	ConsumerGroup     string
	BlockTimeout      time.Duration
	ClaimMinIdle      time.Duration
	TaskRetentionDays int
}

func (c RedisStreamsConfig) withDefaults() RedisStreamsConfig {
	if c.StreamPrefix == "" {
		c.StreamPrefix = "taskqueue:stream"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "workers"
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 30 * time.Second
	}
	return c
}

// RedisBroker implements Broker over Redis Streams, one stream per
// named queue, with a shared consumer group per queue.
type RedisBroker struct {
	client *redis.Client
	cfg    RedisStreamsConfig
	log    zerolog.Logger
}

// NewRedisBroker builds a RedisBroker against client.
func NewRedisBroker(client *redis.Client, cfg RedisStreamsConfig, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{client: client, cfg: cfg.withDefaults(), log: log.With().Str("component", "broker").Logger()}
}

func (b *RedisBroker) streamName(queue string) string {
	return fmt.Sprintf("%s:%s", b.cfg.StreamPrefix, queue)
}

func (b *RedisBroker) messageKey(taskID string) string {
	return fmt.Sprintf("%s:message:%s", b.cfg.StreamPrefix, taskID)
}

// ensureGroup creates the stream and consumer group if they don't exist yet.
func (b *RedisBroker) ensureGroup(ctx context.Context, queue string) error {
	err := b.client.XGroupCreateMkStream(ctx, b.streamName(queue), b.cfg.ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("broker: create consumer group for %s: %w", queue, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Publish stores the message payload and adds a lightweight reference
// to the queue's stream.
func (b *RedisBroker) Publish(ctx context.Context, message *taskmsg.TaskMessage) error {
	if err := b.ensureGroup(ctx, message.Queue); err != nil {
		return err
	}

	data, err := message.ToJSON()
	if err != nil {
		return fmt.Errorf("broker: marshal message: %w", err)
	}

	key := b.messageKey(message.ID)
	if err := b.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("broker: store message: %w", err)
	}

	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamName(message.Queue),
		Values: map[string]interface{}{"task_id": message.ID},
	}).Result()
	if err != nil {
		b.client.Del(ctx, key)
		return fmt.Errorf("broker: add to stream: %w", err)
	}
	return nil
}

func (b *RedisBroker) getMessage(ctx context.Context, taskID string) (*taskmsg.TaskMessage, error) {
	data, err := b.client.Get(ctx, b.messageKey(taskID)).Bytes()
	if err != nil {
		return nil, err
	}
	return taskmsg.FromJSON(data)
}

// Consume starts a background loop that blocks on queues (in the order
// given) and pushes deliveries to the returned channel until ctx is
// done.
func (b *RedisBroker) Consume(ctx context.Context, consumerID string, queues ...string) (<-chan *taskmsg.BrokerDelivery, error) {
	for _, q := range queues {
		if err := b.ensureGroup(ctx, q); err != nil {
			return nil, err
		}
	}

	out := make(chan *taskmsg.BrokerDelivery, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			delivery, err := b.pullOne(ctx, consumerID, queues)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.log.Error().Err(err).Msg("consume: pull failed")
				continue
			}
			if delivery == nil {
				continue // block timeout, nothing available
			}

			select {
			case out <- delivery:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// pullOne blocks on all queues simultaneously (Redis's own ordering
// across streams is undefined) and returns the first delivery, or nil
// on a block timeout.
func (b *RedisBroker) pullOne(ctx context.Context, consumerID string, queues []string) (*taskmsg.BrokerDelivery, error) {
	streams := make([]string, 0, len(queues)*2)
	for _, q := range queues {
		streams = append(streams, b.streamName(q))
	}
	for range queues {
		streams = append(streams, ">")
	}

	result, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.ConsumerGroup,
		Consumer: consumerID,
		Streams:  streams,
		Count:    1,
		Block:    b.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: xreadgroup: %w", err)
	}
	if len(result) == 0 || len(result[0].Messages) == 0 {
		return nil, nil
	}

	streamName := result[0].Stream
	msg := result[0].Messages[0]
	queue := queueFromStreamName(streamName, b.cfg.StreamPrefix)

	taskID, ok := msg.Values["task_id"].(string)
	if !ok {
		b.client.XAck(ctx, streamName, b.cfg.ConsumerGroup, msg.ID)
		return nil, nil
	}

	taskMsg, err := b.getMessage(ctx, taskID)
	if err != nil {
		b.client.XAck(ctx, streamName, b.cfg.ConsumerGroup, msg.ID)
		return nil, nil
	}

	return &taskmsg.BrokerDelivery{Message: taskMsg, DeliveryTag: msg.ID, Queue: queue}, nil
}

func queueFromStreamName(streamName, prefix string) string {
	cut := len(prefix) + 1
	if cut > len(streamName) {
		return streamName
	}
	return streamName[cut:]
}

// Ack acknowledges and removes the stored message payload.
func (b *RedisBroker) Ack(ctx context.Context, delivery *taskmsg.BrokerDelivery) error {
	pipe := b.client.TxPipeline()
	pipe.XAck(ctx, b.streamName(delivery.Queue), b.cfg.ConsumerGroup, delivery.DeliveryTag)
	pipe.Del(ctx, b.messageKey(delivery.Message.ID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("broker: ack: %w", err)
	}
	return nil
}

// Reject either republishes delivery's message and acks the original,
// or simply acks it without redelivery.
func (b *RedisBroker) Reject(ctx context.Context, delivery *taskmsg.BrokerDelivery, requeue bool) error {
	if !requeue {
		return b.Ack(ctx, delivery)
	}
	if err := b.Publish(ctx, delivery.Message.IncrementAttempts()); err != nil {
		return fmt.Errorf("broker: reject: republish: %w", err)
	}
	return b.Ack(ctx, delivery)
}

// IsHealthy reports whether the Redis connection responds to PING.
func (b *RedisBroker) IsHealthy(ctx context.Context) bool {
	return b.client.Ping(ctx).Err() == nil
}

// Close closes the underlying Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// ClaimOrphaned reclaims messages pending longer than ClaimMinIdle
// across queues, assigning them to consumerID.
func (b *RedisBroker) ClaimOrphaned(ctx context.Context, consumerID string, queues ...string) ([]*taskmsg.BrokerDelivery, error) {
	var deliveries []*taskmsg.BrokerDelivery

	for _, q := range queues {
		streamName := b.streamName(q)
		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: streamName,
			Group:  b.cfg.ConsumerGroup,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			continue
		}

		for _, p := range pending {
			if p.Idle < b.cfg.ClaimMinIdle {
				continue
			}
			claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   streamName,
				Group:    b.cfg.ConsumerGroup,
				Consumer: consumerID,
				MinIdle:  b.cfg.ClaimMinIdle,
				Messages: []string{p.ID},
			}).Result()
			if err != nil || len(claimed) == 0 {
				continue
			}

			msg := claimed[0]
			taskID, ok := msg.Values["task_id"].(string)
			if !ok {
				continue
			}
			taskMsg, err := b.getMessage(ctx, taskID)
			if err != nil {
				continue
			}
			deliveries = append(deliveries, &taskmsg.BrokerDelivery{Message: taskMsg, DeliveryTag: msg.ID, Queue: q})
		}
	}
	return deliveries, nil
}

// QueueDepth returns the consumer group's pending-entry count for queue.
func (b *RedisBroker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	info, err := b.client.XInfoGroups(ctx, b.streamName(queue)).Result()
	if err != nil {
		return 0, nil // stream may not exist yet
	}
	for _, g := range info {
		if g.Name == b.cfg.ConsumerGroup {
			return g.Pending, nil
		}
	}
	return 0, nil
}

// PurgeQueue deletes queue's stream (discarding every pending and
// undelivered message) and recreates it with a fresh consumer group.
func (b *RedisBroker) PurgeQueue(ctx context.Context, queue string) error {
	stream := b.streamName(queue)
	if err := b.client.Del(ctx, stream).Err(); err != nil {
		return fmt.Errorf("broker: purge %s: %w", queue, err)
	}
	if err := b.ensureGroup(ctx, queue); err != nil {
		return err
	}
	return nil
}
