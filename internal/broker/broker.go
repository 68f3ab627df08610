// Package broker implements the message transport between producers
// and workers: a Broker contract plus a Redis Streams implementation,
// one stream per named queue, consumer-group delivery with orphan
// reclamation.
package broker

import (
	"context"

	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

// Broker is the transport contract: publish a message, consume a lazy
// sequence of deliveries across one or more queues, and acknowledge or
// reject each delivery exactly once.
type Broker interface {
	Publish(ctx context.Context, message *taskmsg.TaskMessage) error
	// Consume returns a channel of deliveries drawn from queues in the
	// order given (earlier queues are preferred but not guaranteed
	// exclusive — ordering across queues is the broker's own).
	// The channel closes when ctx is done.
	Consume(ctx context.Context, consumerID string, queues ...string) (<-chan *taskmsg.BrokerDelivery, error)
	// Ack marks a delivery as successfully processed.
	Ack(ctx context.Context, delivery *taskmsg.BrokerDelivery) error
	// Reject either republishes delivery's message (requeue=true) or
	// simply acknowledges it without redelivery (requeue=false).
	Reject(ctx context.Context, delivery *taskmsg.BrokerDelivery, requeue bool) error
	IsHealthy(ctx context.Context) bool
	Close() error
}
