package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskqueue/taskqueue/internal/delayed"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	TickInterval time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

// Dispatcher periodically drains due messages from a delayed.Store and
// republishes them to a Broker. An early-wake channel lets callers
// (e.g. the component scheduling a new delayed message) nudge the next
// drain sooner than the regular tick when the newly scheduled delivery
// time is nearer than the current wait.
type Dispatcher struct {
	store  *delayed.Store
	broker Broker
	cfg    DispatcherConfig
	log    zerolog.Logger
	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// NewDispatcher builds a Dispatcher draining store onto broker.
func NewDispatcher(store *delayed.Store, broker Broker, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		broker: broker,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "delayed_dispatcher").Logger(),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// WakeEarly nudges the dispatcher to re-check due messages immediately
// rather than waiting for the next tick. Non-blocking: a pending wake
// already queued is sufficient, so a full channel is not an error.
func (d *Dispatcher) WakeEarly() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run blocks, draining due messages on each tick or early wake, until
// ctx is done or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	timer := time.NewTimer(d.nextWait(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-d.wake:
			d.drain(ctx)
			resetTimer(timer, d.nextWait(ctx))
		case <-timer.C:
			d.drain(ctx)
			resetTimer(timer, d.nextWait(ctx))
		}
	}
}

// Stop signals Run to return and waits for it to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.done
}

// drain republishes every currently-due message.
func (d *Dispatcher) drain(ctx context.Context) {
	messages, err := d.store.GetDueMessages(ctx, time.Now())
	if err != nil {
		d.log.Error().Err(err).Msg("failed to fetch due delayed messages")
		return
	}
	for _, msg := range messages {
		if err := d.broker.Publish(ctx, msg); err != nil {
			d.log.Error().Err(err).Str("task_id", msg.ID).Msg("failed to republish delayed message")
			continue
		}
		d.log.Debug().Str("task_id", msg.ID).Msg("delayed message republished")
	}
}

// nextWait returns the tick interval, shortened to the next scheduled
// delivery time if that is sooner.
func (d *Dispatcher) nextWait(ctx context.Context) time.Duration {
	next, ok, err := d.store.GetNextDeliveryTime(ctx)
	if err != nil || !ok {
		return d.cfg.TickInterval
	}
	until := time.Until(next)
	if until <= 0 {
		return time.Millisecond
	}
	if until < d.cfg.TickInterval {
		return until
	}
	return d.cfg.TickInterval
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
