// Package worker implements the worker loop (C15): pulls deliveries
// from the broker across one or more queues, gates on the kill switch
// and per-queue circuit breaker, hands each delivery to the executor
// under a bounded concurrency limit, and acks/requeues/dead-letters
// according to the returned outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taskqueue/taskqueue/internal/breaker"
	"github.com/taskqueue/taskqueue/internal/broker"
	"github.com/taskqueue/taskqueue/internal/delayed"
	"github.com/taskqueue/taskqueue/internal/dlq"
	"github.com/taskqueue/taskqueue/internal/executor"
	"github.com/taskqueue/taskqueue/internal/metrics"
	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

// OrphanReclaimer is implemented by brokers that support reclaiming
// messages left pending by a crashed worker (e.g. RedisBroker).
type OrphanReclaimer interface {
	ClaimOrphaned(ctx context.Context, consumerID string, queues ...string) ([]*taskmsg.BrokerDelivery, error)
}

// Config bundles a Loop's collaborators.
type Config struct {
	ID                string
	Broker            broker.Broker
	Executor          *executor.Executor
	KillSwitch        *breaker.KillSwitch
	CircuitBreakerOpts breaker.CircuitBreakerOptions
	DelayedStore      *delayed.Store
	DeadLetterStore   *dlq.Store
	Queues            []string
	Concurrency       int
	RecoveryInterval  time.Duration
	// RedisClient, when set, enables the heartbeat/pause-poll loop used
	// by the admin API to discover and pause workers. Nil disables both.
	RedisClient       *redis.Client
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Log               zerolog.Logger
}

// Loop is one worker process's consumption-and-execution pipeline.
type Loop struct {
	cfg         Config
	log         zerolog.Logger
	sem         chan struct{}
	breakers    map[string]*breaker.CircuitBreaker
	breakersMu  sync.Mutex
	stopCh      chan struct{}
	wg          sync.WaitGroup
	activeTasks sync.Map
	heartbeat   *Heartbeat
	paused      atomic.Bool
}

// New builds a Loop, assigning a random ID if cfg.ID is empty.
func New(cfg Config) *Loop {
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 10 * time.Second
	}
	l := &Loop{
		cfg:      cfg,
		log:      cfg.Log.With().Str("component", "worker_loop").Str("worker_id", cfg.ID).Logger(),
		sem:      make(chan struct{}, cfg.Concurrency),
		breakers: make(map[string]*breaker.CircuitBreaker),
		stopCh:   make(chan struct{}),
	}
	if cfg.RedisClient != nil {
		interval := cfg.HeartbeatInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		timeout := cfg.HeartbeatTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		l.heartbeat = NewHeartbeat(cfg.RedisClient, cfg.ID, interval, timeout)
		l.heartbeat.SetQueues(cfg.Queues)
		l.heartbeat.UpdateConcurrency(cfg.Concurrency)
	}
	return l
}

// ID returns the worker's identifier.
func (l *Loop) ID() string { return l.cfg.ID }

// ActiveTasks reports the count of deliveries currently executing.
func (l *Loop) ActiveTasks() int {
	count := 0
	l.activeTasks.Range(func(_, _ any) bool { count++; return true })
	return count
}

// circuitFor returns (lazily creating) the breaker for queue.
func (l *Loop) circuitFor(queue string) *breaker.CircuitBreaker {
	l.breakersMu.Lock()
	defer l.breakersMu.Unlock()
	if cb, ok := l.breakers[queue]; ok {
		return cb
	}
	cb := breaker.NewCircuitBreaker(queue, l.cfg.CircuitBreakerOpts, nil)
	l.breakers[queue] = cb
	return cb
}

// Start spawns the consumption loop and the orphan-recovery loop.
func (l *Loop) Start(ctx context.Context) error {
	deliveries, err := l.cfg.Broker.Consume(ctx, l.cfg.ID, l.cfg.Queues...)
	if err != nil {
		return fmt.Errorf("worker: consume: %w", err)
	}

	l.wg.Add(1)
	go l.dispatch(ctx, deliveries)

	if _, ok := l.cfg.Broker.(OrphanReclaimer); ok {
		l.wg.Add(1)
		go l.recoveryLoop(ctx)
	}

	if l.heartbeat != nil {
		l.heartbeat.Start(ctx)
		l.wg.Add(1)
		go l.pausePollLoop(ctx)
	}

	l.log.Info().Int("concurrency", l.cfg.Concurrency).Strs("queues", l.cfg.Queues).Msg("worker loop started")
	return nil
}

// Stop signals the loop to stop pulling new deliveries and waits up to
// timeout for in-flight ones to finish.
func (l *Loop) Stop(timeout time.Duration) {
	close(l.stopCh)
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.log.Info().Msg("worker loop stopped gracefully")
	case <-time.After(timeout):
		l.log.Warn().Msg("worker loop shutdown timed out")
	}
	if l.heartbeat != nil {
		l.heartbeat.Stop()
	}
}

// pausePollLoop periodically checks whether an admin has paused this
// worker, caching the result in an atomic flag so dispatch's per-delivery
// gate never makes its own Redis round-trip.
func (l *Loop) pausePollLoop(ctx context.Context) {
	defer l.wg.Done()

	interval := l.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		paused, err := IsWorkerPaused(ctx, l.cfg.RedisClient, l.cfg.ID)
		if err != nil {
			l.log.Error().Err(err).Msg("failed to check pause status")
			return
		}
		l.paused.Store(paused)
		if l.heartbeat != nil {
			if paused {
				l.heartbeat.UpdateState("paused")
			} else {
				l.heartbeat.UpdateState("running")
			}
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			check()
		}
	}
}

// dispatch reads deliveries, gates on the kill switch and per-queue
// breaker, and hands each off to a goroutine bounded by the
// concurrency semaphore.
func (l *Loop) dispatch(ctx context.Context, deliveries <-chan *taskmsg.BrokerDelivery) {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}

			if l.cfg.KillSwitch != nil {
				if err := l.cfg.KillSwitch.WaitUntilReady(ctx); err != nil {
					return
				}
			}

			if l.paused.Load() {
				if err := l.cfg.Broker.Reject(ctx, delivery, true); err != nil {
					l.log.Error().Err(err).Str("task_id", delivery.Message.ID).Msg("failed to requeue delivery while paused")
				}
				continue
			}

			cb := l.circuitFor(delivery.Queue)
			if !cb.IsAllowed() {
				if err := l.cfg.Broker.Reject(ctx, delivery, true); err != nil {
					l.log.Error().Err(err).Str("task_id", delivery.Message.ID).Msg("failed to requeue behind open circuit")
				}
				continue
			}

			select {
			case l.sem <- struct{}{}:
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			}

			l.wg.Add(1)
			go func(d *taskmsg.BrokerDelivery) {
				defer l.wg.Done()
				defer func() { <-l.sem }()
				l.process(ctx, d, cb)
			}(delivery)
		}
	}
}

// process runs one delivery through the executor and resolves it
// against the broker (ack/requeue/dead-letter) and the breaker/kill
// switch outcome trackers.
func (l *Loop) process(ctx context.Context, delivery *taskmsg.BrokerDelivery, cb *breaker.CircuitBreaker) {
	l.activeTasks.Store(delivery.Message.ID, struct{}{})
	defer l.activeTasks.Delete(delivery.Message.ID)
	if l.heartbeat != nil {
		l.heartbeat.UpdateActiveTasks(l.ActiveTasks())
		defer func() { l.heartbeat.UpdateActiveTasks(l.ActiveTasks()) }()
	}

	outcome, err := l.cfg.Executor.Execute(ctx, delivery)
	if err != nil {
		l.log.Error().Err(err).Str("task_id", delivery.Message.ID).Msg("executor returned an internal error")
		cb.RecordFailure(err)
		if l.cfg.KillSwitch != nil {
			l.cfg.KillSwitch.RecordOutcome(err)
		}
		if rejErr := l.cfg.Broker.Reject(ctx, delivery, true); rejErr != nil {
			l.log.Error().Err(rejErr).Str("task_id", delivery.Message.ID).Msg("failed to reject after internal error")
		}
		return
	}

	l.resolve(ctx, delivery, outcome, cb)
}

func (l *Loop) resolve(ctx context.Context, delivery *taskmsg.BrokerDelivery, outcome *executor.Outcome, cb *breaker.CircuitBreaker) {
	switch outcome.Kind {
	case executor.KindUnknownTask:
		cb.RecordFailure(errUnknownTask)
		l.recordKillSwitch(errUnknownTask)
		l.deadLetter(ctx, delivery.Message, "unknown task name")
		if err := l.cfg.Broker.Reject(ctx, delivery, false); err != nil {
			l.log.Error().Err(err).Msg("failed to ack unknown-task delivery")
		}

	case executor.KindSuccess, executor.KindRejected, executor.KindRevoked:
		cb.RecordSuccess()
		l.recordKillSwitch(nil)
		if err := l.cfg.Broker.Ack(ctx, delivery); err != nil {
			l.log.Error().Err(err).Msg("failed to ack delivery")
		}

	case executor.KindRetry, executor.KindRateLimited:
		cb.RecordSuccess()
		l.recordKillSwitch(nil)
		l.rescheduleAndAck(ctx, delivery, outcome.RetryAfter)

	case executor.KindRequeued:
		cb.RecordSuccess()
		l.recordKillSwitch(nil)
		l.rescheduleAndAck(ctx, delivery, outcome.RequeueDelay)

	case executor.KindFailure:
		failureErr := errors.New("task execution failed")
		if outcome.Result != nil && outcome.Result.Exception != nil {
			failureErr = errors.New(outcome.Result.Exception.Message)
		}
		cb.RecordFailure(failureErr)
		l.recordKillSwitch(failureErr)
		if err := l.cfg.Broker.Ack(ctx, delivery); err != nil {
			l.log.Error().Err(err).Msg("failed to ack failed delivery")
		}

	default:
		if err := l.cfg.Broker.Ack(ctx, delivery); err != nil {
			l.log.Error().Err(err).Msg("failed to ack delivery with unrecognized outcome")
		}
	}
}

func (l *Loop) recordKillSwitch(err error) {
	if l.cfg.KillSwitch != nil {
		l.cfg.KillSwitch.RecordOutcome(err)
	}
}

// rescheduleAndAck schedules delivery's message for redelivery after
// delay (via the delayed store if configured and delay > 0, otherwise
// an immediate broker requeue) and acks the original.
func (l *Loop) rescheduleAndAck(ctx context.Context, delivery *taskmsg.BrokerDelivery, delay time.Duration) {
	if delay > 0 && l.cfg.DelayedStore != nil {
		if err := l.cfg.DelayedStore.Add(ctx, delivery.Message, time.Now().Add(delay)); err != nil {
			l.log.Error().Err(err).Msg("failed to schedule delayed redelivery, requeuing immediately")
			l.cfg.Broker.Reject(ctx, delivery, true)
			return
		}
		if err := l.cfg.Broker.Ack(ctx, delivery); err != nil {
			l.log.Error().Err(err).Msg("failed to ack delivery scheduled for delayed redelivery")
		}
		return
	}
	if err := l.cfg.Broker.Reject(ctx, delivery, true); err != nil {
		l.log.Error().Err(err).Msg("failed to requeue delivery")
	}
}

func (l *Loop) deadLetter(ctx context.Context, msg *taskmsg.TaskMessage, reason string) {
	if l.cfg.DeadLetterStore == nil {
		return
	}
	if err := l.cfg.DeadLetterStore.Store(ctx, msg, reason, nil); err != nil {
		l.log.Error().Err(err).Str("task_id", msg.ID).Msg("failed to dead-letter message")
		return
	}
	metrics.IncrementDLQAdded()
}

// recoveryLoop periodically reclaims messages orphaned by crashed
// workers and hands them back through the dispatch path.
func (l *Loop) recoveryLoop(ctx context.Context) {
	defer l.wg.Done()
	reclaimer := l.cfg.Broker.(OrphanReclaimer)

	ticker := time.NewTicker(l.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			deliveries, err := reclaimer.ClaimOrphaned(ctx, l.cfg.ID, l.cfg.Queues...)
			if err != nil {
				l.log.Error().Err(err).Msg("failed to claim orphaned deliveries")
				continue
			}
			for _, d := range deliveries {
				l.log.Info().Str("task_id", d.Message.ID).Msg("recovered orphaned delivery")
				cb := l.circuitFor(d.Queue)
				l.wg.Add(1)
				go func(delivery *taskmsg.BrokerDelivery) {
					defer l.wg.Done()
					l.process(ctx, delivery, cb)
				}(d)
			}
		}
	}
}

var errUnknownTask = errors.New("worker: unknown task name")
