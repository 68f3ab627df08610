package resultbackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

// RedisConfig configures the Redis-backed result backend.
type RedisConfig struct {
	Expiry          time.Duration
	PollingInterval time.Duration
	UseNotify       bool
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = 500 * time.Millisecond
	}
	return c
}

const resultKeyFmt = "taskqueue:result:%s"

func resultKey(taskID string) string { return fmt.Sprintf(resultKeyFmt, taskID) }

// RedisBackend is the result backend for deployments with no
// separate SQL database: one string key per result, pub/sub for push
// notification.
type RedisBackend struct {
	client *redis.Client
	cfg    RedisConfig
	log    zerolog.Logger

	mu      sync.Mutex
	waiters map[string][]chan *taskmsg.TaskResult
}

// NewRedisBackend builds a Backend against client.
func NewRedisBackend(client *redis.Client, cfg RedisConfig, log zerolog.Logger) *RedisBackend {
	return &RedisBackend{
		client:  client,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "resultbackend.redis").Logger(),
		waiters: make(map[string][]chan *taskmsg.TaskResult),
	}
}

// StoreResult upserts result and publishes it on its notification channel.
func (b *RedisBackend) StoreResult(ctx context.Context, result *taskmsg.TaskResult) error {
	data, err := result.ToJSON()
	if err != nil {
		return fmt.Errorf("resultbackend: marshal result: %w", err)
	}
	if err := b.client.Set(ctx, resultKey(result.TaskID), data, b.cfg.Expiry).Err(); err != nil {
		return fmt.Errorf("resultbackend: store: %w", err)
	}

	channel, err := sanitizeChannelName(result.TaskID)
	if err != nil {
		b.log.Warn().Err(err).Str("task_id", result.TaskID).Msg("skipping notify, unsanitizable channel name")
		return nil
	}
	if err := b.client.Publish(ctx, "taskqueue:result:notify:"+channel, data).Err(); err != nil {
		return fmt.Errorf("resultbackend: notify: %w", err)
	}

	b.deliverToLocalWaiters(result)
	return nil
}

func (b *RedisBackend) deliverToLocalWaiters(result *taskmsg.TaskResult) {
	b.mu.Lock()
	waiters := b.waiters[result.TaskID]
	delete(b.waiters, result.TaskID)
	b.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- result:
		default:
		}
	}
}

// GetResult returns the stored result, or ErrNotFound.
func (b *RedisBackend) GetResult(ctx context.Context, taskID string) (*taskmsg.TaskResult, error) {
	data, err := b.client.Get(ctx, resultKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resultbackend: get: %w", err)
	}
	return taskmsg.FromResultJSON(data)
}

// UpdateState changes only the state field of the stored result,
// storing a new pending result with that state when none exists. It
// publishes no notification.
func (b *RedisBackend) UpdateState(ctx context.Context, taskID string, state taskmsg.State) error {
	result, err := b.GetResult(ctx, taskID)
	if err != nil {
		if err == ErrNotFound {
			result = taskmsg.NewPendingResult(taskID)
		} else {
			return err
		}
	}
	result.State = state
	data, err := result.ToJSON()
	if err != nil {
		return fmt.Errorf("resultbackend: marshal result: %w", err)
	}
	if err := b.client.Set(ctx, resultKey(taskID), data, b.cfg.Expiry).Err(); err != nil {
		return fmt.Errorf("resultbackend: update state: %w", err)
	}
	return nil
}

// GetState returns only the current state, or ErrNotFound.
func (b *RedisBackend) GetState(ctx context.Context, taskID string) (taskmsg.State, error) {
	result, err := b.GetResult(ctx, taskID)
	if err != nil {
		return "", err
	}
	return result.State, nil
}

func (b *RedisBackend) registerWaiter(taskID string) chan *taskmsg.TaskResult {
	ch := make(chan *taskmsg.TaskResult, 1)
	b.mu.Lock()
	b.waiters[taskID] = append(b.waiters[taskID], ch)
	b.mu.Unlock()
	return ch
}

func (b *RedisBackend) unregisterWaiter(taskID string, target chan *taskmsg.TaskResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.waiters[taskID]
	for i, ch := range list {
		if ch == target {
			b.waiters[taskID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.waiters[taskID]) == 0 {
		delete(b.waiters, taskID)
	}
}

// WaitForResult implements the three-signal race: a local short-circuit
// read, a dedicated pub/sub subscription, and a polling fallback —
// whichever observes a result first wins.
func (b *RedisBackend) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*taskmsg.TaskResult, error) {
	if result, err := b.GetResult(ctx, taskID); err == nil {
		return result, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	waiter := b.registerWaiter(taskID)
	defer b.unregisterWaiter(taskID, waiter)

	if result, err := b.GetResult(ctx, taskID); err == nil {
		return result, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if b.cfg.UseNotify {
		go b.listen(waitCtx, taskID, waiter)
	}
	go b.poll(waitCtx, taskID, waiter)

	var timer *time.Timer
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case result := <-waiter:
		return result, nil
	case <-ctx.Done():
		return nil, ErrOperationCanceled
	case <-timerCh:
		return nil, ErrTimeout
	}
}

func (b *RedisBackend) listen(ctx context.Context, taskID string, waiter chan *taskmsg.TaskResult) {
	channel, err := sanitizeChannelName(taskID)
	if err != nil {
		return
	}
	pubsub := b.client.Subscribe(ctx, "taskqueue:result:notify:"+channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			result, err := taskmsg.FromResultJSON([]byte(msg.Payload))
			if err != nil {
				b.log.Warn().Err(err).Str("task_id", taskID).Msg("dropping unparsable result notification")
				continue
			}
			if result.TaskID != taskID {
				continue
			}
			select {
			case waiter <- result:
			default:
			}
			return
		}
	}
}

func (b *RedisBackend) poll(ctx context.Context, taskID string, waiter chan *taskmsg.TaskResult) {
	ticker := time.NewTicker(b.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := b.GetResult(ctx, taskID)
			if err != nil {
				continue
			}
			select {
			case waiter <- result:
			default:
			}
			return
		}
	}
}
