package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/taskqueue/internal/breaker"
	"github.com/taskqueue/taskqueue/internal/broker"
	"github.com/taskqueue/taskqueue/internal/delayed"
	"github.com/taskqueue/taskqueue/internal/dlq"
	"github.com/taskqueue/taskqueue/internal/executor"
	"github.com/taskqueue/taskqueue/internal/ratelimit"
	"github.com/taskqueue/taskqueue/internal/registry"
	"github.com/taskqueue/taskqueue/internal/resultbackend"
	"github.com/taskqueue/taskqueue/internal/revocation"
	"github.com/taskqueue/taskqueue/internal/taskmsg"
	"github.com/taskqueue/taskqueue/pkg/task"
)

type echoInput struct {
	Value string `json:"value"`
}

type echoHandler struct{}

func (echoHandler) TaskName() string { return "echo" }
func (echoHandler) NewInput() any    { return &echoInput{} }
func (echoHandler) Execute(_ context.Context, input any, _ *task.Context) (any, error) {
	in := input.(*echoInput)
	return map[string]string{"echoed": in.Value}, nil
}

func newTestLoop(t *testing.T, handlers ...task.Handler) (*Loop, *broker.RedisBroker, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	reg := registry.New(zerolog.Nop(), false)
	for _, h := range handlers {
		require.NoError(t, reg.RegisterHandler(h))
	}

	backend := resultbackend.NewRedisBackend(client, resultbackend.RedisConfig{}, zerolog.Nop())
	revStore := revocation.NewStore(client, zerolog.Nop())
	revManager := revocation.NewManager(revStore, zerolog.Nop())
	dlqStore := dlq.New(client, 0)

	exec := executor.New(executor.Config{
		Registry:          reg,
		RevocationManager: revManager,
		RateLimiter:       ratelimit.New(client),
		ResultBackend:     backend,
		DeadLetterStore:   dlqStore,
		WorkerID:          "test-worker",
		Log:               zerolog.Nop(),
	})

	b := broker.NewRedisBroker(client, broker.RedisStreamsConfig{BlockTimeout: 50 * time.Millisecond}, zerolog.Nop())

	loop := New(Config{
		ID:               "test-worker",
		Broker:           b,
		Executor:         exec,
		KillSwitch:       breaker.NewKillSwitch(breaker.KillSwitchOptions{ActivationThreshold: 1000, TripThreshold: 1.1, TrackingWindow: time.Minute, RestartTimeout: time.Minute}, nil),
		CircuitBreakerOpts: breaker.CircuitBreakerOptions{FailureThreshold: 1000, SuccessThreshold: 1, OpenDuration: time.Minute},
		DelayedStore:     delayed.New(client),
		DeadLetterStore:  dlqStore,
		Queues:           []string{"default"},
		Concurrency:      2,
		RecoveryInterval: time.Hour,
		Log:              zerolog.Nop(),
	})

	return loop, b, client
}

func newMessage(taskName string, input any) *taskmsg.TaskMessage {
	args, _ := json.Marshal(input)
	return taskmsg.NewTaskMessage(taskName, "default", args, "application/json", taskmsg.PriorityDefault, 3)
}

func TestLoopProcessesAndAcksSuccessfulDelivery(t *testing.T) {
	loop, b, client := newTestLoop(t, echoHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, loop.Start(ctx))

	msg := newMessage("echo", echoInput{Value: "hi"})
	require.NoError(t, b.Publish(context.Background(), msg))

	assert.Eventually(t, func() bool {
		exists, err := client.Exists(context.Background(), "taskqueue:stream:message:"+msg.ID).Result()
		return err == nil && exists == 0
	}, 2*time.Second, 10*time.Millisecond)

	loop.Stop(time.Second)
}

func TestLoopDeadLettersUnknownTask(t *testing.T) {
	loop, b, _ := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, loop.Start(ctx))

	msg := newMessage("nonexistent", echoInput{Value: "x"})
	require.NoError(t, b.Publish(context.Background(), msg))

	dlqStore := loop.cfg.DeadLetterStore
	assert.Eventually(t, func() bool {
		contained, err := dlqStore.Contains(context.Background(), msg.ID)
		return err == nil && contained
	}, 2*time.Second, 10*time.Millisecond)

	loop.Stop(time.Second)
}

func TestLoopReportsActiveTasks(t *testing.T) {
	loop, _, _ := newTestLoop(t, echoHandler{})
	assert.Equal(t, 0, loop.ActiveTasks())
	assert.Equal(t, "test-worker", loop.ID())
}

func TestLoopSkipsPausedWorkerAndReportsHeartbeat(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	reg := registry.New(zerolog.Nop(), false)
	require.NoError(t, reg.RegisterHandler(echoHandler{}))
	backend := resultbackend.NewRedisBackend(client, resultbackend.RedisConfig{}, zerolog.Nop())
	revStore := revocation.NewStore(client, zerolog.Nop())
	revManager := revocation.NewManager(revStore, zerolog.Nop())
	dlqStore := dlq.New(client, 0)
	exec := executor.New(executor.Config{
		Registry:          reg,
		RevocationManager: revManager,
		RateLimiter:       ratelimit.New(client),
		ResultBackend:     backend,
		DeadLetterStore:   dlqStore,
		WorkerID:          "paused-worker",
		Log:               zerolog.Nop(),
	})
	b := broker.NewRedisBroker(client, broker.RedisStreamsConfig{BlockTimeout: 50 * time.Millisecond}, zerolog.Nop())

	loop := New(Config{
		ID:                 "paused-worker",
		Broker:             b,
		Executor:           exec,
		KillSwitch:         breaker.NewKillSwitch(breaker.KillSwitchOptions{ActivationThreshold: 1000, TripThreshold: 1.1, TrackingWindow: time.Minute, RestartTimeout: time.Minute}, nil),
		CircuitBreakerOpts: breaker.CircuitBreakerOptions{FailureThreshold: 1000, SuccessThreshold: 1, OpenDuration: time.Minute},
		DelayedStore:       delayed.New(client),
		DeadLetterStore:    dlqStore,
		Queues:             []string{"default"},
		Concurrency:        2,
		RecoveryInterval:   time.Hour,
		RedisClient:        client,
		HeartbeatInterval:  20 * time.Millisecond,
		HeartbeatTimeout:   time.Second,
		Log:                zerolog.Nop(),
	})

	require.NoError(t, client.Set(context.Background(), "worker:paused-worker:paused", "1", time.Minute).Err())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loop.Start(ctx))

	assert.Eventually(t, func() bool {
		workers, err := GetActiveWorkers(context.Background(), client)
		if err != nil || len(workers) != 1 {
			return false
		}
		return workers[0].State == "paused"
	}, 2*time.Second, 10*time.Millisecond)

	msg := newMessage("echo", echoInput{Value: "hi"})
	require.NoError(t, b.Publish(context.Background(), msg))

	time.Sleep(100 * time.Millisecond)
	exists, err := client.Exists(context.Background(), "taskqueue:stream:message:"+msg.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "paused worker must not consume the delivery")

	loop.Stop(time.Second)

	alive, err := IsWorkerAlive(context.Background(), client, "paused-worker")
	require.NoError(t, err)
	assert.False(t, alive, "heartbeat key must be cleared on stop")
}
