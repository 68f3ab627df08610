package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taskqueue/taskqueue/internal/batch"
	"github.com/taskqueue/taskqueue/internal/breaker"
	"github.com/taskqueue/taskqueue/internal/broker"
	"github.com/taskqueue/taskqueue/internal/config"
	"github.com/taskqueue/taskqueue/internal/delayed"
	"github.com/taskqueue/taskqueue/internal/dlq"
	"github.com/taskqueue/taskqueue/internal/events"
	"github.com/taskqueue/taskqueue/internal/executor"
	"github.com/taskqueue/taskqueue/internal/logger"
	"github.com/taskqueue/taskqueue/internal/ratelimit"
	"github.com/taskqueue/taskqueue/internal/registry"
	"github.com/taskqueue/taskqueue/internal/resultbackend"
	"github.com/taskqueue/taskqueue/internal/revocation"
	"github.com/taskqueue/taskqueue/internal/saga"
	"github.com/taskqueue/taskqueue/internal/signalbus"
	"github.com/taskqueue/taskqueue/internal/worker"
	"github.com/taskqueue/taskqueue/pkg/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting worker")

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer client.Close()

	reg := registry.New(*log, false)
	for _, h := range []task.Handler{
		echoHandler{},
		sleepHandler{},
		computeHandler{},
		failHandler{},
	} {
		if err := reg.RegisterHandler(h); err != nil {
			log.Fatal().Err(err).Str("task_name", h.TaskName()).Msg("failed to register handler")
		}
	}

	resultBackend := resultbackend.NewRedisBackend(client, resultbackend.RedisConfig{
		Expiry:          cfg.ResultBackend.DefaultExpiry,
		PollingInterval: cfg.ResultBackend.PollingInterval,
		UseNotify:       cfg.ResultBackend.UseNotify,
	}, *log)

	revStore := revocation.NewStore(client, *log)
	revManager := revocation.NewManager(revStore, *log)

	revEvents, err := revStore.Subscribe(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to revocation events")
	}
	go revManager.Run(context.Background(), revEvents)

	dlqStore := dlq.New(client, cfg.DeadLetter.MaxMessages)
	batchStore := batch.New(client)
	sagaStore := saga.New(client, cfg.Saga.CompletedTTL)
	limiter := ratelimit.New(client)

	var publisher events.Publisher
	if cfg.SignalBus.Enabled {
		sbStore := signalbus.New(client, signalbus.Config{
			StreamKey:     cfg.SignalBus.StreamKey,
			ConsumerGroup: cfg.SignalBus.ConsumerGroup,
			BlockTimeout:  cfg.SignalBus.BlockTimeout,
			ClaimMinIdle:  cfg.SignalBus.ClaimMinIdle,
		}, *log)
		publisher = signalbus.NewQueuedPublisher(sbStore)
		log.Info().Msg("durable signal queue enabled, lifecycle events dispatch via signalbus")
	} else {
		redisPubSub := events.NewRedisPubSub(client)
		defer redisPubSub.Close()
		publisher = redisPubSub
	}

	exec := executor.New(executor.Config{
		Registry:              reg,
		RevocationManager:     revManager,
		RateLimiter:           limiter,
		ResultBackend:         resultBackend,
		DeadLetterStore:       dlqStore,
		BatchStore:            batchStore,
		SagaStore:             sagaStore,
		Publisher:             publisher,
		WorkerID:              cfg.Worker.ID,
		RateLimitRequeueDelay: cfg.Worker.RateLimitRequeueDelay,
		Log:                   *log,
	})

	b := broker.NewRedisBroker(client, broker.RedisStreamsConfig{
		StreamPrefix:      cfg.Queue.StreamPrefix,
		ConsumerGroup:     cfg.Queue.ConsumerGroup,
		BlockTimeout:      cfg.Queue.BlockTimeout,
		ClaimMinIdle:      cfg.Queue.ClaimMinIdle,
		TaskRetentionDays: cfg.Queue.TaskRetentionDays,
	}, *log)

	delayedStore := delayed.New(client)

	killSwitch := breaker.NewKillSwitch(breaker.KillSwitchOptions{
		ActivationThreshold: cfg.KillSwitch.ActivationThreshold,
		TripThreshold:       cfg.KillSwitch.TripThreshold,
		TrackingWindow:      cfg.KillSwitch.TrackingWindow,
		RestartTimeout:      cfg.KillSwitch.RestartTimeout,
	}, func(ev breaker.KillSwitchEvent) {
		log.Warn().Str("from", string(ev.From)).Str("to", string(ev.To)).Msg("kill switch state changed")
	})

	loop := worker.New(worker.Config{
		ID:         cfg.Worker.ID,
		Broker:     b,
		Executor:   exec,
		KillSwitch: killSwitch,
		CircuitBreakerOpts: breaker.CircuitBreakerOptions{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			OpenDuration:     cfg.CircuitBreaker.OpenDuration,
			FailureWindow:    cfg.CircuitBreaker.FailureWindow,
			PerQueue:         cfg.CircuitBreaker.UsePerQueue,
		},
		DelayedStore:      delayedStore,
		DeadLetterStore:   dlqStore,
		Queues:            cfg.Queue.Names,
		Concurrency:       cfg.Worker.Concurrency,
		RecoveryInterval:  cfg.Queue.RecoveryInterval,
		RedisClient:       client,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Worker.HeartbeatTimeout,
		Log:               *log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := loop.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start worker loop")
	}

	dispatcher := broker.NewDispatcher(delayedStore, b, broker.DispatcherConfig{}, *log)
	go dispatcher.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	dispatcher.Stop()
	loop.Stop(cfg.Worker.ShutdownTimeout)
	log.Info().Msg("worker stopped")
}

// Example task handlers, registered against the well-known task names
// used by the bundled scheduler example and local smoke-testing.

type echoInput struct {
	Value interface{} `json:"value"`
}

type echoHandler struct{}

func (echoHandler) TaskName() string { return "echo" }
func (echoHandler) NewInput() any    { return &echoInput{} }
func (echoHandler) Execute(_ context.Context, input any, _ *task.Context) (any, error) {
	in := input.(*echoInput)
	return map[string]interface{}{"echoed": in.Value}, nil
}

type sleepInput struct {
	DurationMS int64 `json:"duration_ms"`
}

type sleepHandler struct{}

func (sleepHandler) TaskName() string { return "sleep" }
func (sleepHandler) NewInput() any    { return &sleepInput{} }
func (sleepHandler) Execute(ctx context.Context, input any, _ *task.Context) (any, error) {
	in := input.(*sleepInput)
	duration := time.Duration(in.DurationMS) * time.Millisecond
	if duration <= 0 {
		duration = time.Second
	}
	select {
	case <-time.After(duration):
		return map[string]interface{}{"slept_for": duration.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type computeInput struct {
	Iterations int `json:"iterations"`
}

type computeHandler struct{}

func (computeHandler) TaskName() string { return "compute" }
func (computeHandler) NewInput() any    { return &computeInput{} }
func (computeHandler) Execute(ctx context.Context, input any, _ *task.Context) (any, error) {
	in := input.(*computeInput)
	iterations := in.Iterations
	if iterations <= 0 {
		iterations = 1000000
	}
	sum := 0
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			sum += i
		}
	}
	return map[string]interface{}{"result": sum}, nil
}

type failHandler struct{}

func (failHandler) TaskName() string { return "fail" }
func (failHandler) NewInput() any    { return &struct{}{} }
func (failHandler) Execute(context.Context, any, *task.Context) (any, error) {
	return nil, fmt.Errorf("intentional failure for testing")
}
