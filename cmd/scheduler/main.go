package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue/taskqueue/internal/broker"
	"github.com/taskqueue/taskqueue/internal/config"
	"github.com/taskqueue/taskqueue/internal/logger"
	"github.com/taskqueue/taskqueue/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting scheduler")

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

	b := broker.NewRedisBroker(client, broker.RedisStreamsConfig{
		StreamPrefix:      cfg.Queue.StreamPrefix,
		ConsumerGroup:     cfg.Queue.ConsumerGroup,
		BlockTimeout:      cfg.Queue.BlockTimeout,
		ClaimMinIdle:      cfg.Queue.ClaimMinIdle,
		TaskRetentionDays: cfg.Queue.TaskRetentionDays,
	}, *log)

	sched := scheduler.New(b, time.UTC, *log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx, exampleSchedule())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down scheduler")
	sched.Stop()
	log.Info().Msg("scheduler stopped")
}

// exampleSchedule is the bundled demonstration schedule, registered
// against the worker binary's own example task handlers.
func exampleSchedule() []scheduler.ScheduledTask {
	heartbeatArgs, _ := json.Marshal(map[string]interface{}{"value": "scheduler heartbeat"})
	return []scheduler.ScheduledTask{
		{
			Name:     "every-minute-heartbeat",
			CronExpr: "0 * * * * *",
			TaskName: "echo",
			Queue:    "default",
			Args:     heartbeatArgs,
		},
	}
}
