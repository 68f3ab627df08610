package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue/taskqueue/internal/api"
	"github.com/taskqueue/taskqueue/internal/batch"
	"github.com/taskqueue/taskqueue/internal/broker"
	"github.com/taskqueue/taskqueue/internal/config"
	"github.com/taskqueue/taskqueue/internal/delayed"
	"github.com/taskqueue/taskqueue/internal/dlq"
	"github.com/taskqueue/taskqueue/internal/events"
	"github.com/taskqueue/taskqueue/internal/logger"
	"github.com/taskqueue/taskqueue/internal/resultbackend"
	"github.com/taskqueue/taskqueue/internal/revocation"
	"github.com/taskqueue/taskqueue/internal/saga"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting API server")

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
	defer func() {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}()

	b := broker.NewRedisBroker(client, broker.RedisStreamsConfig{
		StreamPrefix:      cfg.Queue.StreamPrefix,
		ConsumerGroup:     cfg.Queue.ConsumerGroup,
		BlockTimeout:      cfg.Queue.BlockTimeout,
		ClaimMinIdle:      cfg.Queue.ClaimMinIdle,
		TaskRetentionDays: cfg.Queue.TaskRetentionDays,
	}, *log)

	delayedStore := delayed.New(client)
	dlqStore := dlq.New(client, cfg.DeadLetter.MaxMessages)
	resultBackend := resultbackend.NewRedisBackend(client, resultbackend.RedisConfig{
		Expiry:          cfg.ResultBackend.DefaultExpiry,
		PollingInterval: cfg.ResultBackend.PollingInterval,
		UseNotify:       cfg.ResultBackend.UseNotify,
	}, *log)
	revStore := revocation.NewStore(client, *log)
	batchStore := batch.New(client)
	sagaStore := saga.New(client, cfg.Saga.CompletedTTL)

	publisher := events.NewRedisPubSub(client)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close event publisher")
		}
	}()

	server := api.NewServer(cfg, api.Deps{
		RedisClient:   client,
		Broker:        b,
		DelayedStore:  delayedStore,
		ResultBackend: resultBackend,
		Revocation:    revStore,
		DeadLetter:    dlqStore,
		Batch:         batchStore,
		Saga:          sagaStore,
		Publisher:     publisher,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.Start(ctx)

	dispatcher := broker.NewDispatcher(delayedStore, b, broker.DispatcherConfig{}, *log)
	go dispatcher.Run(ctx)

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	dispatcher.Stop()
	server.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
