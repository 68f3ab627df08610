package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/taskqueue/taskqueue/internal/api/handlers"
	apiMiddleware "github.com/taskqueue/taskqueue/internal/api/middleware"
	"github.com/taskqueue/taskqueue/internal/api/websocket"
	"github.com/taskqueue/taskqueue/internal/batch"
	"github.com/taskqueue/taskqueue/internal/broker"
	"github.com/taskqueue/taskqueue/internal/config"
	"github.com/taskqueue/taskqueue/internal/delayed"
	"github.com/taskqueue/taskqueue/internal/dlq"
	"github.com/taskqueue/taskqueue/internal/events"
	"github.com/taskqueue/taskqueue/internal/resultbackend"
	"github.com/taskqueue/taskqueue/internal/revocation"
	"github.com/taskqueue/taskqueue/internal/saga"
)

// Server represents the HTTP server
type Server struct {
	router       *chi.Mux
	config       *config.Config
	taskHandler  *handlers.TaskHandler
	adminHandler *handlers.AdminHandler
	batchHandler *handlers.BatchHandler
	sagaHandler  *handlers.SagaHandler
	wsHub        *websocket.Hub
	wsHandler    *websocket.Handler
	publisher    *events.RedisPubSub
}

// Deps bundles the collaborators routes.go wires into handlers.
type Deps struct {
	RedisClient   *redis.Client
	Broker        *broker.RedisBroker
	DelayedStore  *delayed.Store
	ResultBackend resultbackend.Backend
	Revocation    *revocation.Store
	DeadLetter    *dlq.Store
	Batch         *batch.Store
	Saga          *saga.Store
	Publisher     *events.RedisPubSub
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	wsHub := websocket.NewHub(deps.Publisher)

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		taskHandler: handlers.NewTaskHandler(
			deps.Broker, deps.DelayedStore, deps.ResultBackend, deps.Revocation,
		),
		adminHandler: handlers.NewAdminHandler(
			deps.RedisClient, deps.Broker, deps.DeadLetter, cfg.Queue.Names,
		),
		batchHandler: handlers.NewBatchHandler(deps.Batch),
		sagaHandler:  handlers.NewSagaHandler(deps.Saga),
		wsHub:        wsHub,
		wsHandler:    websocket.NewHandler(wsHub),
		publisher:    deps.Publisher,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(apiMiddleware.RequestLogger())

	// Recoverer
	s.router.Use(middleware.Recoverer)

	// Heartbeat endpoint for load balancers
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	// API v1 routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Content type for API routes
		r.Use(middleware.AllowContentType("application/json"))

		// Rate limiting for API routes
		if s.config.Queue.RateLimitRPS > 0 {
			r.Use(apiMiddleware.ClientRateLimit(s.config.Queue.RateLimitRPS))
		}

		// Task routes
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.taskHandler.Create)
			r.Get("/{taskID}", s.taskHandler.Get)
			r.Delete("/{taskID}", s.taskHandler.Cancel)
		})

		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.batchHandler.Create)
			r.Get("/{batchID}", s.batchHandler.Get)
			r.Get("/{batchID}/progress", s.batchHandler.Progress)
			r.Delete("/{batchID}", s.batchHandler.Delete)
		})

		// Saga routes
		r.Route("/sagas", func(r chi.Router) {
			r.Post("/", s.sagaHandler.Create)
			r.Get("/{sagaID}", s.sagaHandler.Get)
			r.Post("/{sagaID}/advance", s.sagaHandler.Advance)
			r.Delete("/{sagaID}", s.sagaHandler.Delete)
		})
	})

	// Admin routes
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Get("/health", s.adminHandler.HealthCheck)

		// Worker management
		r.Get("/workers", s.adminHandler.ListWorkers)
		r.Get("/workers/{workerID}", s.adminHandler.GetWorker)
		r.Post("/workers/{workerID}/pause", s.adminHandler.PauseWorker)
		r.Post("/workers/{workerID}/resume", s.adminHandler.ResumeWorker)

		// Queue management
		r.Get("/queues", s.adminHandler.GetQueues)
		r.Delete("/queues/{queue}", s.adminHandler.PurgeQueue)

		// DLQ management
		r.Get("/dlq", s.adminHandler.ListDLQ)
		r.Post("/dlq/retry", s.adminHandler.RetryDLQ)
		r.Delete("/dlq", s.adminHandler.ClearDLQ)
	})

	// WebSocket endpoint
	s.router.Get("/ws", s.wsHandler.ServeWS)

	// Metrics endpoint
	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start starts the WebSocket hub
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// Stop stops the WebSocket hub
func (s *Server) Stop() {
	s.wsHub.Stop()
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Publisher returns the event publisher
func (s *Server) Publisher() *events.RedisPubSub {
	return s.publisher
}
