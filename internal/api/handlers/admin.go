package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/taskqueue/taskqueue/internal/broker"
	"github.com/taskqueue/taskqueue/internal/dlq"
	"github.com/taskqueue/taskqueue/internal/logger"
	"github.com/taskqueue/taskqueue/internal/worker"
)

// AdminHandler handles admin API requests: worker inspection/pause,
// queue depth/purge, and dead-letter management.
type AdminHandler struct {
	redis  *redis.Client
	broker *broker.RedisBroker
	dlq    *dlq.Store
	queues []string
}

// NewAdminHandler creates a new admin handler. queues lists the known
// queue names reported by GetQueues; workers may still publish to
// queues outside this list since broker streams are created lazily.
func NewAdminHandler(client *redis.Client, b *broker.RedisBroker, dlqStore *dlq.Store, queues []string) *AdminHandler {
	return &AdminHandler{redis: client, broker: b, dlq: dlqStore, queues: queues}
}

// ListWorkers handles GET /admin/workers
func (h *AdminHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := worker.GetActiveWorkers(r.Context(), h.redis)
	if err != nil {
		logger.Error().Err(err).Msg("failed to get active workers")
		h.respondError(w, http.StatusInternalServerError, "failed to get workers")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// GetWorker handles GET /admin/workers/{workerID}
func (h *AdminHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if workerID == "" {
		h.respondError(w, http.StatusBadRequest, "worker ID is required")
		return
	}

	alive, err := worker.IsWorkerAlive(r.Context(), h.redis, workerID)
	if err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to check worker status")
		h.respondError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}
	if !alive {
		h.respondError(w, http.StatusNotFound, "worker not found or not active")
		return
	}

	workers, err := worker.GetActiveWorkers(r.Context(), h.redis)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to get worker details")
		return
	}
	for _, wk := range workers {
		if wk.ID == workerID {
			h.respondJSON(w, http.StatusOK, wk)
			return
		}
	}
	h.respondError(w, http.StatusNotFound, "worker not found")
}

// PauseWorker handles POST /admin/workers/{workerID}/pause. Pausing a
// worker is cooperative: the worker's own pause-poll loop notices the
// key on its next poll; from then on it keeps reading deliveries but
// requeues each one instead of executing it.
func (h *AdminHandler) PauseWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if workerID == "" {
		h.respondError(w, http.StatusBadRequest, "worker ID is required")
		return
	}

	if err := h.redis.Set(r.Context(), pauseKey(workerID), "1", 0).Err(); err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to pause worker")
		h.respondError(w, http.StatusInternalServerError, "failed to pause worker")
		return
	}

	logger.Info().Str("worker_id", workerID).Msg("worker paused")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "worker paused",
		"worker_id": workerID,
	})
}

// ResumeWorker handles POST /admin/workers/{workerID}/resume
func (h *AdminHandler) ResumeWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if workerID == "" {
		h.respondError(w, http.StatusBadRequest, "worker ID is required")
		return
	}

	if err := h.redis.Del(r.Context(), pauseKey(workerID)).Err(); err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to resume worker")
		h.respondError(w, http.StatusInternalServerError, "failed to resume worker")
		return
	}

	logger.Info().Str("worker_id", workerID).Msg("worker resumed")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "worker resumed",
		"worker_id": workerID,
	})
}

func pauseKey(workerID string) string {
	return "worker:" + workerID + ":paused"
}

// GetQueues handles GET /admin/queues
func (h *AdminHandler) GetQueues(w http.ResponseWriter, r *http.Request) {
	var total int64
	queueStats := make(map[string]interface{}, len(h.queues))
	for _, q := range h.queues {
		depth, err := h.broker.QueueDepth(r.Context(), q)
		if err != nil {
			logger.Error().Err(err).Str("queue", q).Msg("failed to get queue depth")
			h.respondError(w, http.StatusInternalServerError, "failed to get queue statistics")
			return
		}
		queueStats[q] = map[string]interface{}{"depth": depth}
		total += depth
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"queues":      queueStats,
		"total_depth": total,
	})
}

// PurgeQueue handles DELETE /admin/queues/{queue}
func (h *AdminHandler) PurgeQueue(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if queue == "" {
		h.respondError(w, http.StatusBadRequest, "queue is required")
		return
	}

	if err := h.broker.PurgeQueue(r.Context(), queue); err != nil {
		logger.Error().Err(err).Str("queue", queue).Msg("failed to purge queue")
		h.respondError(w, http.StatusInternalServerError, "failed to purge queue")
		return
	}

	logger.Info().Str("queue", queue).Msg("queue purged")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "queue purged",
		"queue":   queue,
	})
}

// ListDLQ handles GET /admin/dlq
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dlq.List(r.Context(), 0, 100)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list DLQ")
		h.respondError(w, http.StatusInternalServerError, "failed to list DLQ")
		return
	}

	size, _ := h.dlq.Size(r.Context())

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"size":    size,
	})
}

// RetryDLQRequest represents a request to retry a dead-lettered task.
type RetryDLQRequest struct {
	TaskID string `json:"task_id"`
}

// RetryDLQ handles POST /admin/dlq/retry
func (h *AdminHandler) RetryDLQ(w http.ResponseWriter, r *http.Request) {
	var req RetryDLQRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" {
		h.respondError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	if err := h.dlq.Requeue(r.Context(), h.broker, req.TaskID); err != nil {
		logger.Error().Err(err).Str("task_id", req.TaskID).Msg("failed to retry DLQ task")
		h.respondError(w, http.StatusInternalServerError, "failed to retry task")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "task re-queued",
		"task_id": req.TaskID,
	})
}

// ClearDLQ handles DELETE /admin/dlq
func (h *AdminHandler) ClearDLQ(w http.ResponseWriter, r *http.Request) {
	if err := h.dlq.Purge(r.Context()); err != nil {
		logger.Error().Err(err).Msg("failed to clear DLQ")
		h.respondError(w, http.StatusInternalServerError, "failed to clear DLQ")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "DLQ cleared",
	})
}

// HealthCheck handles GET /admin/health
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.redis.Ping(ctx).Err(); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"redis":  "disconnected",
			"error":  err.Error(),
		})
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"redis":  "connected",
	})
}

func (h *AdminHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *AdminHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
