package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskqueue/taskqueue/internal/broker"
	"github.com/taskqueue/taskqueue/internal/delayed"
	"github.com/taskqueue/taskqueue/internal/logger"
	"github.com/taskqueue/taskqueue/internal/resultbackend"
	"github.com/taskqueue/taskqueue/internal/revocation"
	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

// CreateTaskRequest is the wire shape accepted by POST /api/v1/tasks.
type CreateTaskRequest struct {
	TaskName      string            `json:"task_name"`
	Queue         string            `json:"queue"`
	Args          json.RawMessage   `json:"args"`
	ContentType   string            `json:"content_type"`
	Priority      int               `json:"priority"`
	MaxRetries    int               `json:"max_retries"`
	ScheduledAt   *time.Time        `json:"scheduled_at,omitempty"`
	Expires       *time.Time        `json:"expires,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	PartitionKey  string            `json:"partition_key,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	broker        broker.Broker
	delayedStore  *delayed.Store
	resultBackend resultbackend.Backend
	revocation    *revocation.Store
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(b broker.Broker, delayedStore *delayed.Store, backend resultbackend.Backend, revStore *revocation.Store) *TaskHandler {
	return &TaskHandler{
		broker:        b,
		delayedStore:  delayedStore,
		resultBackend: backend,
		revocation:    revStore,
	}
}

// Create handles POST /api/v1/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.TaskName == "" {
		h.respondError(w, http.StatusBadRequest, "task_name is required")
		return
	}
	if req.Queue == "" {
		req.Queue = "default"
	}
	if req.ContentType == "" {
		req.ContentType = "application/json"
	}

	msg := taskmsg.NewTaskMessage(req.TaskName, req.Queue, req.Args, req.ContentType, taskmsg.Priority(req.Priority), req.MaxRetries)
	msg.Expires = req.Expires
	msg.CorrelationID = req.CorrelationID
	msg.TenantID = req.TenantID
	msg.PartitionKey = req.PartitionKey
	if req.Headers != nil {
		msg.Headers = req.Headers
	}

	if req.ScheduledAt != nil && req.ScheduledAt.After(time.Now().UTC()) {
		msg.ETA = req.ScheduledAt
		if h.delayedStore == nil {
			h.respondError(w, http.StatusServiceUnavailable, "delayed dispatch is not configured")
			return
		}
		if err := h.delayedStore.Add(r.Context(), msg, *req.ScheduledAt); err != nil {
			logger.Error().Err(err).Str("task_id", msg.ID).Msg("failed to schedule task")
			h.respondError(w, http.StatusInternalServerError, "failed to schedule task")
			return
		}
		logger.Info().Str("task_id", msg.ID).Str("task_name", msg.TaskName).Time("scheduled_at", *req.ScheduledAt).Msg("task scheduled")
		h.respondJSON(w, http.StatusCreated, msg)
		return
	}

	if err := h.broker.Publish(r.Context(), msg); err != nil {
		logger.Error().Err(err).Str("task_id", msg.ID).Msg("failed to publish task")
		h.respondError(w, http.StatusInternalServerError, "failed to publish task")
		return
	}

	logger.Info().Str("task_id", msg.ID).Str("task_name", msg.TaskName).Str("queue", msg.Queue).Msg("task created")
	h.respondJSON(w, http.StatusCreated, msg)
}

// Get handles GET /api/v1/tasks/{taskID}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	result, err := h.resultBackend.GetResult(r.Context(), taskID)
	if err != nil {
		if err == resultbackend.ErrNotFound {
			h.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to get task result")
		h.respondError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// Cancel handles DELETE /api/v1/tasks/{taskID}
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	state, err := h.resultBackend.GetState(r.Context(), taskID)
	if err == nil && state.IsTerminal() {
		h.respondError(w, http.StatusConflict, "task already reached a terminal state")
		return
	}

	if err := h.revocation.Revoke(r.Context(), taskID, revocation.Options{Terminate: true, Signal: revocation.SignalGraceful}); err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to revoke task")
		h.respondError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	logger.Info().Str("task_id", taskID).Msg("task cancelled")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "task cancellation requested",
		"task_id": taskID,
	})
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *TaskHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
