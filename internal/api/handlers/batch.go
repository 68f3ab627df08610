package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskqueue/taskqueue/internal/batch"
	"github.com/taskqueue/taskqueue/internal/logger"
)

// CreateBatchRequest is the wire shape accepted by POST /api/v1/batches.
type CreateBatchRequest struct {
	Name    string   `json:"name"`
	TaskIDs []string `json:"task_ids"`
}

// BatchHandler handles batch-tracking HTTP requests.
type BatchHandler struct {
	store *batch.Store
}

// NewBatchHandler creates a new batch handler.
func NewBatchHandler(store *batch.Store) *BatchHandler {
	return &BatchHandler{store: store}
}

// Create handles POST /api/v1/batches
func (h *BatchHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.TaskIDs) == 0 {
		h.respondError(w, http.StatusBadRequest, "task_ids is required")
		return
	}

	b := &batch.Batch{
		ID:        uuid.NewString(),
		Name:      req.Name,
		State:     batch.StatePending,
		TaskIDs:   req.TaskIDs,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(r.Context(), b); err != nil {
		logger.Error().Err(err).Str("batch_id", b.ID).Msg("failed to create batch")
		h.respondError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}

	logger.Info().Str("batch_id", b.ID).Int("task_count", len(b.TaskIDs)).Msg("batch created")
	h.respondJSON(w, http.StatusCreated, b)
}

// Get handles GET /api/v1/batches/{batchID}
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if batchID == "" {
		h.respondError(w, http.StatusBadRequest, "batch ID is required")
		return
	}

	b, err := h.store.Get(r.Context(), batchID)
	if err != nil {
		if err == batch.ErrNotFound {
			h.respondError(w, http.StatusNotFound, "batch not found")
			return
		}
		logger.Error().Err(err).Str("batch_id", batchID).Msg("failed to get batch")
		h.respondError(w, http.StatusInternalServerError, "failed to get batch")
		return
	}

	h.respondJSON(w, http.StatusOK, b)
}

// Progress handles GET /api/v1/batches/{batchID}/progress
func (h *BatchHandler) Progress(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if batchID == "" {
		h.respondError(w, http.StatusBadRequest, "batch ID is required")
		return
	}

	percent, err := h.store.Progress(r.Context(), batchID)
	if err != nil {
		if err == batch.ErrNotFound {
			h.respondError(w, http.StatusNotFound, "batch not found")
			return
		}
		logger.Error().Err(err).Str("batch_id", batchID).Msg("failed to compute batch progress")
		h.respondError(w, http.StatusInternalServerError, "failed to get batch progress")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": batchID,
		"percent":  percent,
	})
}

// Delete handles DELETE /api/v1/batches/{batchID}
func (h *BatchHandler) Delete(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if batchID == "" {
		h.respondError(w, http.StatusBadRequest, "batch ID is required")
		return
	}

	if err := h.store.Delete(r.Context(), batchID); err != nil {
		logger.Error().Err(err).Str("batch_id", batchID).Msg("failed to delete batch")
		h.respondError(w, http.StatusInternalServerError, "failed to delete batch")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "batch deleted",
		"batch_id": batchID,
	})
}

func (h *BatchHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *BatchHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
