package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskqueue/taskqueue/internal/logger"
	"github.com/taskqueue/taskqueue/internal/saga"
)

// CreateSagaStepRequest is one step in a CreateSagaRequest.
type CreateSagaStepRequest struct {
	Name                    string `json:"name"`
	ExecuteTaskSignature    string `json:"execute_task_signature"`
	CompensateTaskSignature string `json:"compensate_task_signature,omitempty"`
}

// CreateSagaRequest is the wire shape accepted by POST /api/v1/sagas.
type CreateSagaRequest struct {
	Name  string                  `json:"name"`
	Steps []CreateSagaStepRequest `json:"steps"`
}

// SagaHandler handles saga-orchestration HTTP requests.
type SagaHandler struct {
	store *saga.Store
}

// NewSagaHandler creates a new saga handler.
func NewSagaHandler(store *saga.Store) *SagaHandler {
	return &SagaHandler{store: store}
}

// Create handles POST /api/v1/sagas
func (h *SagaHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Steps) == 0 {
		h.respondError(w, http.StatusBadRequest, "steps is required")
		return
	}

	steps := make([]saga.Step, len(req.Steps))
	for i, s := range req.Steps {
		steps[i] = saga.Step{
			ID:                      uuid.NewString(),
			Name:                    s.Name,
			Order:                   i,
			ExecuteTaskSignature:    s.ExecuteTaskSignature,
			CompensateTaskSignature: s.CompensateTaskSignature,
			State:                   saga.StepPending,
		}
	}

	sg := &saga.Saga{
		ID:        uuid.NewString(),
		Name:      req.Name,
		State:     saga.StateCreated,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(r.Context(), sg); err != nil {
		logger.Error().Err(err).Str("saga_id", sg.ID).Msg("failed to create saga")
		h.respondError(w, http.StatusInternalServerError, "failed to create saga")
		return
	}

	logger.Info().Str("saga_id", sg.ID).Int("step_count", len(sg.Steps)).Msg("saga created")
	h.respondJSON(w, http.StatusCreated, sg)
}

// Get handles GET /api/v1/sagas/{sagaID}
func (h *SagaHandler) Get(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")
	if sagaID == "" {
		h.respondError(w, http.StatusBadRequest, "saga ID is required")
		return
	}

	sg, err := h.store.Get(r.Context(), sagaID)
	if err != nil {
		logger.Error().Err(err).Str("saga_id", sagaID).Msg("failed to get saga")
		h.respondError(w, http.StatusNotFound, "saga not found")
		return
	}

	h.respondJSON(w, http.StatusOK, sg)
}

// Advance handles POST /api/v1/sagas/{sagaID}/advance
func (h *SagaHandler) Advance(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")
	if sagaID == "" {
		h.respondError(w, http.StatusBadRequest, "saga ID is required")
		return
	}

	sg, err := h.store.AdvanceStep(r.Context(), sagaID)
	if err != nil {
		logger.Error().Err(err).Str("saga_id", sagaID).Msg("failed to advance saga")
		h.respondError(w, http.StatusInternalServerError, "failed to advance saga")
		return
	}

	h.respondJSON(w, http.StatusOK, sg)
}

// Delete handles DELETE /api/v1/sagas/{sagaID}
func (h *SagaHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")
	if sagaID == "" {
		h.respondError(w, http.StatusBadRequest, "saga ID is required")
		return
	}

	if err := h.store.Delete(r.Context(), sagaID); err != nil {
		logger.Error().Err(err).Str("saga_id", sagaID).Msg("failed to delete saga")
		h.respondError(w, http.StatusInternalServerError, "failed to delete saga")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "saga deleted",
		"saga_id": sagaID,
	})
}

func (h *SagaHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *SagaHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
