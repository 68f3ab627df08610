package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/taskqueue/internal/batch"
)

func newTestBatchHandler(t *testing.T) *BatchHandler {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewBatchHandler(batch.New(client))
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestBatchHandler_Create_MissingTaskIDs(t *testing.T) {
	h := newTestBatchHandler(t)

	body, _ := json.Marshal(CreateBatchRequest{Name: "import"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Create(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchHandler_CreateThenGet(t *testing.T) {
	h := newTestBatchHandler(t)

	body, _ := json.Marshal(CreateBatchRequest{Name: "import", TaskIDs: []string{"t1", "t2"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Create(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created batch.Batch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	getReq := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/batches/"+created.ID, nil), "batchID", created.ID)
	getW := httptest.NewRecorder()
	h.Get(getW, getReq)

	assert.Equal(t, http.StatusOK, getW.Code)
}

func TestBatchHandler_Get_MissingID(t *testing.T) {
	h := newTestBatchHandler(t)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/batches/", nil), "batchID", "")
	w := httptest.NewRecorder()

	h.Get(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchHandler_Get_NotFound(t *testing.T) {
	h := newTestBatchHandler(t)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/batches/missing", nil), "batchID", "missing")
	w := httptest.NewRecorder()

	h.Get(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchHandler_ProgressTracksCompletion(t *testing.T) {
	h := newTestBatchHandler(t)

	body, _ := json.Marshal(CreateBatchRequest{TaskIDs: []string{"t1", "t2"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Create(w, req)
	var created batch.Batch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	_, err := h.store.MarkTaskCompleted(context.Background(), created.ID, "t1")
	require.NoError(t, err)

	progReq := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/batches/"+created.ID+"/progress", nil), "batchID", created.ID)
	progW := httptest.NewRecorder()
	h.Progress(progW, progReq)

	assert.Equal(t, http.StatusOK, progW.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(progW.Body.Bytes(), &resp))
	assert.Equal(t, float64(50), resp["percent"])
}
