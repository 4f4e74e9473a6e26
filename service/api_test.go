package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/pulsecheckpoint/runtime/checkpoint"
	"github.com/pulsecheckpoint/runtime/config"
	"github.com/pulsecheckpoint/runtime/registry"
	"github.com/pulsecheckpoint/runtime/retry"
	"github.com/pulsecheckpoint/runtime/storage"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *memStore) Put(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (f *memStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *memStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *memStore) Head(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

type testWorld struct {
	api  *API
	stop chan struct{}
}

func newTestWorld(t *testing.T) *testWorld {
	t.Helper()
	cfg := config.Default()
	cfg.Checkpoint.MaxPayloadSizeBytes = 1 << 20

	stop := make(chan struct{})
	logger := zap.NewNop()
	reg := registry.NewService(cfg, stop, logger)
	policy := retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}
	retrier := retry.New(policy, storage.Retryable, logger)
	mgr := checkpoint.NewManager(cfg, &memStore{objects: map[string][]byte{}}, retrier, reg, stop, logger)
	return &testWorld{
		api:  NewAPI(cfg, reg, mgr, stop, logger),
		stop: stop,
	}
}

func (w *testWorld) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	w.api.engine.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRegisterWorkerEndpoint(t *testing.T) {
	w := newTestWorld(t)

	rec := w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{
		WorkerID: "w1",
		Metadata: map[string]string{"gpu": "A100"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RegisterWorkerResponse](t, rec)
	assert.Equal(t, "w1", resp.Worker.ID)
	assert.Equal(t, registry.WorkerStateActive, resp.Worker.State)
}

func TestRegisterWorkerConflict(t *testing.T) {
	w := newTestWorld(t)

	rec := w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{WorkerID: "w1", Metadata: map[string]string{"gpu": "A100"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{WorkerID: "w1", Metadata: map[string]string{"gpu": "H100"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_active", decode[ErrorResponse](t, rec).Code)
}

func TestRegisterWorkerValidation(t *testing.T) {
	w := newTestWorld(t)

	rec := w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{WorkerID: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	w := newTestWorld(t)

	rec := w.do(t, http.MethodPost, "/workers/heartbeat", HeartbeatRequest{WorkerID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_worker", decode[ErrorResponse](t, rec).Code)
}

func TestDeregisterWorker(t *testing.T) {
	w := newTestWorld(t)

	w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{WorkerID: "w1"})
	rec := w.do(t, http.MethodPost, "/workers/deregister", DeregisterWorkerRequest{WorkerID: "w1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = w.do(t, http.MethodGet, "/workers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ListWorkersResponse](t, rec).Workers)
}

func TestRegisterDatasetEndpoint(t *testing.T) {
	w := newTestWorld(t)

	w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{WorkerID: "w1"})
	rec := w.do(t, http.MethodPost, "/datasets/register", RegisterDatasetRequest{
		DatasetID: "ds-1",
		Path:      "s3://data/train",
		WorkerID:  "w1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = w.do(t, http.MethodGet, "/datasets", nil)
	assert.Len(t, decode[ListDatasetsResponse](t, rec).Datasets, 1)
}

func TestSaveCheckpointRoundTrip(t *testing.T) {
	w := newTestWorld(t)

	w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{WorkerID: "w1"})

	rec := w.do(t, http.MethodPost, "/checkpoints", SaveCheckpointRequest{
		WorkerID:       "w1",
		IdempotencyKey: "chk-1",
		Payload:        []byte("weights"),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	saved := decode[SaveCheckpointResponse](t, rec).Checkpoint
	assert.Equal(t, checkpoint.StateCommitted, saved.State)

	rec = w.do(t, http.MethodGet, "/checkpoints/"+saved.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, saved.ID, decode[SaveCheckpointResponse](t, rec).Checkpoint.ID)

	rec = w.do(t, http.MethodGet, "/checkpoints/"+saved.ID+"/payload", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "weights", rec.Body.String())

	rec = w.do(t, http.MethodGet, "/checkpoints?worker_id=w1", nil)
	assert.Len(t, decode[ListCheckpointsResponse](t, rec).Checkpoints, 1)
}

func TestSaveCheckpointPersistsMetadata(t *testing.T) {
	w := newTestWorld(t)

	w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{WorkerID: "w1"})

	metadata := map[string]string{"epoch": "7", "loss": "0.12"}
	rec := w.do(t, http.MethodPost, "/checkpoints", SaveCheckpointRequest{
		WorkerID:       "w1",
		IdempotencyKey: "chk-1",
		Payload:        []byte("weights"),
		Metadata:       metadata,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	saved := decode[SaveCheckpointResponse](t, rec).Checkpoint
	assert.Equal(t, metadata, saved.Metadata)

	rec = w.do(t, http.MethodGet, "/checkpoints/"+saved.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, metadata, decode[SaveCheckpointResponse](t, rec).Checkpoint.Metadata)

	rec = w.do(t, http.MethodGet, "/checkpoints?worker_id=w1", nil)
	listed := decode[ListCheckpointsResponse](t, rec).Checkpoints
	assert.Len(t, listed, 1)
	assert.Equal(t, "7", listed[0].Metadata["epoch"])
}

func TestRegisterDatasetPersistsMetadata(t *testing.T) {
	w := newTestWorld(t)

	w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{WorkerID: "w1"})
	rec := w.do(t, http.MethodPost, "/datasets/register", RegisterDatasetRequest{
		DatasetID: "ds-1",
		Path:      "s3://data/train",
		WorkerID:  "w1",
		Metadata:  map[string]string{"format": "parquet"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "parquet", decode[RegisterDatasetResponse](t, rec).Dataset.Metadata["format"])
}

func TestSaveCheckpointUnknownWorker(t *testing.T) {
	w := newTestWorld(t)

	rec := w.do(t, http.MethodPost, "/checkpoints", SaveCheckpointRequest{
		WorkerID:       "ghost",
		IdempotencyKey: "chk-1",
		Payload:        []byte("weights"),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_worker", decode[ErrorResponse](t, rec).Code)
}

func TestSaveCheckpointIdempotencyConflict(t *testing.T) {
	w := newTestWorld(t)

	w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{WorkerID: "w1"})
	rec := w.do(t, http.MethodPost, "/checkpoints", SaveCheckpointRequest{WorkerID: "w1", IdempotencyKey: "chk-1", Payload: []byte("weights")})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = w.do(t, http.MethodPost, "/checkpoints", SaveCheckpointRequest{WorkerID: "w1", IdempotencyKey: "chk-1", Payload: []byte("different")})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "idempotency_conflict", decode[ErrorResponse](t, rec).Code)
}

func TestDeleteCheckpoint(t *testing.T) {
	w := newTestWorld(t)

	w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{WorkerID: "w1"})
	rec := w.do(t, http.MethodPost, "/checkpoints", SaveCheckpointRequest{WorkerID: "w1", IdempotencyKey: "chk-1", Payload: []byte("weights")})
	saved := decode[SaveCheckpointResponse](t, rec).Checkpoint

	rec = w.do(t, http.MethodDelete, "/checkpoints/"+saved.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = w.do(t, http.MethodGet, "/checkpoints/"+saved.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStateSnapshot(t *testing.T) {
	w := newTestWorld(t)

	w.do(t, http.MethodPost, "/workers/register", RegisterWorkerRequest{WorkerID: "w1"})
	w.do(t, http.MethodPost, "/datasets/register", RegisterDatasetRequest{DatasetID: "ds-1", Path: "s3://data/train", WorkerID: "w1"})
	w.do(t, http.MethodPost, "/checkpoints", SaveCheckpointRequest{WorkerID: "w1", IdempotencyKey: "chk-1", Payload: []byte("weights")})

	rec := w.do(t, http.MethodGet, "/state", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	state := decode[StateResponse](t, rec)
	assert.Len(t, state.Workers, 1)
	assert.Len(t, state.Datasets, 1)
	assert.Len(t, state.Checkpoints, 1)
}

func TestHealthReflectsShutdown(t *testing.T) {
	w := newTestWorld(t)

	rec := w.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	close(w.stop)
	rec = w.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMalformedBodyRejected(t *testing.T) {
	w := newTestWorld(t)

	req := httptest.NewRequest(http.MethodPost, "/workers/register", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	w.api.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode[ErrorResponse](t, rec).Code)
}
