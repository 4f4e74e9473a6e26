package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pulsecheckpoint/runtime/config"
	"github.com/pulsecheckpoint/runtime/metrics"
	"github.com/pulsecheckpoint/runtime/registry"
	"github.com/pulsecheckpoint/runtime/retry"
	"github.com/pulsecheckpoint/runtime/storage"
)

// ActiveSet reports worker liveness. Satisfied by registry.Service.
type ActiveSet interface {
	IsActive(id string) bool
}

// record guards one checkpoint. inflight marks a save currently
// holding the record; concurrent saves for the same key are rejected
// rather than queued.
type record struct {
	mu       sync.Mutex
	c        Checkpoint
	inflight bool
}

// Manager owns the checkpoint save pipeline: validation, idempotency
// bookkeeping, admission control, and retried persistence. A save is
// committed only after storage accepted the full payload; anything
// short of that leaves the record failed and safe to resubmit.
type Manager struct {
	cfg     *config.Config
	store   storage.Store
	retrier *retry.Retrier
	workers ActiveSet
	records cmap.ConcurrentMap[string, *record]
	byID    cmap.ConcurrentMap[string, *record]
	sem     *semaphore.Weighted
	queued  atomic.Int64
	wg      sync.WaitGroup
	stop    chan struct{}
	clock   func() time.Time
	newID   func() string
	logger  *zap.Logger
}

func NewManager(cfg *config.Config, store storage.Store, retrier *retry.Retrier, workers ActiveSet, stop chan struct{}, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		retrier: retrier,
		workers: workers,
		records: cmap.New[*record](),
		byID:    cmap.New[*record](),
		sem:     semaphore.NewWeighted(int64(cfg.Checkpoint.MaxConcurrentUploads)),
		stop:    stop,
		clock:   time.Now,
		newID:   newCheckpointID,
		logger:  logger.Named("checkpoint"),
	}
}

func newCheckpointID() string {
	return "chk_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func recordKey(workerID, idempotencyKey string) string {
	return workerID + "\x00" + idempotencyKey
}

// Save persists a checkpoint payload and its metadata for an active
// worker. The idempotency key makes the call safe to repeat: a
// committed save with the same payload returns the original
// checkpoint, a different payload under the same key is a conflict,
// and a failed save may be resubmitted freely.
func (m *Manager) Save(ctx context.Context, workerID, idempotencyKey string, payload []byte, metadata map[string]string) (Checkpoint, error) {
	if idempotencyKey == "" {
		return Checkpoint{}, ErrMissingIdempotencyKey
	}
	if !m.workers.IsActive(workerID) {
		metrics.ErrorsTotal.WithLabelValues("unknown_worker").Inc()
		return Checkpoint{}, registry.ErrUnknownWorker
	}
	if len(payload) == 0 {
		return Checkpoint{}, ErrEmptyPayload
	}
	if int64(len(payload)) > m.cfg.Checkpoint.MaxPayloadSizeBytes {
		metrics.ErrorsTotal.WithLabelValues("payload_too_large").Inc()
		return Checkpoint{}, ErrPayloadTooLarge
	}
	select {
	case <-m.stop:
		return Checkpoint{}, ErrShuttingDown
	default:
	}

	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	claimed, out, err := m.claim(workerID, idempotencyKey, hash, int64(len(payload)), metadata)
	if err != nil || claimed == nil {
		return out, err
	}

	if err := m.admit(ctx, claimed); err != nil {
		return m.snapshot(claimed), err
	}
	defer m.sem.Release(1)
	m.wg.Add(1)
	defer m.wg.Done()

	return m.upload(ctx, claimed, payload)
}

// claim reserves the record for this save. It returns a nil record
// with no error when a committed checkpoint with the same hash already
// exists, making the save a no-op replay.
func (m *Manager) claim(workerID, idempotencyKey, hash string, size int64, metadata map[string]string) (*record, Checkpoint, error) {
	id := m.newID()
	fresh := &record{c: Checkpoint{
		ID:             id,
		WorkerID:       workerID,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Hash:           hash,
		SizeBytes:      size,
		State:          StateUploading,
		StorageKey:     workerID + "/" + id,
		CreatedAt:      m.clock(),
	}}

	var out Checkpoint
	var claimErr error
	var claimed *record
	m.records.Upsert(recordKey(workerID, idempotencyKey), fresh, func(exists bool, current, fresh *record) *record {
		if !exists {
			fresh.inflight = true
			claimed = fresh
			out = fresh.c
			return fresh
		}
		current.mu.Lock()
		defer current.mu.Unlock()
		switch {
		case current.inflight:
			claimErr = ErrInProgress
			out = current.c
		case current.c.State == StateCommitted && current.c.Hash == hash:
			out = current.c
		case current.c.State == StateCommitted:
			claimErr = ErrIdempotencyConflict
			out = current.c
		default:
			// A failed save never had an effect; the resubmitted
			// payload may differ and the checkpoint id is reused.
			current.c.Hash = hash
			current.c.SizeBytes = size
			current.c.Metadata = metadata
			current.c.State = StateUploading
			current.c.LastError = ""
			current.inflight = true
			claimed = current
			out = current.c
		}
		return current
	})
	if claimErr != nil {
		if errors.Is(claimErr, ErrIdempotencyConflict) {
			metrics.ErrorsTotal.WithLabelValues("idempotency_conflict").Inc()
		}
		return nil, out, claimErr
	}
	if claimed == fresh {
		m.byID.Set(id, fresh)
	}
	return claimed, out, nil
}

// admit enforces the concurrent-upload limit. Saves beyond the limit
// wait in a bounded queue; once the queue is full the caller is shed
// with ErrOverloaded instead of being made to wait.
func (m *Manager) admit(ctx context.Context, rec *record) error {
	if m.sem.TryAcquire(1) {
		return nil
	}
	if m.queued.Add(1) > int64(m.cfg.Checkpoint.UploadQueueDepth) {
		m.queued.Add(-1)
		m.fail(rec, ErrOverloaded)
		metrics.ErrorsTotal.WithLabelValues("overloaded").Inc()
		return ErrOverloaded
	}
	err := m.sem.Acquire(ctx, 1)
	m.queued.Add(-1)
	if err != nil {
		m.fail(rec, err)
		return err
	}
	select {
	case <-m.stop:
		m.sem.Release(1)
		m.fail(rec, ErrShuttingDown)
		return ErrShuttingDown
	default:
		return nil
	}
}

func (m *Manager) upload(ctx context.Context, rec *record, payload []byte) (Checkpoint, error) {
	rec.mu.Lock()
	storageKey := rec.c.StorageKey
	id := rec.c.ID
	workerID := rec.c.WorkerID
	rec.mu.Unlock()

	start := m.clock()
	attempts := 0
	err := m.retrier.Do(ctx, "storage.put", func(ctx context.Context) error {
		attempts++
		return m.store.Put(ctx, storageKey, payload)
	})
	if err != nil {
		out := m.failAttempts(rec, attempts, err)
		metrics.ErrorsTotal.WithLabelValues(errorType(err)).Inc()
		m.logger.Error("checkpoint save failed",
			zap.String("checkpoint_id", id),
			zap.String("worker_id", workerID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return out, &UnavailableError{Attempts: exhausted.Attempts, Err: exhausted.Err}
		}
		return out, err
	}

	rec.mu.Lock()
	rec.c.State = StateCommitted
	rec.c.Attempts = attempts
	rec.c.CompletedAt = m.clock()
	rec.inflight = false
	out := rec.c
	rec.mu.Unlock()

	metrics.CheckpointsTotal.Inc()
	metrics.CheckpointBytesTotal.Add(float64(len(payload)))
	metrics.CheckpointDuration.Observe(m.clock().Sub(start).Seconds())
	m.logger.Info("checkpoint committed",
		zap.String("checkpoint_id", id),
		zap.String("worker_id", workerID),
		zap.Int64("size_bytes", out.SizeBytes),
		zap.Int("attempts", attempts))
	return out, nil
}

func (m *Manager) fail(rec *record, cause error) {
	m.failAttempts(rec, 0, cause)
}

func (m *Manager) failAttempts(rec *record, attempts int, cause error) Checkpoint {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.c.State = StateFailed
	if attempts > 0 {
		rec.c.Attempts = attempts
	}
	rec.c.LastError = cause.Error()
	rec.inflight = false
	return rec.c
}

func errorType(err error) string {
	switch {
	case storage.IsFatal(err):
		return "fatal"
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "storage_unavailable"
	}
}

func (m *Manager) snapshot(rec *record) Checkpoint {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.c
}

// GetStatus returns the current record for a checkpoint id.
func (m *Manager) GetStatus(id string) (Checkpoint, error) {
	rec, ok := m.byID.Get(id)
	if !ok {
		return Checkpoint{}, ErrUnknownCheckpoint
	}
	return m.snapshot(rec), nil
}

// List returns a snapshot of every known checkpoint record.
func (m *Manager) List() []Checkpoint {
	out := make([]Checkpoint, 0, m.byID.Count())
	for _, rec := range m.byID.Items() {
		out = append(out, m.snapshot(rec))
	}
	return out
}

// ListForWorker returns the records belonging to one worker.
func (m *Manager) ListForWorker(workerID string) []Checkpoint {
	var out []Checkpoint
	for _, rec := range m.byID.Items() {
		c := m.snapshot(rec)
		if c.WorkerID == workerID {
			out = append(out, c)
		}
	}
	return out
}

// Load fetches a committed checkpoint payload and verifies it against
// the recorded hash before returning it.
func (m *Manager) Load(ctx context.Context, id string) ([]byte, Checkpoint, error) {
	rec, ok := m.byID.Get(id)
	if !ok {
		return nil, Checkpoint{}, ErrUnknownCheckpoint
	}
	c := m.snapshot(rec)
	if c.State != StateCommitted {
		return nil, c, ErrUnknownCheckpoint
	}

	data, err := m.store.Get(ctx, c.StorageKey)
	if err != nil {
		return nil, c, err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != c.Hash {
		metrics.ErrorsTotal.WithLabelValues("hash_mismatch").Inc()
		return nil, c, ErrHashMismatch
	}
	return data, c, nil
}

// Delete removes a checkpoint from storage and drops its record. A
// record with an upload in flight cannot be deleted; the save owns it
// until it commits or fails.
func (m *Manager) Delete(ctx context.Context, id string) error {
	rec, ok := m.byID.Get(id)
	if !ok {
		return ErrUnknownCheckpoint
	}
	rec.mu.Lock()
	if rec.inflight {
		rec.mu.Unlock()
		return ErrInProgress
	}
	c := rec.c
	rec.mu.Unlock()

	if err := m.store.Delete(ctx, c.StorageKey); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return err
	}
	// Only drop the entries if they still hold this record; a save
	// that re-claimed the key in the meantime keeps its commit-log
	// entry.
	stillOurs := func(_ string, v *record, exists bool) bool {
		if !exists || v != rec {
			return false
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		return !v.inflight
	}
	m.byID.RemoveCb(id, stillOurs)
	m.records.RemoveCb(recordKey(c.WorkerID, c.IdempotencyKey), stillOurs)
	m.logger.Info("checkpoint deleted", zap.String("checkpoint_id", id))
	return nil
}

// Close waits for in-flight uploads to drain. New saves are rejected
// once the shared stop channel is closed; Close gives the ones already
// admitted until the context deadline to finish.
func (m *Manager) Close(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		m.logger.Info("all in-flight uploads drained")
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached with uploads still in flight")
		return ctx.Err()
	}
}
