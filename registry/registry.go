package registry

import (
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/pulsecheckpoint/runtime/config"
	"github.com/pulsecheckpoint/runtime/metrics"
	"github.com/pulsecheckpoint/runtime/primitives"
)

// workerEntry guards a single worker record. The entry mutex is never
// held across operations on the workers map.
type workerEntry struct {
	mu sync.Mutex
	w  Worker
}

// Service tracks the fleet of training workers and the datasets they
// publish. Workers that miss heartbeats are marked stale and evicted
// once the grace period runs out; the sweep loop drives both
// transitions off an expiry queue ordered by heartbeat deadline.
type Service struct {
	cfg      *config.Config
	workers  cmap.ConcurrentMap[string, *workerEntry]
	datasets cmap.ConcurrentMap[string, *Dataset]
	expiry   *primitives.ExpiryQueue[string]
	expiryMu sync.Mutex
	done     chan struct{}
	stop     chan struct{}
	clock    func() time.Time
	timer    func(time.Duration) <-chan time.Time
	logger   *zap.Logger
}

func NewService(cfg *config.Config, stop chan struct{}, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		workers:  cmap.New[*workerEntry](),
		datasets: cmap.New[*Dataset](),
		expiry:   primitives.NewExpiryQueue[string](),
		done:     make(chan struct{}),
		stop:     stop,
		clock:    time.Now,
		timer:    time.After,
		logger:   logger.Named("registry"),
	}
}

// Register adds a worker to the registry. Registering an id that is
// already active is idempotent when the metadata matches and rejected
// with ErrAlreadyActive when it does not. A stale worker re-registering
// is treated as a fresh registration.
func (s *Service) Register(id string, metadata map[string]string) (Worker, error) {
	if id == "" {
		return Worker{}, ErrInvalidWorkerID
	}
	now := s.clock()

	fresh := &workerEntry{w: Worker{
		ID:            id,
		Metadata:      metadata,
		State:         WorkerStateActive,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}}

	var out Worker
	var regErr error
	s.workers.Upsert(id, fresh, func(exists bool, current, fresh *workerEntry) *workerEntry {
		if !exists {
			out = fresh.w
			return fresh
		}
		current.mu.Lock()
		defer current.mu.Unlock()
		switch current.w.State {
		case WorkerStateActive:
			if metadataEqual(current.w.Metadata, metadata) {
				out = current.w
				return current
			}
			regErr = ErrAlreadyActive
			out = current.w
			return current
		default:
			out = fresh.w
			return fresh
		}
	})
	if regErr != nil {
		return out, regErr
	}

	s.pushDeadline(id, now.Add(s.cfg.Registry.HeartbeatTimeout()))
	metrics.WorkerRegistrationsTotal.Inc()
	s.setActiveGauge()
	s.logger.Info("worker registered", zap.String("worker_id", id))
	return out, nil
}

// Heartbeat records liveness for a worker. A heartbeat from a stale
// worker revives it; timestamps only move forward.
func (s *Service) Heartbeat(id string) (Worker, error) {
	entry, ok := s.workers.Get(id)
	if !ok {
		return Worker{}, ErrUnknownWorker
	}

	now := s.clock()
	entry.mu.Lock()
	if entry.w.State == WorkerStateDeregistered {
		entry.mu.Unlock()
		return Worker{}, ErrUnknownWorker
	}
	if now.After(entry.w.LastHeartbeat) {
		entry.w.LastHeartbeat = now
	}
	revived := entry.w.State == WorkerStateStale
	entry.w.State = WorkerStateActive
	deadline := entry.w.LastHeartbeat.Add(s.cfg.Registry.HeartbeatTimeout())
	out := entry.w
	entry.mu.Unlock()

	s.pushDeadline(id, deadline)
	metrics.WorkerHeartbeatsTotal.Inc()
	if revived {
		s.logger.Info("stale worker revived by heartbeat", zap.String("worker_id", id))
		s.setActiveGauge()
	}
	return out, nil
}

// Deregister removes a worker. Its datasets remain registered; they
// describe artifacts that outlive the process that produced them.
func (s *Service) Deregister(id string) error {
	entry, ok := s.workers.Get(id)
	if !ok {
		return ErrUnknownWorker
	}

	entry.mu.Lock()
	if entry.w.State == WorkerStateDeregistered {
		entry.mu.Unlock()
		return ErrUnknownWorker
	}
	entry.w.State = WorkerStateDeregistered
	entry.mu.Unlock()

	s.removeEntry(id, entry)
	s.expiryMu.Lock()
	s.expiry.Remove(id)
	s.expiryMu.Unlock()

	s.setActiveGauge()
	s.logger.Info("worker deregistered", zap.String("worker_id", id))
	return nil
}

// RegisterDataset records a dataset owned by an active worker.
// Re-registering the same dataset with identical attributes is
// idempotent.
func (s *Service) RegisterDataset(id, path, workerID string, metadata map[string]string) (Dataset, error) {
	if id == "" || path == "" {
		return Dataset{}, ErrInvalidDataset
	}
	w, err := s.Get(workerID)
	if err != nil {
		return Dataset{}, err
	}
	if w.State != WorkerStateActive {
		return Dataset{}, ErrWorkerNotActive
	}

	fresh := &Dataset{
		ID:        id,
		Path:      path,
		WorkerID:  workerID,
		Metadata:  metadata,
		CreatedAt: s.clock(),
	}

	var out Dataset
	var dsErr error
	s.datasets.Upsert(id, fresh, func(exists bool, current, fresh *Dataset) *Dataset {
		if !exists {
			out = *fresh
			return fresh
		}
		if current.Path == path && current.WorkerID == workerID && metadataEqual(current.Metadata, metadata) {
			out = *current
			return current
		}
		dsErr = ErrInvalidDataset
		out = *current
		return current
	})
	if dsErr != nil {
		return out, dsErr
	}

	metrics.DatasetsTotal.Set(float64(s.datasets.Count()))
	s.logger.Info("dataset registered",
		zap.String("dataset_id", id),
		zap.String("worker_id", workerID),
		zap.String("path", path))
	return out, nil
}

// Get returns a snapshot of the worker record.
func (s *Service) Get(id string) (Worker, error) {
	entry, ok := s.workers.Get(id)
	if !ok {
		return Worker{}, ErrUnknownWorker
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.w.State == WorkerStateDeregistered {
		return Worker{}, ErrUnknownWorker
	}
	return entry.w, nil
}

// IsActive reports whether the worker is registered and active.
func (s *Service) IsActive(id string) bool {
	w, err := s.Get(id)
	return err == nil && w.State == WorkerStateActive
}

func (s *Service) Workers() []Worker {
	out := make([]Worker, 0, s.workers.Count())
	for _, entry := range s.workers.Items() {
		entry.mu.Lock()
		if entry.w.State != WorkerStateDeregistered {
			out = append(out, entry.w)
		}
		entry.mu.Unlock()
	}
	return out
}

func (s *Service) Datasets() []Dataset {
	out := make([]Dataset, 0, s.datasets.Count())
	for _, ds := range s.datasets.Items() {
		out = append(out, *ds)
	}
	return out
}

// Start launches the sweep loop. It returns a channel that is closed
// once the loop has observed the stop signal and exited.
func (s *Service) Start() chan struct{} {
	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.stop:
				s.logger.Info("registry sweep stopped")
				return
			case <-s.timer(s.cfg.Registry.SweepInterval()):
				s.sweep(s.clock())
			}
		}
	}()
	return s.done
}

// sweep walks expired heartbeat deadlines, marking missed workers
// stale and evicting stale workers whose grace period has lapsed.
func (s *Service) sweep(now time.Time) {
	s.expiryMu.Lock()
	expired := s.expiry.PopExpired(now)
	s.expiryMu.Unlock()

	for _, id := range expired {
		entry, ok := s.workers.Get(id)
		if !ok {
			continue
		}

		entry.mu.Lock()
		staleAt := entry.w.LastHeartbeat.Add(s.cfg.Registry.HeartbeatTimeout())
		evictAt := staleAt.Add(s.cfg.Registry.EvictionGrace())
		switch {
		case now.Before(staleAt):
			// Heartbeat arrived after the deadline was queued.
			entry.mu.Unlock()
			s.pushDeadline(id, staleAt)
		case entry.w.State == WorkerStateActive:
			entry.w.State = WorkerStateStale
			entry.mu.Unlock()
			s.logger.Warn("worker marked stale",
				zap.String("worker_id", id),
				zap.Duration("heartbeat_timeout", s.cfg.Registry.HeartbeatTimeout()))
			s.setActiveGauge()
			s.pushDeadline(id, evictAt)
		case now.Before(evictAt):
			entry.mu.Unlock()
			s.pushDeadline(id, evictAt)
		default:
			entry.w.State = WorkerStateDeregistered
			last := entry.w.LastHeartbeat
			entry.mu.Unlock()
			s.removeEntry(id, entry)
			metrics.WorkerEvictionsTotal.Inc()
			s.logger.Warn("evicted stale worker",
				zap.String("worker_id", id),
				zap.Time("last_heartbeat", last),
				zap.Duration("grace", s.cfg.Registry.EvictionGrace()))
		}
	}
}

// removeEntry drops the worker only while the map still holds the
// entry just marked Deregistered. A concurrent Register may have
// installed a fresh entry under the same id; that registration must
// survive.
func (s *Service) removeEntry(id string, entry *workerEntry) bool {
	return s.workers.RemoveCb(id, func(_ string, v *workerEntry, exists bool) bool {
		return exists && v == entry
	})
}

func (s *Service) pushDeadline(id string, deadline time.Time) {
	s.expiryMu.Lock()
	s.expiry.Push(id, deadline)
	s.expiryMu.Unlock()
}

func (s *Service) setActiveGauge() {
	active := 0
	for _, entry := range s.workers.Items() {
		entry.mu.Lock()
		if entry.w.State == WorkerStateActive {
			active++
		}
		entry.mu.Unlock()
	}
	metrics.ActiveWorkers.Set(float64(active))
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
