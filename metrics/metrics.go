package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CheckpointsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_checkpoints_total",
		Help: "Total number of checkpoints committed",
	})

	CheckpointBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_checkpoint_bytes_total",
		Help: "Total bytes uploaded to storage",
	})

	CheckpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_checkpoint_duration_seconds",
		Help:    "Time to save a checkpoint",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	})

	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_active_workers",
		Help: "Number of currently active workers",
	})

	WorkerRegistrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_worker_registrations_total",
		Help: "Total number of worker registrations",
	})

	WorkerHeartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_worker_heartbeats_total",
		Help: "Total number of worker heartbeats",
	})

	WorkerEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_worker_evictions_total",
		Help: "Total number of workers evicted after missed heartbeats",
	})

	DatasetsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_datasets_total",
		Help: "Number of registered datasets",
	})

	StorageRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_storage_requests_total",
		Help: "Total storage backend requests",
	}, []string{"operation", "status"})

	StorageRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_storage_request_duration_seconds",
		Help:    "Storage backend request latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	}, []string{"operation"})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_errors_total",
		Help: "Total errors by type",
	}, []string{"type"})
)

var registerOnce sync.Once
var registry *prometheus.Registry

// Registry returns the process-wide registry with all runtime
// collectors registered.
func Registry() *prometheus.Registry {
	registerOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			CheckpointsTotal,
			CheckpointBytesTotal,
			CheckpointDuration,
			ActiveWorkers,
			WorkerRegistrationsTotal,
			WorkerHeartbeatsTotal,
			WorkerEvictionsTotal,
			DatasetsTotal,
			StorageRequestsTotal,
			StorageRequestDuration,
			ErrorsTotal,
		)
	})
	return registry
}
