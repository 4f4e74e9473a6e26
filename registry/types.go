package registry

import "time"

type WorkerState string

const (
	WorkerStateActive       WorkerState = "ACTIVE"
	WorkerStateStale        WorkerState = "STALE"
	WorkerStateDeregistered WorkerState = "DEREGISTERED"
)

// Worker is a training process known to the registry. Metadata carries
// opaque attributes reported at registration, such as the accelerator
// type or the host the worker runs on.
type Worker struct {
	ID            string            `json:"worker_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	State         WorkerState       `json:"state"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// Dataset records a data artifact a worker has made available to the
// rest of the cluster.
type Dataset struct {
	ID        string            `json:"dataset_id"`
	Path      string            `json:"path"`
	WorkerID  string            `json:"worker_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
