package checkpoint

import "time"

type State string

const (
	StateUploading State = "UPLOADING"
	StateCommitted State = "COMMITTED"
	StateFailed    State = "FAILED"
)

// Checkpoint is the durable record of one saved model state. Hash is
// the SHA-256 of the payload, used both for idempotency comparison and
// for integrity verification on load. Metadata carries opaque
// attributes reported by the worker, such as the epoch or loss at the
// time of the save.
type Checkpoint struct {
	ID             string            `json:"checkpoint_id"`
	WorkerID       string            `json:"worker_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Hash           string            `json:"hash"`
	SizeBytes      int64             `json:"size_bytes"`
	State          State             `json:"state"`
	StorageKey     string            `json:"storage_key"`
	Attempts       int               `json:"attempts"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    time.Time         `json:"completed_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
}
