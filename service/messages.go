package service

import (
	"github.com/pulsecheckpoint/runtime/checkpoint"
	"github.com/pulsecheckpoint/runtime/registry"
)

type RegisterWorkerRequest struct {
	WorkerID string            `json:"worker_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type RegisterWorkerResponse struct {
	Worker registry.Worker `json:"worker"`
}

type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

type HeartbeatResponse struct {
	Worker registry.Worker `json:"worker"`
}

type DeregisterWorkerRequest struct {
	WorkerID string `json:"worker_id"`
}

type DeregisterWorkerResponse struct {
	WorkerID string `json:"worker_id"`
}

type RegisterDatasetRequest struct {
	DatasetID string            `json:"dataset_id"`
	Path      string            `json:"path"`
	WorkerID  string            `json:"worker_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type RegisterDatasetResponse struct {
	Dataset registry.Dataset `json:"dataset"`
}

// SaveCheckpointRequest carries the payload base64-encoded in JSON.
type SaveCheckpointRequest struct {
	WorkerID       string            `json:"worker_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Payload        []byte            `json:"payload"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type SaveCheckpointResponse struct {
	Checkpoint checkpoint.Checkpoint `json:"checkpoint"`
}

type ListWorkersResponse struct {
	Workers []registry.Worker `json:"workers"`
}

type ListDatasetsResponse struct {
	Datasets []registry.Dataset `json:"datasets"`
}

type ListCheckpointsResponse struct {
	Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
}

// StateResponse is a full snapshot of the runtime, served for
// debugging and operator tooling.
type StateResponse struct {
	Workers     []registry.Worker       `json:"workers"`
	Datasets    []registry.Dataset      `json:"datasets"`
	Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
}

type ErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}
