package registry

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownWorker   = errors.New("registry: unknown worker")
	ErrAlreadyActive   = errors.New("registry: worker already active")
	ErrInvalidWorkerID = errors.New("registry: invalid worker id")
	ErrInvalidDataset  = errors.New("registry: invalid dataset")

	// ErrWorkerNotActive wraps ErrUnknownWorker: a stale or
	// deregistered owner is treated as unknown by callers, the wrap
	// just preserves the distinction in logs.
	ErrWorkerNotActive = fmt.Errorf("registry: worker not active: %w", ErrUnknownWorker)
)
