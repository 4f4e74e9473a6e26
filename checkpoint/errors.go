package checkpoint

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyPayload          = errors.New("checkpoint: empty payload")
	ErrPayloadTooLarge       = errors.New("checkpoint: payload exceeds size limit")
	ErrMissingIdempotencyKey = errors.New("checkpoint: missing idempotency key")
	ErrIdempotencyConflict   = errors.New("checkpoint: idempotency key reused with different payload")
	ErrInProgress            = errors.New("checkpoint: save already in progress for this key")
	ErrOverloaded            = errors.New("checkpoint: upload queue full")
	ErrShuttingDown          = errors.New("checkpoint: manager is shutting down")
	ErrUnknownCheckpoint     = errors.New("checkpoint: unknown checkpoint")
	ErrHashMismatch          = errors.New("checkpoint: stored payload does not match recorded hash")
)

// UnavailableError reports that storage rejected the payload on every
// attempt the retry budget allowed.
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("checkpoint: storage unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
