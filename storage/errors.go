package storage

import (
	"context"
	"errors"
	"fmt"
)

var ErrObjectNotFound = errors.New("storage: object not found")

// FatalError marks a storage failure that retrying cannot fix, such as
// rejected credentials or a malformed request.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("storage: fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Retryable reports whether a failed storage operation is worth
// retrying. Fatal classifications, missing objects, and caller
// cancellation short-circuit; everything else (timeouts, 5xx
// responses, connection resets) is treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	if errors.Is(err, ErrObjectNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
