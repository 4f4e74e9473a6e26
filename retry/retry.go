package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Classifier reports whether an error is worth retrying. Errors it
// rejects short-circuit the retry loop immediately.
type Classifier func(error) bool

// Policy controls the backoff schedule. The delay before attempt n+1
// is InitialDelay * Multiplier^(n-1), capped at MaxDelay, with
// +/- Jitter fraction of randomisation to avoid thundering herds.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5000 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// ExhaustedError wraps the last error observed after every attempt
// failed with a retryable cause.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Retrier drives a fallible operation through bounded attempts with
// exponential backoff. It holds no state across calls and is safe for
// concurrent use.
type Retrier struct {
	policy   Policy
	classify Classifier
	logger   *zap.Logger
	timer    func(time.Duration) <-chan time.Time
	randFn   func() float64
}

func New(policy Policy, classify Classifier, logger *zap.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Retrier{
		policy:   policy,
		classify: classify,
		logger:   logger.Named("retry"),
		timer:    time.After,
		randFn:   rand.Float64,
	}
}

// Do invokes op until it succeeds, fails with a non-retryable error,
// the context is cancelled, or attempts are exhausted. Exhaustion is
// reported as an ExhaustedError wrapping the last cause.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.classify(err) {
			r.logger.Warn("non-retryable error, giving up",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}

		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		r.logger.Warn("attempt failed, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.timer(delay):
		}
	}

	return &ExhaustedError{
		Op:       op,
		Attempts: r.policy.MaxAttempts,
		Err:      lastErr,
	}
}

// delay returns the backoff before the attempt following attempt n
// (1-indexed).
func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= r.policy.Multiplier
	}
	if r.policy.MaxDelay > 0 && d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter > 0 {
		d *= 1 + r.policy.Jitter*(2*r.randFn()-1)
	}
	return time.Duration(d)
}
