package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestRetrier(policy Policy, classify Classifier) (*Retrier, *[]time.Duration) {
	delays := &[]time.Duration{}
	r := New(policy, classify, zap.NewNop())
	r.timer = func(d time.Duration) <-chan time.Time {
		*delays = append(*delays, d)
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	// Midpoint of the jitter range so schedules are deterministic.
	r.randFn = func() float64 { return 0.5 }
	return r, delays
}

func alwaysRetry(error) bool { return true }

func TestSucceedsAfterTransientFailures(t *testing.T) {
	r, delays := newTestRetrier(DefaultPolicy(), alwaysRetry)

	calls := 0
	err := r.Do(context.Background(), "put", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *delays, 2)
}

func TestExhaustsAttempts(t *testing.T) {
	r, _ := newTestRetrier(DefaultPolicy(), alwaysRetry)

	cause := errors.New("transient")
	calls := 0
	err := r.Do(context.Background(), "put", func(context.Context) error {
		calls++
		return cause
	})

	assert.Equal(t, 3, calls)
	var exhausted *ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "put", exhausted.Op)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, cause)
}

func TestTwoFailuresExceedTwoAttemptBudget(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxAttempts = 2
	r, _ := newTestRetrier(policy, alwaysRetry)

	calls := 0
	err := r.Do(context.Background(), "put", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.Equal(t, 2, calls)
	var exhausted *ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}

func TestFatalErrorShortCircuits(t *testing.T) {
	fatal := errors.New("access denied")
	r, delays := newTestRetrier(DefaultPolicy(), func(err error) bool {
		return !errors.Is(err, fatal)
	})

	calls := 0
	err := r.Do(context.Background(), "put", func(context.Context) error {
		calls++
		return fatal
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, fatal)
	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Empty(t, *delays)
}

func TestBackoffScheduleDoublesAndCaps(t *testing.T) {
	policy := Policy{
		MaxAttempts:  8,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5000 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0,
	}
	r, delays := newTestRetrier(policy, alwaysRetry)

	err := r.Do(context.Background(), "put", func(context.Context) error {
		return errors.New("transient")
	})

	var exhausted *ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		5000 * time.Millisecond,
	}
	assert.Equal(t, want, *delays)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	policy := DefaultPolicy()
	for _, roll := range []float64{0, 0.25, 0.5, 0.75, 1} {
		r, delays := newTestRetrier(policy, alwaysRetry)
		r.randFn = func() float64 { return roll }

		calls := 0
		_ = r.Do(context.Background(), "put", func(context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		})

		assert.Len(t, *delays, 1)
		d := (*delays)[0]
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	r := New(DefaultPolicy(), alwaysRetry, zap.NewNop())
	r.timer = func(d time.Duration) <-chan time.Time {
		cancel()
		return make(chan time.Time)
	}

	calls := 0
	err := r.Do(ctx, "put", func(context.Context) error {
		calls++
		return errors.New("transient")
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}
