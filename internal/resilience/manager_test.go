package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
)

func newTestManager(maxAttempts, threshold int) *Manager {
	return NewManager(Config{
		Default: ServiceConfig{
			Breaker: BreakerConfig{FailureThreshold: threshold, RecoveryTimeout: time.Minute},
			Retry:   RetryConfig{MaxAttempts: maxAttempts, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond},
		},
	}, slog.Default())
}

func TestCall_TransientRetriedExactlyMaxAttempts(t *testing.T) {
	m := newTestManager(3, 100)
	calls := 0

	err := m.Call(context.Background(), "svc", func(context.Context) error {
		calls++
		return fmt.Errorf("slow: %w", context.DeadlineExceeded)
	})

	var exhausted *domain.RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, calls, "transient failure must be attempted exactly MaxAttempts times")
}

func TestCall_PermanentAttemptedExactlyOnce(t *testing.T) {
	m := newTestManager(5, 100)
	calls := 0

	err := m.Call(context.Background(), "svc", func(context.Context) error {
		calls++
		return fmt.Errorf("bad input: %w", ErrValidation)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent failure must never be retried")
	var exhausted *domain.RetryExhaustedError
	assert.False(t, errors.As(err, &exhausted), "permanent failures propagate as-is, not as RetryExhausted")
}

func TestCall_SucceedsAfterTransientBlip(t *testing.T) {
	m := newTestManager(3, 100)
	calls := 0

	err := m.Call(context.Background(), "svc", func(context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("publish: %w", syscall.ECONNRESET)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCall_OpenCircuitNeverReachesDownstream(t *testing.T) {
	m := newTestManager(1, 2)
	boom := fmt.Errorf("down: %w", context.DeadlineExceeded)

	// Two transient failures trip the breaker (threshold=2, one attempt each).
	for i := 0; i < 2; i++ {
		_ = m.Call(context.Background(), "svc", func(context.Context) error { return boom })
	}
	require.Equal(t, StateOpen, m.Breaker("svc").State())

	calls := 0
	err := m.Call(context.Background(), "svc", func(context.Context) error {
		calls++
		return nil
	})

	var open *domain.CircuitOpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, 0, calls, "open circuit must fail fast without invoking the operation")
}

func TestCall_PermanentFailuresDoNotTripBreaker(t *testing.T) {
	m := newTestManager(1, 2)
	for i := 0; i < 5; i++ {
		_ = m.Call(context.Background(), "svc", func(context.Context) error {
			return ErrValidation
		})
	}
	assert.Equal(t, StateClosed, m.Breaker("svc").State())
}

func TestCallWithFallback_InvokedOnExhaustion(t *testing.T) {
	m := newTestManager(2, 100)
	fallbackCalls := 0

	err := m.CallWithFallback(context.Background(), "svc",
		func(context.Context) error { return fmt.Errorf("x: %w", context.DeadlineExceeded) },
		func(context.Context) error { fallbackCalls++; return nil },
	)
	require.NoError(t, err)
	assert.Equal(t, 1, fallbackCalls, "fallback runs once after retries are exhausted")
}

func TestCallWithFallback_NotInvokedOnPermanentFailure(t *testing.T) {
	m := newTestManager(2, 100)
	fallbackCalls := 0

	err := m.CallWithFallback(context.Background(), "svc",
		func(context.Context) error { return ErrNotFound },
		func(context.Context) error { fallbackCalls++; return nil },
	)
	require.Error(t, err)
	assert.Equal(t, 0, fallbackCalls)
}
