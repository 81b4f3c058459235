package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/pkg/retry"
	"github.com/jayusctrojan/Empire-sub006/pkg/telemetry"
)

// RetryConfig holds a service's retry/backoff policy.
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// ServiceConfig is the full resilience profile for one downstream service.
type ServiceConfig struct {
	Breaker BreakerConfig
	Retry   RetryConfig
}

// Config holds defaults plus per-service overrides.
type Config struct {
	Default  ServiceConfig
	Services map[string]ServiceConfig
}

// DefaultConfig returns a conservative profile for services with no override.
func DefaultConfig() Config {
	return Config{
		Default: ServiceConfig{
			Breaker: BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second},
			Retry:   RetryConfig{MaxAttempts: 3, BackoffBase: time.Second, BackoffCap: 30 * time.Second},
		},
	}
}

// Manager wraps every outbound call with a per-service circuit breaker and a
// classified retry policy. Transient failure classes (timeout, rate-limit,
// connection-reset) are retried with capped exponential backoff; permanent
// classes propagate immediately and are attempted exactly once.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager constructs a Manager from config.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.Default.Retry.MaxAttempts <= 0 {
		cfg.Default = DefaultConfig().Default
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Breaker returns the (lazily created) breaker for service.
func (m *Manager) Breaker(service string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[service]; ok {
		return b
	}
	b = NewBreaker(service, m.serviceConfig(service).Breaker, m.logger)
	m.breakers[service] = b
	return b
}

func (m *Manager) serviceConfig(service string) ServiceConfig {
	if sc, ok := m.cfg.Services[service]; ok {
		return sc
	}
	return m.cfg.Default
}

// Call runs op against the named downstream service through its breaker and
// retry policy. It returns nil, the op's error for permanent failures,
// *domain.CircuitOpenError when rejected, or *domain.RetryExhaustedError
// after a transient failure survived every attempt.
func (m *Manager) Call(ctx context.Context, service string, op func(ctx context.Context) error) error {
	br := m.Breaker(service)
	sc := m.serviceConfig(service)

	err := retry.Do(ctx, retry.Config{
		MaxAttempts: sc.Retry.MaxAttempts,
		BaseDelay:   sc.Retry.BackoffBase,
		MaxDelay:    sc.Retry.BackoffCap,
		RetryIf: func(err error) bool {
			var open *domain.CircuitOpenError
			if errors.As(err, &open) {
				return false
			}
			return Classify(err).Transient()
		},
		OnRetry: func(attempt int, err error) {
			telemetry.CircuitRetries.WithLabelValues(service).Inc()
			m.logger.Warn("downstream call failed, retrying",
				slog.String("service", service),
				slog.Int("attempt", attempt),
				slog.String("class", Classify(err).String()),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		if err := br.Allow(); err != nil {
			telemetry.CircuitRejections.WithLabelValues(service).Inc()
			return err
		}
		err := op(ctx)
		if err == nil {
			br.RecordSuccess()
			return nil
		}
		// Permanent classes are caller bugs, not service health signals;
		// only transient failures count toward opening the circuit.
		if Classify(err).Transient() {
			br.RecordFailure()
		}
		return err
	})
	if err == nil {
		return nil
	}

	var open *domain.CircuitOpenError
	if errors.As(err, &open) {
		return err
	}
	if !Classify(err).Transient() {
		return err
	}

	telemetry.CircuitRetriesExhausted.WithLabelValues(service).Inc()
	m.logger.Error("retries exhausted",
		slog.String("service", service),
		slog.Int("attempts", sc.Retry.MaxAttempts),
		slog.String("error", err.Error()),
	)
	return &domain.RetryExhaustedError{Service: service, Attempts: sc.Retry.MaxAttempts, Err: err}
}

// CallWithFallback behaves like Call but invokes fallback once when the
// primary path is exhausted (or rejected by an open circuit), keeping the
// pipeline degraded but operational.
func (m *Manager) CallWithFallback(ctx context.Context, service string, op, fallback func(ctx context.Context) error) error {
	err := m.Call(ctx, service, op)
	if err == nil {
		return nil
	}

	var exhausted *domain.RetryExhaustedError
	var open *domain.CircuitOpenError
	if !errors.As(err, &exhausted) && !errors.As(err, &open) {
		return err
	}

	telemetry.CircuitFallbacks.WithLabelValues(service).Inc()
	m.logger.Warn("invoking fallback",
		slog.String("service", service),
		slog.String("error", err.Error()),
	)
	if fbErr := fallback(ctx); fbErr != nil {
		return fmt.Errorf("fallback for %s: %w", service, fbErr)
	}
	return nil
}
