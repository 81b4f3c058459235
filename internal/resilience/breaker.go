package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/pkg/telemetry"
)

// State of a circuit breaker. Gauge values match the original monitoring
// convention: 0=closed, 1=half-open, 2=open.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// BreakerConfig holds the per-service thresholds. Values come from
// configuration, not code: lightweight fast-recovering services get short
// timeouts and higher thresholds, heavier ones the opposite.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Breaker is the per-service circuit state machine. The breaker's own mutex
// is the unit of mutual exclusion: state transitions are strictly ordered
// per service.
type Breaker struct {
	service string
	cfg     BreakerConfig
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	probing     bool
}

// NewBreaker creates a closed breaker for the named service.
func NewBreaker(service string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	b := &Breaker{
		service: service,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	telemetry.CircuitState.WithLabelValues(service).Set(float64(StateClosed))
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. While open it fails with
// CircuitOpenError until the recovery timeout elapses, at which point
// exactly one probe call is let through (half-open).
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.openedAt)
		if remaining > 0 {
			return &domain.CircuitOpenError{Service: b.service, RetryAfter: remaining}
		}
		b.transitionLocked(StateHalfOpen)
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			// A probe is already in flight. Reject until it resolves.
			return &domain.CircuitOpenError{Service: b.service, RetryAfter: b.cfg.RecoveryTimeout}
		}
		b.probing = true
		return nil
	}
}

// RecordSuccess notes a successful call and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state == StateHalfOpen {
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure notes a failed call. Reaching the failure threshold opens
// the circuit; a failed half-open probe reopens it and restarts the
// recovery timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		b.openedAt = b.now()
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	telemetry.CircuitState.WithLabelValues(b.service).Set(float64(to))
	telemetry.CircuitStateChanges.WithLabelValues(b.service, from.String(), to.String()).Inc()
	b.logger.Warn("circuit state change",
		slog.String("service", b.service),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("consecutive_failures", b.failures),
	)
}
