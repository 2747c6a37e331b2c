// Package resilience guards every call to an external speech dependency.
//
// The package provides three layers that compose:
//
//   - [CircuitBreaker], a classic three-state breaker (closed → open →
//     half-open) shared by all streams that talk to the same dependency.
//   - [Wrapper], which adds per-call deadlines and retry-with-backoff on top
//     of a breaker and is the call surface the pipeline uses.
//   - [FallbackGroup], which composes multiple instances of a provider type
//     with per-entry breakers so a failing primary is bypassed in favour of
//     healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the wrapped call when the
// breaker is open and the reset timeout has not yet elapsed. Callers route to
// degraded behaviour on this error instead of counting it as an ordinary
// dependency failure.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately with [ErrCircuitOpen] until
	// the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout.
	// Exactly one call is allowed through; its outcome alone decides whether
	// the breaker closes or re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name identifies the guarded dependency ("recognition", "translation",
	// "synthesis"). Used in log messages and transition callbacks.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default: 30s.
	ResetTimeout time.Duration

	// OnStateChange, when non-nil, is invoked after every state transition
	// with the dependency name and both states. It must not block for long.
	// This is the breaker's only coupling to the outside world.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern. One
// instance exists per external dependency, shared across all streams, so a
// consistently failing provider throttles every stream uniformly.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	onStateChange func(name string, from, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	probing         bool // a half-open probe call is in flight
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state exactly one
// probe call is permitted; concurrent callers are rejected until the probe
// resolves.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.setStateLocked(StateHalfOpen)
		cb.probing = true

	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	inHalfOpen := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	if inHalfOpen {
		cb.probing = false
	}
	if err != nil {
		cb.recordFailureLocked(inHalfOpen)
	} else {
		cb.recordSuccessLocked(inHalfOpen)
	}
	cb.mu.Unlock()
	return err
}

// recordFailureLocked handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailureLocked(inHalfOpen bool) {
	cb.lastFailure = time.Now()

	if inHalfOpen {
		// The single probe failed — re-open immediately.
		cb.consecutiveFail = cb.maxFailures
		cb.setStateLocked(StateOpen)
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.setStateLocked(StateOpen)
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccessLocked handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccessLocked(inHalfOpen bool) {
	if inHalfOpen {
		cb.consecutiveFail = 0
		cb.setStateLocked(StateClosed)
		slog.Info("circuit breaker closed after successful probe", "name", cb.name)
		return
	}
	cb.consecutiveFail = 0
}

// setStateLocked transitions to the new state and fires the transition
// callback. Must be called with cb.mu held.
func (cb *CircuitBreaker) setStateLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current [State] of the breaker. If the breaker is open
// and the reset timeout has elapsed, the returned state is [StateHalfOpen]
// (the actual transition happens on the next [CircuitBreaker.Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setStateLocked(StateClosed)
	cb.consecutiveFail = 0
	cb.probing = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
