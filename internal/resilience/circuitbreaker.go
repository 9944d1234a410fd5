// Package resilience provides the provider cool-off breaker and failover
// primitives used by the LLM adapter.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open). The adapter runs one breaker per configured
// provider with MaxFailures=1: a single failure benches the provider for the
// cool-off period, after which exactly one probe call is let through.
// [FallbackGroup] composes the candidates of a quality tier with per-entry
// breakers so a benched provider is bypassed in favour of the next candidate.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCoolingOff is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the cool-off period has not yet elapsed.
var ErrCoolingOff = errors.New("provider is cooling off")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrCoolingOff] until the cool-off elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cool-off. One call is
	// allowed through; success closes the breaker, failure re-opens it.
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
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 1.
	MaxFailures int

	// CoolOff is how long the breaker stays open before transitioning to
	// half-open. Default: 60s.
	CoolOff time.Duration

	// now overrides the clock in tests. Defaults to time.Now.
	now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name        string
	maxFailures int
	coolOff     time.Duration
	now         func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	probing         bool
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 60 * time.Second
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		coolOff:     cfg.CoolOff,
		now:         cfg.now,
		state:       StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCoolingOff] without calling fn. In the half-open state a single probe
// call is permitted at a time.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.coolOff {
			cb.state = StateHalfOpen
			cb.probing = false
			slog.Info("provider cool-off elapsed, probing", "provider", cb.name)
		} else {
			cb.mu.Unlock()
			return ErrCoolingOff
		}
	case StateHalfOpen:
		if cb.probing {
			// Another goroutine holds the probe slot.
			cb.mu.Unlock()
			return ErrCoolingOff
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.probing = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure(inHalfOpen)
	} else {
		cb.recordSuccess(inHalfOpen)
	}
	return err
}

// MarkFailure trips the failure accounting without running a call. Used when
// a failure is detected out of band (e.g. a malformed streaming response).
func (cb *CircuitBreaker) MarkFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recordFailure(cb.state == StateHalfOpen)
}

// Available reports whether a call made now would be forwarded.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.now().Sub(cb.lastFailure) >= cb.coolOff
	default: // half-open
		return !cb.probing
	}
}

// CurrentState returns the breaker's state for introspection and health output.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	cb.lastFailure = cb.now()

	if inHalfOpen {
		cb.state = StateOpen
		cb.probing = false
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("provider probe failed, benched again", "provider", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("provider benched",
			"provider", cb.name,
			"consecutive_failures", cb.consecutiveFail,
			"cool_off", cb.coolOff)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		cb.state = StateClosed
		cb.probing = false
		cb.consecutiveFail = 0
		slog.Info("provider recovered", "provider", cb.name)
		return
	}
	cb.consecutiveFail = 0
}
