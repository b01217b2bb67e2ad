// Package resilience provides the circuit breaker, backoff policy and error
// taxonomy used to pace requests against a rate-limited remote archive.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/addrfeat-cli/internal/model"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures. Requests are rejected until the
	// cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen allows a single trial request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ParseCircuitState is the inverse of CircuitState.String. Unknown or empty
// values map to closed.
func ParseCircuitState(s string) CircuitState {
	switch s {
	case "open":
		return CircuitOpen
	case "half-open":
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures (rate limited or
	// transient) before opening the circuit. Default: 10.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before the first trial
	// request. Default: 2m.
	Cooldown time.Duration

	// CooldownMultiplier extends the cooldown each time a trial fails.
	// Must be > 1. Default: 2.
	CooldownMultiplier float64

	// MaxCooldown caps the extended cooldown. Default: 30m.
	MaxCooldown time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:   10,
		Cooldown:           2 * time.Minute,
		CooldownMultiplier: 2,
		MaxCooldown:        30 * time.Minute,
	}
}

// CircuitBreaker guards the remote source as a whole. Failures are counted
// across items, not per item.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	trips               int
	trialInFlight       bool

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.CooldownMultiplier <= 1 {
		cfg.CooldownMultiplier = def.CooldownMultiplier
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = max(def.MaxCooldown, cfg.Cooldown)
	}
	return &CircuitBreaker{
		cfg:      cfg,
		state:    CircuitClosed,
		cooldown: cfg.Cooldown,
		nowFunc:  time.Now,
	}
}

// SetClock replaces the time source. Intended for callers that simulate time.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.nowFunc = now
}

// Allow reports whether a request may be made now. An open circuit whose
// cooldown has elapsed moves to half-open and admits exactly one trial.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		remaining := cb.remainingLocked()
		if remaining > 0 {
			return &CircuitOpenError{Remaining: remaining, Failures: cb.consecutiveFailures, Trips: cb.trips}
		}
		cb.state = CircuitHalfOpen
		cb.trialInFlight = true
		return nil
	case CircuitHalfOpen:
		if cb.trialInFlight {
			return &CircuitOpenError{Failures: cb.consecutiveFailures, Trips: cb.trips}
		}
		cb.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of one attempt into the breaker. A fatal outcome
// says nothing about the remote source: it leaves the failure streak and the
// state untouched and only releases a half-open trial slot.
func (cb *CircuitBreaker) Record(outcome model.Outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false

	if outcome == model.OutcomeFatal {
		return
	}

	if !outcome.IsFailure() {
		cb.consecutiveFailures = 0
		if cb.state == CircuitHalfOpen {
			cb.cooldown = cb.cfg.Cooldown
			cb.trips = 0
			cb.openedAt = time.Time{}
			cb.state = CircuitClosed
		}
		return
	}

	cb.consecutiveFailures++

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		// A failed trial reopens with a longer cooldown.
		next := time.Duration(float64(cb.cooldown) * cb.cfg.CooldownMultiplier)
		if next > cb.cfg.MaxCooldown {
			next = cb.cfg.MaxCooldown
		}
		cb.cooldown = next
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.nowFunc()
	cb.trips++
	cb.state = CircuitOpen
}

// State returns the current circuit state. An open circuit whose cooldown has
// elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.remainingLocked() <= 0 {
		return CircuitHalfOpen
	}
	return cb.state
}

// Remaining returns how long until an open circuit admits a trial.
func (cb *CircuitBreaker) Remaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return 0
	}
	return max(cb.remainingLocked(), 0)
}

// Cooldown returns the cooldown the circuit uses the next time it is open.
func (cb *CircuitBreaker) Cooldown() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.cooldown
}

func (cb *CircuitBreaker) remainingLocked() time.Duration {
	return cb.openedAt.Add(cb.cooldown).Sub(cb.nowFunc())
}

// Reset forces the circuit back to closed state. Useful for testing or
// manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.cooldown = cb.cfg.Cooldown
	cb.trips = 0
	cb.trialInFlight = false
	cb.openedAt = time.Time{}
	cb.state = CircuitClosed
}

// Counters returns the current failure count, the raw state and the number of
// consecutive trips for observability.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState, trips int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state, cb.trips
}

// Snapshot captures the breaker state for persistence.
func (cb *CircuitBreaker) Snapshot() model.CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := model.CircuitSnapshot{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		Cooldown:            cb.cooldown,
		Trips:               cb.trips,
	}
	if !cb.openedAt.IsZero() {
		at := cb.openedAt.UTC()
		snap.OpenedAt = &at
	}
	return snap
}

// Restore loads a persisted snapshot. An open circuit keeps its original
// opening time, so the remaining cooldown carries across restarts. A
// half-open snapshot (trial interrupted) is restored as open with its
// cooldown already elapsed.
func (cb *CircuitBreaker) Restore(snap model.CircuitSnapshot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = snap.ConsecutiveFailures
	cb.trips = snap.Trips
	cb.trialInFlight = false
	cb.cooldown = cb.cfg.Cooldown
	if snap.Cooldown > 0 {
		cb.cooldown = min(snap.Cooldown, cb.cfg.MaxCooldown)
	}
	cb.openedAt = time.Time{}
	if snap.OpenedAt != nil {
		cb.openedAt = *snap.OpenedAt
	}

	switch ParseCircuitState(snap.State) {
	case CircuitOpen, CircuitHalfOpen:
		if cb.openedAt.IsZero() {
			cb.openedAt = cb.nowFunc().Add(-cb.cooldown)
		}
		cb.state = CircuitOpen
	default:
		cb.state = CircuitClosed
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitOpenError reports that the remote source appears unavailable.
type CircuitOpenError struct {
	Remaining time.Duration
	Failures  int
	Trips     int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("remote source appears unavailable: circuit open after %d consecutive failures (trips=%d, retry in %s)",
		e.Failures, e.Trips, e.Remaining.Round(time.Second))
}

// Is makes errors.Is(err, ErrCircuitOpen) match.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}
