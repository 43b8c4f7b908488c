// Package resilience guards calls to local daemons that may be down.
//
// The breaker trips after consecutive failures so that periodic work fails
// fast instead of waiting on a dead service every tick:
//
//	Closed (normal) -> Open (failing) -> HalfOpen (trial) -> Closed
//	                     ^                    |
//	                     +--------------------+ (trial failed)
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	apperrors "github.com/meshpay/meshd/lib/errors"
	"github.com/meshpay/meshd/lib/metrics"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = apperrors.ErrCircuitOpen

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of trial calls through.
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

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before letting trial calls through.
	Timeout time.Duration
	// MaxHalfOpenRequests caps concurrent trials.
	MaxHalfOpenRequests int
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// DefaultCircuitBreakerConfig returns defaults suited to a daemon polled
// every few seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	clock  clock.Clock
	name   string

	state                CircuitState
	failureCount         int
	successCount         int
	halfOpenRequestCount int

	lastStateChange time.Time
	openedAt        time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaults.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxHalfOpenRequests <= 0 {
		cfg.MaxHalfOpenRequests = defaults.MaxHalfOpenRequests
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	metrics.CircuitState.WithLabelValues(name).Set(float64(CircuitClosed))

	return &CircuitBreaker{
		config:          cfg,
		clock:           clk,
		name:            name,
		state:           CircuitClosed,
		lastStateChange: clk.Now(),
	}
}

// State returns the current circuit state. An open circuit whose timeout
// has elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.clock.Since(cb.openedAt) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.clock.Since(cb.openedAt) >= cb.config.Timeout {
			cb.transitionTo(CircuitHalfOpen)
			cb.halfOpenRequestCount = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.halfOpenRequestCount < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequestCount++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	case CircuitOpen:
		log.WithField("circuit", cb.name).Warn("success recorded while circuit open")
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

// transitionTo changes the circuit state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.clock.Now()

	switch newState {
	case CircuitClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case CircuitOpen:
		cb.openedAt = cb.lastStateChange
		cb.successCount = 0
		metrics.CircuitTrips.WithLabelValues(cb.name).Inc()
	case CircuitHalfOpen:
		cb.successCount = 0
		cb.halfOpenRequestCount = 0
	}
	metrics.CircuitState.WithLabelValues(cb.name).Set(float64(newState))

	log.WithField("circuit", cb.name).
		WithField("from", oldState.String()).
		WithField("to", newState.String()).
		Info("circuit breaker state transition")
}

// Execute runs fn if the circuit allows it and records the outcome.
// Context cancellation is not counted as a failure of the guarded service.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		metrics.CircuitRejections.WithLabelValues(cb.name).Inc()
		return ErrCircuitOpen
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}
