package concurrency

import (
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed indicates the circuit is closed and operations are allowed
	StateClosed CircuitBreakerState = iota

	// StateOpen indicates the circuit is open and operations are blocked
	StateOpen

	// StateHalfOpen indicates the circuit lets trial operations through
	StateHalfOpen
)

// DefaultHalfOpenSuccesses is how many trial successes close a half-open circuit
const DefaultHalfOpenSuccesses = 5

// CircuitBreaker stops calls to a failing dependency (blob storage, JetStream
// publishes) until it has had time to recover.
type CircuitBreaker struct {
	mu                   sync.Mutex
	state                CircuitBreakerState
	consecutiveFailures  int64
	consecutiveSuccesses int64
	failureThreshold     int64
	halfOpenSuccesses    int64
	resetTimeout         time.Duration
	lastFailure          time.Time
	now                  func() time.Time
	onStateChange        func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and allows a trial call once resetTimeout has passed.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		state:             StateClosed,
		failureThreshold:  failureThreshold,
		halfOpenSuccesses: DefaultHalfOpenSuccesses,
		resetTimeout:      resetTimeout,
		now:               time.Now,
	}
}

// WithClock replaces the time source; used by tests
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	return cb
}

// WithHalfOpenSuccesses sets how many trial successes close the circuit
func (cb *CircuitBreaker) WithHalfOpenSuccesses(n int64) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if n > 0 {
		cb.halfOpenSuccesses = n
	}
	return cb
}

// OnStateChange registers fn to be called after every state transition.
// fn runs with the breaker lock held and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
	return cb
}

// IsOpen returns true if calls should currently fail fast.
// An open circuit whose reset timeout has elapsed moves to half-open and admits calls.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return false
	}
	if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
		cb.transitionTo(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == StateHalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.halfOpenSuccesses {
			cb.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.lastFailure = cb.now()
	cb.consecutiveFailures++

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// any failure during the trial reopens the circuit
		cb.transitionTo(StateOpen)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetConsecutiveFailures returns the current number of consecutive failures
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
	cb.consecutiveFailures = 0
	cb.lastFailure = time.Time{}
}

// transitionTo must be called with cb.mu held
func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	old := cb.state
	if old == newState {
		return
	}
	cb.state = newState

	switch newState {
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
	case StateHalfOpen:
		cb.consecutiveSuccesses = 0
	}

	if cb.onStateChange != nil {
		cb.onStateChange(old, newState)
	}
}

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
