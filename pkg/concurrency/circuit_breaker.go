package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed indicates the circuit is closed and invocations are allowed
	StateClosed CircuitBreakerState = 0

	// StateOpen indicates the circuit is open and invocations are blocked
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen indicates the circuit is testing if it should close
	StateHalfOpen CircuitBreakerState = 2
)

// halfOpenSuccesses is the number of consecutive successes in half-open
// state required to close the circuit again.
const halfOpenSuccesses = 3

// CircuitBreaker sheds bridge load when the automated application is
// failing every script, giving it time to recover instead of queueing work
// against a wedged process.
type CircuitBreaker struct {
	state                int32 // atomic: CircuitBreakerState
	consecutiveFailures  int64 // atomic
	consecutiveSuccesses int64 // atomic
	failureThreshold     int64
	resetTimeout         time.Duration
	lastFailureTime      int64 // atomic: Unix nano timestamp
	mu                   sync.Mutex
}

// NewCircuitBreaker creates a breaker with the specified threshold and reset timeout
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		state:            int32(StateClosed),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen returns true if the breaker is currently blocking invocations
func (cb *CircuitBreaker) IsOpen() bool {
	state := CircuitBreakerState(atomic.LoadInt32(&cb.state))

	if state == StateOpen {
		lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
		if lastFailure > 0 && time.Since(time.Unix(0, lastFailure)) > cb.resetTimeout {
			cb.transitionTo(StateHalfOpen)
			return false
		}
		return true
	}

	return false
}

// RecordSuccess records a successful bridge invocation
func (cb *CircuitBreaker) RecordSuccess() {
	state := CircuitBreakerState(atomic.LoadInt32(&cb.state))

	atomic.StoreInt64(&cb.consecutiveFailures, 0)

	if state == StateHalfOpen {
		successes := atomic.AddInt64(&cb.consecutiveSuccesses, 1)
		if successes >= halfOpenSuccesses {
			cb.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed bridge invocation
func (cb *CircuitBreaker) RecordFailure() {
	state := CircuitBreakerState(atomic.LoadInt32(&cb.state))

	atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())

	failures := atomic.AddInt64(&cb.consecutiveFailures, 1)

	if state == StateClosed && failures >= cb.failureThreshold {
		cb.transitionTo(StateOpen)
	} else if state == StateHalfOpen {
		// Any failure in half-open state reopens the circuit
		cb.transitionTo(StateOpen)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// Reset returns the breaker to the closed state and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(StateClosed)
	atomic.StoreInt64(&cb.consecutiveFailures, 0)
	atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt64(&cb.lastFailureTime, 0)
}

// transitionTo transitions the breaker to a new state
func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := CircuitBreakerState(atomic.LoadInt32(&cb.state))
	if oldState == newState {
		return
	}

	atomic.StoreInt32(&cb.state, int32(newState))

	switch newState {
	case StateClosed:
		atomic.StoreInt64(&cb.consecutiveFailures, 0)
		atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	case StateHalfOpen:
		atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
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
