package recovery

import (
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker guards one named operation. It opens after Threshold
// consecutive failures, stays open for Timeout, then lets a single trial call
// through.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	trialActive bool
	threshold   int
	timeout     time.Duration
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration, now func() time.Time) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{state: BreakerClosed, threshold: threshold, timeout: timeout, now: now}
}

// Allow checks if the circuit allows the operation
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.timeout {
			cb.state = BreakerHalfOpen
			cb.trialActive = true
			return true
		}
		return false

	case BreakerHalfOpen:
		// one trial call at a time
		if cb.trialActive {
			return false
		}
		cb.trialActive = true
		return true

	default:
		return true
	}
}

// RecordSuccess resets the breaker to closed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trialActive = false
	cb.state = BreakerClosed
}

// RecordFailure counts a failure; a failed trial reopens the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.trialActive = false

	if cb.state == BreakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
	}
}

// abandon releases a half-open trial whose call was cancelled.
func (cb *CircuitBreaker) abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialActive = false
}

// RetryAfter returns how long until an open breaker admits a trial call.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != BreakerOpen {
		return 0
	}
	left := cb.timeout - cb.now().Sub(cb.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
