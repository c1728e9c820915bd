package circuit

import (
	"sync"
	"time"
)

// Breaker counts consecutive failures of a retried operation and trips once
// the threshold is reached. A threshold of zero or less never trips.
type Breaker struct {
	mu        sync.RWMutex
	threshold int
	failures  int
	trippedAt time.Time
}

// NewBreaker creates a breaker that trips after threshold consecutive failures.
func NewBreaker(threshold int) *Breaker {
	return &Breaker{threshold: threshold}
}

// RecordFailure records a failure. Returns true if this failure tripped the breaker.
func (cb *Breaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.threshold > 0 && cb.failures >= cb.threshold && cb.trippedAt.IsZero() {
		cb.trippedAt = time.Now()
		return true
	}
	return false
}

// Tripped reports whether the failure threshold has been reached since the last Reset.
func (cb *Breaker) Tripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return !cb.trippedAt.IsZero()
}

// TrippedAt returns when the breaker tripped, or the zero time.
func (cb *Breaker) TrippedAt() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return cb.trippedAt
}

// Reset clears the failure count and the tripped state.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trippedAt = time.Time{}
}

// FailureCount returns the number of consecutive failures since the last Reset.
func (cb *Breaker) FailureCount() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return cb.failures
}
