package scheduler

import (
	"sync"
	"time"
)

// CircuitState is the breaker's current posture.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

// CircuitBreaker gates hydration against a misbehaving store, reused
// in shape from FluxForge's scheduler.CircuitBreaker: closed/half-open/
// open with a cooldown and a half-open test quota.
type CircuitBreaker struct {
	mu sync.Mutex

	state          CircuitState
	failureThresh  int
	cooldown       time.Duration
	testLimit      int
	consecutiveErr int
	openedAt       time.Time
	testCount      int
}

func NewCircuitBreaker(failureThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:         CircuitClosed,
		failureThresh: failureThreshold,
		cooldown:      30 * time.Second,
		testLimit:     5,
	}
}

// Allow reports whether a hydration attempt should proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if cb.testCount >= cb.testLimit {
			return false
		}
		cb.testCount++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveErr = 0
	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveErr++
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
		return
	}
	if cb.consecutiveErr >= cb.failureThresh {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
