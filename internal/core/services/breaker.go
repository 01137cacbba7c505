package services

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	// breakerFailureThreshold is the consecutive-failure count that trips
	// the breaker from closed to open.
	breakerFailureThreshold = 5

	// breakerSuccessThreshold is the consecutive-success count that
	// closes the breaker from half-open.
	breakerSuccessThreshold = 3

	// breakerBaseDelay is the initial open duration.
	breakerBaseDelay = 30 * time.Second

	// breakerDelayStep is added per failure beyond the threshold.
	breakerDelayStep = 60 * time.Second

	// breakerMaxDelay caps the open duration.
	breakerMaxDelay = 300 * time.Second

	// breakerHalfOpenDelay is the open duration after a half-open probe fails.
	breakerHalfOpenDelay = 60 * time.Second
)

// CircuitBreaker isolates a failing provider. One instance per provider,
// shared across all concurrent batches for that provider.
//
// Transitions:
//   - closed -> open after breakerFailureThreshold consecutive failures
//   - open -> half-open only via TransitionToHalfOpen once NextAttemptAt
//     has passed
//   - half-open -> closed after breakerSuccessThreshold consecutive successes
//   - half-open -> open on any single failure
type CircuitBreaker struct {
	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	successCount  int
	nextAttemptAt time.Time

	// now is injectable so tests can use a fake clock.
	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker. A nil clock uses time.Now.
func NewCircuitBreaker(clock func() time.Time) *CircuitBreaker {
	if clock == nil {
		clock = time.Now
	}
	return &CircuitBreaker{
		state: BreakerClosed,
		now:   clock,
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NextAttemptAt returns when an open breaker may transition to half-open.
func (b *CircuitBreaker) NextAttemptAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextAttemptAt
}

// ShouldAllowRequest reports whether a request may be attempted.
// False while open, even past NextAttemptAt: the half-open transition
// is explicit so callers control when the probe happens.
func (b *CircuitBreaker) ShouldAllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != BreakerOpen
}

// TransitionToHalfOpen moves an open breaker to half-open once the
// backoff window has elapsed. Returns true if the transition happened.
func (b *CircuitBreaker) TransitionToHalfOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return false
	}
	if b.now().Before(b.nextAttemptAt) {
		return false
	}
	b.state = BreakerHalfOpen
	b.successCount = 0
	return true
}

// RecordSuccess records a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= breakerSuccessThreshold {
			b.state = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// RecordFailure records a failed call (including timeouts and HTTP 429).
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		// A single failed probe reopens with the base half-open backoff.
		b.state = BreakerOpen
		b.failureCount = breakerFailureThreshold
		b.successCount = 0
		b.nextAttemptAt = b.now().Add(breakerHalfOpenDelay)
	default:
		b.failureCount++
		if b.failureCount >= breakerFailureThreshold {
			b.state = BreakerOpen
			b.nextAttemptAt = b.now().Add(b.openDelay())
		}
	}
}

// openDelay grows by breakerDelayStep per failure beyond the threshold,
// capped at breakerMaxDelay. Caller holds the lock.
func (b *CircuitBreaker) openDelay() time.Duration {
	extra := b.failureCount - breakerFailureThreshold
	if extra < 0 {
		extra = 0
	}
	delay := breakerBaseDelay + time.Duration(extra)*breakerDelayStep
	if delay > breakerMaxDelay {
		delay = breakerMaxDelay
	}
	return delay
}
