package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Config defines circuit breaker configuration
type Config struct {
	Name string

	// FailureThreshold is the number of failures within FailureWindow that
	// trips the breaker open.
	FailureThreshold int

	// FailureWindow is the sliding window over which failures are counted.
	// Failures older than the window never count.
	FailureWindow time.Duration

	// ResetTimeout is how long the breaker stays open before admitting a
	// single half-open probe.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open probe
	// successes required to close the breaker again.
	SuccessThreshold int

	// OnStateChange is invoked (under no lock) after a state transition.
	OnStateChange func(name string, from State, to State)
}

// Status is a point-in-time snapshot of the breaker.
type Status struct {
	State        State
	FailureCount int
	RetryAfter   time.Duration // remaining open time; zero unless open
}

// CircuitBreaker is a failure-aware gate. All requests should call
// AllowRequest before proceeding and report the outcome through
// RecordSuccess or RecordFailure. The breaker performs no I/O.
type CircuitBreaker struct {
	config Config

	mutex                sync.Mutex
	state                State
	failures             []time.Time
	openedAt             time.Time
	consecutiveSuccesses int
	probeInFlight        bool

	now func() time.Time
}

// New creates a CircuitBreaker in the closed state.
func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// AllowRequest reports whether a request may proceed. It never blocks.
//
// While open, it returns false until ResetTimeout has elapsed; the first
// call after that flips the breaker to half-open and is admitted as the
// single probe. Concurrent callers during the flip are rejected, so a
// recovering dependency never sees a retry storm.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mutex.Lock()

	switch cb.state {
	case StateClosed:
		cb.mutex.Unlock()
		return true

	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.ResetTimeout {
			cb.mutex.Unlock()
			return false
		}
		cb.setStateLocked(StateHalfOpen)
		cb.probeInFlight = true
		cb.notifyStateChange(StateOpen, StateHalfOpen)
		return true

	case StateHalfOpen:
		if cb.probeInFlight {
			cb.mutex.Unlock()
			return false
		}
		cb.probeInFlight = true
		cb.mutex.Unlock()
		return true
	}

	cb.mutex.Unlock()
	return false
}

// RecordSuccess reports a successful request outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()

	if cb.state != StateHalfOpen {
		cb.mutex.Unlock()
		return
	}

	cb.probeInFlight = false
	cb.consecutiveSuccesses++

	if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.setStateLocked(StateClosed)
		cb.notifyStateChange(StateHalfOpen, StateClosed)
		return
	}

	cb.mutex.Unlock()
}

// RecordFailure reports a failed request outcome. Only infrastructure-class
// failures should be recorded; business-level rejections from the remote
// peer are not breaker failures.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()

	switch cb.state {
	case StateClosed:
		now := cb.now()
		cb.failures = append(cb.failures, now)
		cb.pruneLocked(now)

		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.openedAt = now
			cb.setStateLocked(StateOpen)
			cb.notifyStateChange(StateClosed, StateOpen)
			return
		}

	case StateHalfOpen:
		// A single probe failure reopens immediately.
		cb.probeInFlight = false
		cb.openedAt = cb.now()
		cb.setStateLocked(StateOpen)
		cb.notifyStateChange(StateHalfOpen, StateOpen)
		return
	}

	cb.mutex.Unlock()
}

// GetState returns a snapshot of the breaker, including a retry-after
// estimate while open.
func (cb *CircuitBreaker) GetState() Status {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	cb.pruneLocked(now)

	status := Status{
		State:        cb.state,
		FailureCount: len(cb.failures),
	}

	if cb.state == StateOpen {
		remaining := cb.config.ResetTimeout - now.Sub(cb.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		status.RetryAfter = remaining
	}

	return status
}

// pruneLocked drops failure entries older than the sliding window. Caller
// must hold the mutex.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.FailureWindow)
	kept := cb.failures[:0]
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.failures = kept
}

// setStateLocked applies a transition and resets per-state counters. Caller
// must hold the mutex.
func (cb *CircuitBreaker) setStateLocked(state State) {
	cb.state = state

	switch state {
	case StateClosed:
		cb.failures = nil
		cb.consecutiveSuccesses = 0
		cb.probeInFlight = false
	case StateHalfOpen:
		cb.consecutiveSuccesses = 0
	case StateOpen:
		cb.consecutiveSuccesses = 0
		cb.probeInFlight = false
	}
}

// notifyStateChange releases the mutex and fires the state change callback.
// Caller must hold the mutex; it is unlocked on return.
func (cb *CircuitBreaker) notifyStateChange(from, to State) {
	callback := cb.config.OnStateChange
	cb.mutex.Unlock()

	if callback != nil {
		callback(cb.config.Name, from, to)
	}
}
