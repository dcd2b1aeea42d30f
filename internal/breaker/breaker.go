// ABOUTME: Per-upstream circuit breaker with CLOSED/OPEN/HALF_OPEN state machine.
// ABOUTME: Only transport-level failures trip the breaker; JSON-RPC error payloads do not.

package breaker

import (
	"sync"
	"time"
)

// State identifies the breaker position.
type State string

const (
	// StateClosed is normal operation, requests flow through.
	StateClosed State = "closed"
	// StateOpen rejects requests until the recovery timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen admits trial calls to test recovery.
	StateHalfOpen State = "half_open"
)

// Defaults match the upstream registry configuration.
const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 30 * time.Second
)

// Breaker guards a single upstream. All methods are safe for concurrent use.
//
// HALF_OPEN admits callers best-effort: every CanExecute in HALF_OPEN returns
// true rather than gating a single trial call. The first recorded outcome
// decides the next state.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	lastFailure time.Time
	lastSuccess time.Time
}

// New creates a breaker in the CLOSED state. Zero values for threshold and
// timeout select the defaults.
func New(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
	}
}

// RecordSuccess resets the breaker to CLOSED and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
	b.lastSuccess = time.Now()
}

// RecordFailure tallies a transport failure. Reaching the threshold opens the
// circuit; a failure in HALF_OPEN re-opens it and restarts the recovery clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.failures++
	b.lastFailure = now

	if b.state == StateHalfOpen || b.failures >= b.failureThreshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// CanExecute reports whether a call may proceed. In OPEN, an elapsed recovery
// timeout transitions to HALF_OPEN and admits the call.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.recoveryTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	default: // StateHalfOpen
		return true
	}
}

// RetryAfter returns how long a rejected caller should wait before retrying.
// Zero when the breaker is not blocking.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.recoveryTimeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
	b.openedAt = time.Time{}
	b.lastFailure = time.Time{}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time snapshot for health and dashboard endpoints.
type Status struct {
	Name             string     `json:"name"`
	State            State      `json:"state"`
	Failures         int        `json:"failures"`
	FailureThreshold int        `json:"failure_threshold"`
	LastFailure      *time.Time `json:"last_failure,omitempty"`
	LastSuccess      *time.Time `json:"last_success,omitempty"`
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Name:             b.name,
		State:            b.state,
		Failures:         b.failures,
		FailureThreshold: b.failureThreshold,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		st.LastFailure = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		st.LastSuccess = &t
	}
	return st
}
