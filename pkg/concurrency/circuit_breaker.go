package concurrency

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Limiter.Acquire while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState is one of closed, open or half-open
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

const (
	defaultFailureThreshold = 10
	defaultCoolDown         = 30 * time.Second

	// successes needed in half-open before the breaker closes again
	halfOpenSuccesses = 5
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops a process from taking new action requests while
// completing them keeps failing. It opens after threshold consecutive
// failures, lets traffic probe again after coolDown and closes once the
// probes succeed.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int64
	probes    int
	openedAt  time.Time
	threshold int64
	coolDown  time.Duration
	onChange  func(from, to CircuitBreakerState)
	now       func() time.Time
}

// NewCircuitBreaker returns a closed breaker. Zero values select the defaults.
func NewCircuitBreaker(threshold int64, coolDown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if coolDown <= 0 {
		coolDown = defaultCoolDown
	}
	return &CircuitBreaker{threshold: threshold, coolDown: coolDown, now: time.Now}
}

// OnStateChange registers fn to be called after every transition
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// IsOpen reports whether new work must be refused. An open breaker whose
// cool-down has elapsed moves to half-open and admits work again.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return false
	}
	if cb.now().Sub(cb.openedAt) < cb.coolDown {
		cb.mu.Unlock()
		return true
	}
	notify := cb.setStateLocked(StateHalfOpen)
	cb.mu.Unlock()
	notify()
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	notify := func() {}
	if cb.state == StateHalfOpen {
		cb.probes++
		if cb.probes >= halfOpenSuccesses {
			notify = cb.setStateLocked(StateClosed)
		}
	}
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	cb.probes = 0
	notify := func() {}
	switch {
	case cb.state == StateHalfOpen:
		notify = cb.setStateLocked(StateOpen)
	case cb.state == StateClosed && cb.failures >= cb.threshold:
		notify = cb.setStateLocked(StateOpen)
	}
	cb.mu.Unlock()
	notify()
}

// State returns the current state without advancing an expired cool-down
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.setStateLocked(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	notify()
}

// setStateLocked switches state and returns the callback to run once the
// lock is released.
func (cb *CircuitBreaker) setStateLocked(to CircuitBreakerState) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	cb.probes = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	fn := cb.onChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}
