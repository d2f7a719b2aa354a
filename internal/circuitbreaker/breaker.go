package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Forwarding normally
	StateOpen                  // Failing fast
	StateHalfOpen              // One probe request allowed
)

// StateChangeFunc is called with the breaker name whenever the state changes.
// It runs under the breaker lock and must not call back into the breaker.
type StateChangeFunc func(name string, from, to State)

type CircuitBreaker struct {
	mutex            sync.Mutex
	name             string
	state            State
	failures         int
	lastFailure      time.Time
	probing          bool
	failureThreshold int
	resetTimeout     time.Duration
	onChange         StateChangeFunc
}

// NewCircuitBreaker creates a closed breaker for name. A threshold of zero or
// less disables it: Allow always returns true and the state never changes.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration, onChange StateChangeFunc) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: threshold,
		resetTimeout:     timeout,
		onChange:         onChange,
	}
}

func (cb *CircuitBreaker) Enabled() bool {
	return cb.failureThreshold > 0
}

func (cb *CircuitBreaker) Allow() bool {
	if !cb.Enabled() {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if !cb.Enabled() {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	cb.probing = false

	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.Enabled() {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0
	cb.probing = false
	cb.setState(StateClosed)
}

// Abandon gives back a probe slot without judging the upstream, for requests
// that ended before the upstream answered (client went away).
func (cb *CircuitBreaker) Abandon() {
	if !cb.Enabled() {
		return
	}

	cb.mutex.Lock()
	cb.probing = false
	cb.mutex.Unlock()
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}
