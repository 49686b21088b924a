package sqlite

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls outright.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker sheds load off a store that keeps erroring. After threshold
// consecutive failures it opens and rejects calls; once resetTimeout has
// elapsed a single probe call is let through, and its outcome decides
// between closing again and another open window.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	nowFunc      func() time.Time
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

// Execute runs fn unless the breaker is rejecting. fn runs outside the lock
// so a slow store call never blocks State or other callers' admission.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if cb.nowFunc().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		// One probe per reset window.
		cb.state = StateHalfOpen
		return true, nil
	default:
		// Half-open: a probe is already in flight.
		return false, ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		if probe {
			cb.state = StateClosed
		}
		cb.failures = 0
		return
	}
	if probe {
		cb.state = StateOpen
		cb.lastFailure = cb.nowFunc()
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = StateOpen
		cb.lastFailure = cb.nowFunc()
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
