package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the circuit refuses requests.
var ErrOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Circuit is open, requests fail immediately
	StateHalfOpen                     // One trial request is allowed through
)

func (s CircuitState) String() string {
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

// CircuitBreaker short-circuits calls to a dependency after repeated failures.
// It never retries; callers decide what a refused call means.
type CircuitBreaker struct {
	name         string
	maxFailures  int           // Consecutive failures before opening circuit
	resetTimeout time.Duration // Time to wait before allowing a trial request

	mu           sync.Mutex
	state        CircuitState
	failureCount int
	lastFailTime time.Time
	probing      bool
	onChange     func(name string, state CircuitState)
	onFailure    func(name string)
	now          func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker. maxFailures below 1 is treated as 1.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// OnStateChange registers a callback invoked (outside the lock) after each transition.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, state CircuitState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// OnFailure registers a callback invoked (outside the lock) for every recorded failure.
func (cb *CircuitBreaker) OnFailure(fn func(name string)) {
	cb.mu.Lock()
	cb.onFailure = fn
	cb.mu.Unlock()
}

// Call executes fn with circuit breaker protection
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		return ErrOpen
	}

	err := fn()
	cb.RecordResult(err == nil)
	return err
}

// allowRequest checks if a request should be allowed
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return true

	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) < cb.resetTimeout {
			cb.mu.Unlock()
			return false
		}
		cb.probing = true
		notify := cb.transition(StateHalfOpen)
		cb.mu.Unlock()
		notify()
		return true

	case StateHalfOpen:
		// Only one trial request at a time
		if cb.probing {
			cb.mu.Unlock()
			return false
		}
		cb.probing = true
		cb.mu.Unlock()
		return true
	}

	cb.mu.Unlock()
	return false
}

// RecordResult records the result of a request (public method for manual recording)
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()

	notify := func() {}
	var failed func(string)
	if success {
		cb.failureCount = 0
		if cb.state != StateClosed {
			notify = cb.transition(StateClosed)
		}
	} else {
		cb.failureCount++
		cb.lastFailTime = cb.now()
		failed = cb.onFailure
		if cb.state == StateHalfOpen || cb.failureCount >= cb.maxFailures {
			if cb.state != StateOpen {
				notify = cb.transition(StateOpen)
			}
		}
	}
	cb.probing = false

	cb.mu.Unlock()
	if failed != nil {
		failed(cb.name)
	}
	notify()
}

// transition must be called with mu held; the returned func fires the callback.
func (cb *CircuitBreaker) transition(to CircuitState) func() {
	cb.state = to
	fn := cb.onChange
	name := cb.name
	if fn == nil {
		return func() {}
	}
	return func() { fn(name, to) }
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transition(StateClosed)
	cb.failureCount = 0
	cb.probing = false
	cb.mu.Unlock()
	notify()
}
