package orchestrator

import (
	"sync"
	"time"
)

// CircuitState represents the state of a per-model circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the cool-down elapses.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
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

// CircuitBreaker gates calls to one model based on consecutive failures.
// It opens after Threshold consecutive failures, stays open for CoolDown,
// then allows a single probe; probe success closes it, probe failure
// re-opens it.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	coolDown  time.Duration
	now       func() time.Time

	state         CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker builds a breaker with the given threshold and cool-down.
// Non-positive values fall back to the defaults (5 failures, 300s).
func NewCircuitBreaker(threshold int, coolDown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 300 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
		state:     StateClosed,
	}
}

// Allow reports whether a call may proceed. When the cool-down of an open
// breaker has elapsed, the first caller is granted the half-open probe;
// concurrent callers are rejected until the probe resolves.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the breaker to closed.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
}

// RecordFailure counts a failure and opens the breaker when the threshold
// is reached. A failed half-open probe re-opens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		b.probeInFlight = false
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current state, accounting for an elapsed cool-down.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
}

// breakerSet holds one breaker per model name.
type breakerSet struct {
	mu        sync.Mutex
	threshold int
	coolDown  time.Duration
	breakers  map[string]*CircuitBreaker
}

func newBreakerSet(threshold int, coolDown time.Duration) *breakerSet {
	return &breakerSet{
		threshold: threshold,
		coolDown:  coolDown,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

func (s *breakerSet) forModel(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[name]
	if !ok {
		b = NewCircuitBreaker(s.threshold, s.coolDown)
		s.breakers[name] = b
	}
	return b
}

func (s *breakerSet) states() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State().String()
	}
	return out
}
