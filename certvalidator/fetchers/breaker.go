package fetchers

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrCircuitOpen is returned for calls rejected by an open circuit.
// It is retryable: the service may recover.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the state of one circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns a string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the consecutive-success count in half-open that
	// closes the circuit. Default: 2.
	SuccessThreshold int

	// ResetTimeout is how long an open circuit waits before admitting
	// trial calls. Default: 60 seconds.
	ResetTimeout time.Duration

	// MaxTrialCalls caps concurrent trial calls while half-open.
	// Default: 3.
	MaxTrialCalls int

	// Clock is the time source. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
		MaxTrialCalls:    3,
	}
}

// CircuitBreaker isolates one external service. Five consecutive failures
// open the circuit; after the reset timeout trial calls are admitted, and
// two consecutive successes close it again. Any failure while half-open
// reopens it and restarts the timer.
type CircuitBreaker struct {
	mu sync.Mutex

	config *BreakerConfig
	clock  clockwork.Clock

	state      CircuitState
	failures   int
	successes  int
	trials     int
	openedAt   time.Time
	lastChange time.Time
}

// NewCircuitBreaker creates a breaker. A nil config selects defaults.
func NewCircuitBreaker(config *BreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{
		config:     config,
		clock:      clock,
		state:      CircuitClosed,
		lastChange: clock.Now(),
	}
}

// Snapshot is a point-in-time view of breaker state.
type Snapshot struct {
	State           CircuitState
	Failures        int
	Successes       int
	LastStateChange time.Time
}

// State returns the current state, accounting for reset-timeout expiry.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastStateChange: cb.lastChange,
	}
}

// Allow reports whether a call may proceed, reserving a trial slot when the
// breaker is half-open. Every admitted call must be followed by exactly one
// RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.clock.Since(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transition(CircuitHalfOpen)
			cb.successes = 0
			cb.trials = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.trials >= cb.config.MaxTrialCalls {
			return false
		}
		cb.trials++
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		if cb.trials > 0 {
			cb.trials--
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
			cb.failures = 0
			cb.successes = 0
			cb.trials = 0
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	case CircuitHalfOpen:
		// A failed trial reopens immediately and restarts the timer.
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.transition(CircuitOpen)
	cb.openedAt = cb.clock.Now()
	cb.successes = 0
	cb.trials = 0
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state != to {
		cb.state = to
		cb.lastChange = cb.clock.Now()
	}
}

// Do runs fn under the breaker. Calls rejected while open fail immediately
// with ErrCircuitOpen and never reach the network.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// BreakerRegistry holds one breaker per named external service, created
// lazily on first use and shared for the process lifetime.
type BreakerRegistry struct {
	mu       sync.Mutex
	config   *BreakerConfig
	breakers map[string]*CircuitBreaker
}

// Service names used by the pipeline.
const (
	ServiceDNS      = "sml-dns"
	ServiceMetadata = "smp-http"
	ServiceOCSP     = "ocsp"
	ServiceCRL      = "crl"
)

// NewBreakerRegistry creates a registry whose breakers share config.
func NewBreakerRegistry(config *BreakerConfig) *BreakerRegistry {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a service, creating it on first use.
func (r *BreakerRegistry) Get(service string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[service]
	if !ok {
		cb = NewCircuitBreaker(r.config)
		r.breakers[service] = cb
	}
	return cb
}

// Do runs fn under the breaker registered for service.
func (r *BreakerRegistry) Do(service string, fn func() error) error {
	if err := r.Get(service).Do(fn); err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return fmt.Errorf("%w: service %s", ErrCircuitOpen, service)
		}
		return err
	}
	return nil
}

// States returns a snapshot of every registered breaker.
func (r *BreakerRegistry) States() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Stats()
	}
	return out
}
