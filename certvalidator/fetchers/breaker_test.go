package fetchers

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestBreaker(clock clockwork.Clock) *CircuitBreaker {
	config := DefaultBreakerConfig()
	config.Clock = clock
	return NewCircuitBreaker(config)
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	cb := newTestBreaker(clockwork.NewFakeClock())

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if got := cb.State(); got != CircuitClosed {
		t.Errorf("state after 4 failures = %v, want CLOSED", got)
	}
	if !cb.Allow() {
		t.Error("closed breaker rejected a call")
	}
	cb.RecordSuccess()

	// A success resets the consecutive-failure count.
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if got := cb.State(); got != CircuitClosed {
		t.Errorf("state = %v, want CLOSED", got)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(clockwork.NewFakeClock())

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("state after 5 failures = %v, want OPEN", got)
	}

	called := false
	err := cb.Do(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Do on open breaker = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("open breaker invoked the protected function")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	if cb.Allow() {
		t.Fatal("open breaker admitted a call before the reset timeout")
	}

	clock.Advance(60 * time.Second)

	// The first call after the timeout is a trial.
	if !cb.Allow() {
		t.Fatal("breaker rejected the first trial call after the reset timeout")
	}
	if got := cb.State(); got != CircuitHalfOpen {
		t.Fatalf("state after first trial admission = %v, want HALF_OPEN", got)
	}
	cb.RecordSuccess()

	if !cb.Allow() {
		t.Fatal("breaker rejected the second trial call")
	}
	cb.RecordSuccess()

	if got := cb.State(); got != CircuitClosed {
		t.Fatalf("state after 2 trial successes = %v, want CLOSED", got)
	}
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Errorf("Do after recovery = %v, want nil", err)
	}
}

func TestBreakerReopensOnTrialFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(60 * time.Second)

	if !cb.Allow() {
		t.Fatal("breaker rejected the trial call")
	}
	cb.RecordFailure()

	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("state after trial failure = %v, want OPEN", got)
	}

	// The timer restarted, so the old deadline no longer admits calls.
	clock.Advance(30 * time.Second)
	if cb.Allow() {
		t.Error("breaker admitted a call before the restarted timeout elapsed")
	}
	clock.Advance(30 * time.Second)
	if !cb.Allow() {
		t.Error("breaker rejected a call after the restarted timeout elapsed")
	}
}

func TestBreakerCapsTrialCalls(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(60 * time.Second)

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("trial call %d rejected, want 3 admitted", i+1)
		}
	}
	if cb.Allow() {
		t.Error("fourth concurrent trial call admitted, want rejection")
	}

	// Finishing a trial frees its slot.
	cb.RecordSuccess()
	if !cb.Allow() {
		t.Error("breaker rejected a trial call after a slot was freed")
	}
}

func TestBreakerRegistry(t *testing.T) {
	config := DefaultBreakerConfig()
	config.Clock = clockwork.NewFakeClock()
	registry := NewBreakerRegistry(config)

	if registry.Get(ServiceOCSP) != registry.Get(ServiceOCSP) {
		t.Error("registry returned distinct breakers for the same service")
	}
	if registry.Get(ServiceOCSP) == registry.Get(ServiceCRL) {
		t.Error("registry shared one breaker across services")
	}

	for i := 0; i < 5; i++ {
		registry.Get(ServiceOCSP).RecordFailure()
	}
	err := registry.Do(ServiceOCSP, func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Do on open service = %v, want ErrCircuitOpen", err)
	}

	// Other services are unaffected.
	if err := registry.Do(ServiceCRL, func() error { return nil }); err != nil {
		t.Errorf("Do on healthy service = %v, want nil", err)
	}

	states := registry.States()
	if states[ServiceOCSP].State != CircuitOpen {
		t.Errorf("snapshot state = %v, want OPEN", states[ServiceOCSP].State)
	}
	if states[ServiceCRL].State != CircuitClosed {
		t.Errorf("snapshot state = %v, want CLOSED", states[ServiceCRL].State)
	}
}

func TestCircuitStateString(t *testing.T) {
	cases := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "CLOSED"},
		{CircuitOpen, "OPEN"},
		{CircuitHalfOpen, "HALF_OPEN"},
		{CircuitState(99), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("String(%d) = %q, want %q", int(tc.state), got, tc.want)
		}
	}
}
