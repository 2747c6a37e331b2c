package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "dep", MaxFailures: 3})

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err = %v, want errBoom", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after %d failures = %v, want open", 3, got)
	}

	// While open, calls are rejected without invoking fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn was invoked while the breaker was open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return errBoom })
		_ = cb.Execute(func() error { return nil })
		_ = cb.Execute(func() error { return errBoom })
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed: interleaved successes must reset the count", got)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 20 * time.Millisecond})
	_ = cb.Execute(func() error { return errBoom })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(30 * time.Millisecond)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state after reset timeout = %v, want half-open", got)
	}

	// Successful probe closes the breaker.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe err = %v, want nil", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after successful probe = %v, want closed", got)
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 20 * time.Millisecond})
	_ = cb.Execute(func() error { return errBoom })
	time.Sleep(30 * time.Millisecond)

	if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want errBoom", err)
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", got)
	}
}

func TestCircuitBreaker_SingleProbeInHalfOpen(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})
	_ = cb.Execute(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	// A second caller during the in-flight probe must be rejected.
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("concurrent probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	wg.Wait()

	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	type transition struct{ from, to State }
	var mu sync.Mutex
	var got []transition

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "dep",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			if name != "dep" {
				t.Errorf("callback name = %q, want dep", name)
			}
			mu.Lock()
			got = append(got, transition{from, to})
			mu.Unlock()
		},
	})

	_ = cb.Execute(func() error { return errBoom }) // closed -> open
	time.Sleep(20 * time.Millisecond)
	_ = cb.Execute(func() error { return nil }) // open -> half-open -> closed

	want := []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(func() error { return errBoom })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after Reset = %v, want closed", got)
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("err after Reset = %v, want nil", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
