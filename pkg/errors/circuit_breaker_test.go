package errors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_Execute(t *testing.T) {
	t.Run("closed state allows requests", func(t *testing.T) {
		cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))

		err := cb.Execute(context.Background(), func() error {
			return nil
		})

		if err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
		if cb.State() != StateClosed {
			t.Errorf("Expected state=closed, got %v", cb.State())
		}
	})

	t.Run("failures open circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(&CircuitBreakerConfig{
			Name:             "test",
			FailureThreshold: 3,
			OpenTimeout:      time.Second,
		})
		ctx := context.Background()
		testErr := errors.New("test error")

		for i := 0; i < 3; i++ {
			cb.Execute(ctx, func() error {
				return testErr
			})
		}

		if cb.State() != StateOpen {
			t.Errorf("Expected state=open after %d failures, got %v", 3, cb.State())
		}

		called := false
		err := cb.Execute(ctx, func() error {
			called = true
			return nil
		})

		if !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("Expected ErrCircuitOpen, got %v", err)
		}
		if called {
			t.Error("Operation should not run while the circuit is open")
		}
		if ClassifyError(err) != CategoryTransient {
			t.Errorf("Expected open circuit to be transient, got %v", ClassifyError(err))
		}
	})

	t.Run("success resets failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(&CircuitBreakerConfig{
			Name:             "test",
			FailureThreshold: 3,
			OpenTimeout:      time.Second,
		})
		ctx := context.Background()
		testErr := errors.New("test error")

		cb.Execute(ctx, func() error { return testErr })
		cb.Execute(ctx, func() error { return testErr })
		cb.Execute(ctx, func() error { return nil })
		cb.Execute(ctx, func() error { return testErr })
		cb.Execute(ctx, func() error { return testErr })

		if cb.State() != StateClosed {
			t.Errorf("Expected state=closed, got %v", cb.State())
		}
	})

	t.Run("half-open closes after enough successes", func(t *testing.T) {
		cb := NewCircuitBreaker(&CircuitBreakerConfig{
			Name:             "test",
			FailureThreshold: 1,
			SuccessThreshold: 2,
			OpenTimeout:      20 * time.Millisecond,
			MaxTrials:        2,
		})
		ctx := context.Background()

		cb.Execute(ctx, func() error { return errors.New("boom") })
		if cb.State() != StateOpen {
			t.Fatalf("Expected state=open, got %v", cb.State())
		}

		time.Sleep(30 * time.Millisecond)

		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("Expected trial to be allowed, got %v", err)
		}
		if cb.State() != StateHalfOpen {
			t.Errorf("Expected state=half-open after one trial, got %v", cb.State())
		}

		cb.Execute(ctx, func() error { return nil })
		if cb.State() != StateClosed {
			t.Errorf("Expected state=closed, got %v", cb.State())
		}
	})

	t.Run("failed trial reopens circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(&CircuitBreakerConfig{
			Name:             "test",
			FailureThreshold: 1,
			SuccessThreshold: 2,
			OpenTimeout:      20 * time.Millisecond,
		})
		ctx := context.Background()

		cb.Execute(ctx, func() error { return errors.New("boom") })
		time.Sleep(30 * time.Millisecond)
		cb.Execute(ctx, func() error { return errors.New("still down") })

		if cb.State() != StateOpen {
			t.Errorf("Expected state=open, got %v", cb.State())
		}
	})
}

func TestCircuitBreaker_AllowRecord(t *testing.T) {
	t.Run("trials are bounded while half-open", func(t *testing.T) {
		cb := NewCircuitBreaker(&CircuitBreakerConfig{
			Name:             "async",
			FailureThreshold: 1,
			SuccessThreshold: 1,
			OpenTimeout:      10 * time.Millisecond,
			MaxTrials:        1,
		})

		if err := cb.Allow(); err != nil {
			t.Fatalf("Expected closed circuit to allow, got %v", err)
		}
		cb.Record(errors.New("send failed"))

		time.Sleep(20 * time.Millisecond)

		if err := cb.Allow(); err != nil {
			t.Fatalf("Expected first trial to be allowed, got %v", err)
		}
		// The trial is still in flight
		if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("Expected second trial to be rejected, got %v", err)
		}

		cb.Record(nil)
		if cb.State() != StateClosed {
			t.Errorf("Expected state=closed after trial succeeded, got %v", cb.State())
		}
		if err := cb.Allow(); err != nil {
			t.Errorf("Expected closed circuit to allow, got %v", err)
		}
	})

	t.Run("outcomes may arrive out of order", func(t *testing.T) {
		cb := NewCircuitBreaker(&CircuitBreakerConfig{
			Name:             "async",
			FailureThreshold: 2,
			OpenTimeout:      time.Second,
		})

		for i := 0; i < 3; i++ {
			if err := cb.Allow(); err != nil {
				t.Fatalf("Expected allow %d to succeed, got %v", i, err)
			}
		}

		cb.Record(errors.New("first"))
		cb.Record(errors.New("second"))
		if cb.State() != StateOpen {
			t.Fatalf("Expected state=open, got %v", cb.State())
		}

		// A late success from a send admitted before the circuit opened
		cb.Record(nil)
		if cb.State() != StateOpen {
			t.Errorf("Expected late success to leave circuit open, got %v", cb.State())
		}
	})
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		OpenTimeout:      time.Hour,
	})
	ctx := context.Background()

	cb.Execute(ctx, func() error { return errors.New("a") })
	cb.Execute(ctx, func() error { return errors.New("b") })
	if cb.State() != StateOpen {
		t.Fatalf("Expected state=open, got %v", cb.State())
	}

	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("Expected state=closed after reset, got %v", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Expected allow after reset, got %v", err)
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "stats",
		FailureThreshold: 2,
		OpenTimeout:      time.Hour,
	})
	ctx := context.Background()

	cb.Execute(ctx, func() error { return nil })
	cb.Execute(ctx, func() error { return errors.New("a") })
	cb.Execute(ctx, func() error { return errors.New("b") })
	cb.Execute(ctx, func() error { return nil })

	stats := cb.Stats()
	if stats.Name != "stats" {
		t.Errorf("Expected name=stats, got %s", stats.Name)
	}
	if stats.State != StateOpen {
		t.Errorf("Expected state=open, got %v", stats.State)
	}
	if stats.TotalAllowed != 3 {
		t.Errorf("Expected 3 allowed, got %d", stats.TotalAllowed)
	}
	if stats.TotalRejected != 1 {
		t.Errorf("Expected 1 rejected, got %d", stats.TotalRejected)
	}
	if stats.TotalFailures != 2 {
		t.Errorf("Expected 2 failures, got %d", stats.TotalFailures)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	transitions := make(chan [2]CircuitState, 4)
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "callback",
		FailureThreshold: 1,
		OpenTimeout:      time.Hour,
		OnStateChange: func(name string, from, to CircuitState) {
			if name != "callback" {
				t.Errorf("Expected name=callback, got %s", name)
			}
			transitions <- [2]CircuitState{from, to}
		},
	})

	cb.Execute(context.Background(), func() error { return errors.New("boom") })

	select {
	case got := <-transitions:
		if got[0] != StateClosed || got[1] != StateOpen {
			t.Errorf("Expected closed->open, got %v->%v", got[0], got[1])
		}
	case <-time.After(time.Second):
		t.Fatal("Expected state change callback")
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state    CircuitState
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}
