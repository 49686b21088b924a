package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func trip(cb *CircuitBreaker, n int) {
	failing := errors.New("disk I/O error")
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return failing })
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed at start", cb.State())
	}

	trip(cb, 4)
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed below threshold", cb.State())
	}
	trip(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open at threshold", cb.State())
	}
}

func TestBreakerShortCircuitsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(2, 30*time.Second)
	trip(cb, 2)

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("store call ran while breaker open")
	}
}

func TestBreakerProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	trip(cb, 2)

	now = now.Add(2 * time.Minute)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed after good probe", cb.State())
	}
}

func TestBreakerProbeFailureReopensWindow(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	trip(cb, 2)

	now = now.Add(2 * time.Minute)
	trip(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want reopened after failed probe", cb.State())
	}

	// The failed probe restarts the window; no second probe until it lapses.
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen inside fresh window", err)
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)

	trip(cb, 3)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("execute: %v", err)
	}
	trip(cb, 3)
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed: streak broken by a success", cb.State())
	}
}

func TestBreakerConcurrentExecute(t *testing.T) {
	cb := NewCircuitBreaker(1000, 30*time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error { return nil })
			_ = cb.State()
		}()
	}
	wg.Wait()
}

func TestResilientStoreOpensOnDeadStore(t *testing.T) {
	st := NewSQLiteTest(t)
	cb := NewCircuitBreaker(3, 30*time.Second)
	rs := NewResilientWithBreaker(st, cb)
	ctx := context.Background()

	if _, err := rs.AcquireLock(ctx, "file.txt", "s1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Close the handle underneath: every call now fails for real.
	st.Close()
	for i := 0; i < 3; i++ {
		if _, err := rs.CountLocks(ctx); err == nil {
			t.Fatal("count on closed store succeeded")
		}
	}
	if rs.CircuitBreakerState() != "open" {
		t.Fatalf("breaker = %q, want open after repeated store failures", rs.CircuitBreakerState())
	}
	if _, err := rs.CountLocks(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want short-circuit", err)
	}
}
