package sqlite

import (
	"errors"
	"testing"
	"time"
)

var errBusy = errors.New("database is locked (5) (SQLITE_BUSY)")

func noSleep(time.Duration) {}

func TestRetryBusyRecovers(t *testing.T) {
	calls := 0
	err := retryBusy(DefaultRetryConfig(), func() error {
		calls++
		if calls <= 3 {
			return errBusy
		}
		return nil
	}, noSleep)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestRetryBusyPassesThroughOtherErrors(t *testing.T) {
	want := errors.New("UNIQUE constraint failed: task_claims.task_id")
	calls := 0
	err := retryBusy(DefaultRetryConfig(), func() error {
		calls++
		return want
	}, noSleep)
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want constraint error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry)", calls)
	}
}

func TestRetryBusyGivesUp(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := retryBusy(cfg, func() error {
		calls++
		return errBusy
	}, noSleep)
	if !errors.Is(err, errBusy) {
		t.Fatalf("err = %v, want busy error surfaced", err)
	}
	if calls != 1+cfg.MaxRetries {
		t.Fatalf("calls = %d, want %d", calls, 1+cfg.MaxRetries)
	}
}

func TestRetryBusyNoSleepOnSuccess(t *testing.T) {
	slept := false
	err := retryBusy(DefaultRetryConfig(), func() error { return nil }, func(time.Duration) {
		slept = true
	})
	if err != nil || slept {
		t.Fatalf("err = %v, slept = %v", err, slept)
	}
}

func TestBackoffDelayDoublesWithinJitter(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 4, BaseDelay: 10 * time.Millisecond, Jitter: 0.25}
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		base := cfg.BaseDelay << attempt
		ceiling := base + time.Duration(float64(base)*cfg.Jitter)
		for trial := 0; trial < 20; trial++ {
			d := backoffDelay(cfg, attempt)
			if d < base || d > ceiling {
				t.Fatalf("delay(attempt %d) = %v, want within [%v, %v]", attempt, d, base, ceiling)
			}
		}
	}
}

func TestBackoffDelayExactWithoutJitter(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10 * time.Millisecond}
	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
	}
	for attempt, w := range want {
		if d := backoffDelay(cfg, attempt); d != w {
			t.Fatalf("delay(attempt %d) = %v, want %v", attempt, d, w)
		}
	}
}

func TestIsBusy(t *testing.T) {
	if !isBusy(errBusy) {
		t.Fatal("driver busy error not recognized")
	}
	if !isBusy(errors.New("stepping, Database Is Locked")) {
		t.Fatal("busy match should be case-insensitive")
	}
	if isBusy(errors.New("no such table: locks")) {
		t.Fatal("schema error misread as busy")
	}
}
