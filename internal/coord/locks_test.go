package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

func TestLockAcquireDefaultTTL(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{LockTTL: 2 * time.Minute})
	ctx := context.Background()

	res, err := c.Locks.Acquire(ctx, "build/main", "s1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Acquired {
		t.Fatal("expected acquisition")
	}
	if res.Remaining != 2*time.Minute {
		t.Fatalf("remaining = %v, want configured default", res.Remaining)
	}
}

func TestLockConflictReportsHolder(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	if _, err := c.Locks.Acquire(ctx, "res", "s1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	res, err := c.Locks.Acquire(ctx, "res", "s2", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Acquired {
		t.Fatal("conflicting acquire must not win")
	}
	if res.Holder != "s1" {
		t.Fatalf("holder = %q, want s1", res.Holder)
	}
}

func TestLockExpiryFreesResource(t *testing.T) {
	c, now := newTestCoordinator(t, Config{})
	ctx := context.Background()

	if _, err := c.Locks.Acquire(ctx, "res", "s1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	*now = now.Add(2 * time.Minute)

	res, err := c.Locks.Acquire(ctx, "res", "s2", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Acquired {
		t.Fatal("lapsed lock should be claimable")
	}

	status, err := c.Locks.IsHeld(ctx, "res")
	if err != nil {
		t.Fatalf("isheld: %v", err)
	}
	if !status.Held || status.Holder != "s2" {
		t.Fatalf("status = %+v", status)
	}
}

func TestLockRefreshExtends(t *testing.T) {
	c, now := newTestCoordinator(t, Config{})
	ctx := context.Background()

	if _, err := c.Locks.Acquire(ctx, "res", "s1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	*now = now.Add(30 * time.Second)

	res, err := c.Locks.Refresh(ctx, "res", "s1", 5*time.Minute)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !res.Refreshed {
		t.Fatalf("refresh rejected: %+v", res)
	}

	status, err := c.Locks.IsHeld(ctx, "res")
	if err != nil {
		t.Fatalf("isheld: %v", err)
	}
	if status.Remaining != 5*time.Minute {
		t.Fatalf("remaining = %v, want 5m", status.Remaining)
	}
}

func TestWithLockRunsAndReleases(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	ran := false
	err := c.Locks.WithLock(ctx, "res", "s1", time.Minute, func(context.Context) error {
		ran = true
		status, err := c.Locks.IsHeld(ctx, "res")
		if err != nil {
			return err
		}
		if !status.Held || status.Holder != "s1" {
			t.Fatalf("lock not held inside fn: %+v", status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withlock: %v", err)
	}
	if !ran {
		t.Fatal("fn not invoked")
	}

	status, err := c.Locks.IsHeld(ctx, "res")
	if err != nil {
		t.Fatalf("isheld: %v", err)
	}
	if status.Held {
		t.Fatal("lock still held after WithLock returned")
	}
}

func TestWithLockContention(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	if _, err := c.Locks.Acquire(ctx, "res", "s1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err := c.Locks.WithLock(ctx, "res", "s2", time.Minute, func(context.Context) error {
		t.Fatal("fn must not run on contention")
		return nil
	})
	if !errors.Is(err, core.ErrLockNotAcquired) {
		t.Fatalf("err = %v, want ErrLockNotAcquired", err)
	}

	// The original holder keeps the lock.
	status, err := c.Locks.IsHeld(ctx, "res")
	if err != nil {
		t.Fatalf("isheld: %v", err)
	}
	if status.Holder != "s1" {
		t.Fatalf("holder = %q", status.Holder)
	}
}

func TestWithLockPropagatesErrorAndReleases(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	boom := errors.New("boom")
	err := c.Locks.WithLock(ctx, "res", "s1", time.Minute, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	status, err := c.Locks.IsHeld(ctx, "res")
	if err != nil {
		t.Fatalf("isheld: %v", err)
	}
	if status.Held {
		t.Fatal("lock leaked after fn error")
	}
}

func TestLockCleanupExpired(t *testing.T) {
	c, now := newTestCoordinator(t, Config{})
	ctx := context.Background()

	if _, err := c.Locks.Acquire(ctx, "a", "s1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := c.Locks.Acquire(ctx, "b", "s1", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	*now = now.Add(10 * time.Minute)

	n, err := c.Locks.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned = %d, want 1", n)
	}
}
