package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

// Locks provides mutual-exclusion leases over named resources. Acquisition
// never blocks: a conflicting holder produces an immediate result value, and
// the only involuntary release is TTL lapse.
type Locks struct {
	c *Coordinator
}

// Acquire takes or extends the lease on resource. A ttl of zero selects the
// configured default; a negative ttl writes an already-lapsed lease, which
// stays briefly visible until the next read or sweep.
func (l *Locks) Acquire(ctx context.Context, resource, sessionID string, ttl time.Duration) (core.LockResult, error) {
	return l.c.store.AcquireLock(ctx, resource, sessionID, l.ttl(ttl))
}

// Release deletes the lock only if held by sessionID. Releasing an absent
// lock is a success: "released" and "not held" agree.
func (l *Locks) Release(ctx context.Context, resource, sessionID string) (bool, error) {
	return l.c.store.ReleaseLock(ctx, resource, sessionID)
}

// Refresh extends the lease only when owned by sessionID.
func (l *Locks) Refresh(ctx context.Context, resource, sessionID string, ttl time.Duration) (core.LockRefreshResult, error) {
	return l.c.store.RefreshLock(ctx, resource, sessionID, l.ttl(ttl))
}

// IsHeld reports live lock status, lazily deleting a lapsed row.
func (l *Locks) IsHeld(ctx context.Context, resource string) (core.LockStatus, error) {
	return l.c.store.IsLockHeld(ctx, resource)
}

// WithLock runs fn while holding resource: acquire or fail fast with
// ErrLockNotAcquired, release on every exit path, and propagate fn's error
// unchanged.
func (l *Locks) WithLock(ctx context.Context, resource, sessionID string, ttl time.Duration, fn func(context.Context) error) error {
	res, err := l.Acquire(ctx, resource, sessionID, ttl)
	if err != nil {
		return fmt.Errorf("acquire %q: %w", resource, err)
	}
	if !res.Acquired {
		return fmt.Errorf("%w: %q held by %s", core.ErrLockNotAcquired, resource, res.Holder)
	}
	defer func() {
		if _, err := l.Release(ctx, resource, sessionID); err != nil {
			l.c.log.Error("withlock release failed", "resource", resource, "err", err)
		}
	}()
	return fn(ctx)
}

// CleanupExpired bulk-deletes lapsed locks and returns the count.
func (l *Locks) CleanupExpired(ctx context.Context) (int, error) {
	return l.c.store.CleanupExpiredLocks(ctx)
}

func (l *Locks) ttl(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return l.c.cfg.LockTTL
	}
	return ttl
}
