package sqlite

import (
	"context"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
	"github.com/mistakeknot/arbiter/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker +
// RetryOnDBLock to provide resilience against transient SQLite errors
// (database-is-locked, connection failures, etc.).
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second)}
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *ResilientStore) execute(fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(fn)
	})
}

// Sessions

func (r *ResilientStore) RegisterSession(ctx context.Context, s core.Session) (core.Session, bool, error) {
	var result core.Session
	var rereg bool
	err := r.execute(func() error {
		var innerErr error
		result, rereg, innerErr = r.inner.RegisterSession(ctx, s)
		return innerErr
	})
	return result, rereg, err
}

func (r *ResilientStore) UpdateHeartbeat(ctx context.Context, sessionID string) (bool, error) {
	var result bool
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.UpdateHeartbeat(ctx, sessionID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetSession(ctx context.Context, sessionID string) (core.Session, error) {
	var result core.Session
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.GetSession(ctx, sessionID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListSessions(ctx context.Context) ([]core.Session, error) {
	var result []core.Session
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.ListSessions(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) StaleSessions(ctx context.Context, olderThan time.Time) ([]core.Session, error) {
	var result []core.Session
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.StaleSessions(ctx, olderThan)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) DeregisterSession(ctx context.Context, sessionID string) (core.CascadeResult, error) {
	var result core.CascadeResult
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.DeregisterSession(ctx, sessionID)
		return innerErr
	})
	return result, err
}

// Locks

func (r *ResilientStore) AcquireLock(ctx context.Context, resource, sessionID string, ttl time.Duration) (core.LockResult, error) {
	var result core.LockResult
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.AcquireLock(ctx, resource, sessionID, ttl)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ReleaseLock(ctx context.Context, resource, sessionID string) (bool, error) {
	var result bool
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.ReleaseLock(ctx, resource, sessionID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) RefreshLock(ctx context.Context, resource, sessionID string, ttl time.Duration) (core.LockRefreshResult, error) {
	var result core.LockRefreshResult
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.RefreshLock(ctx, resource, sessionID, ttl)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) IsLockHeld(ctx context.Context, resource string) (core.LockStatus, error) {
	var result core.LockStatus
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.IsLockHeld(ctx, resource)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CountLocks(ctx context.Context) (int, error) {
	var result int
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.CountLocks(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CleanupExpiredLocks(ctx context.Context) (int, error) {
	var result int
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.CleanupExpiredLocks(ctx)
		return innerErr
	})
	return result, err
}

// Claims

func (r *ResilientStore) ClaimTask(ctx context.Context, taskID, sessionID string, ttl time.Duration, metadata string, ancestors []string) (core.ClaimResult, error) {
	var result core.ClaimResult
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.ClaimTask(ctx, taskID, sessionID, ttl, metadata, ancestors)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ReleaseClaim(ctx context.Context, taskID, sessionID string) (core.ReleaseResult, error) {
	var result core.ReleaseResult
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.ReleaseClaim(ctx, taskID, sessionID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) RefreshClaim(ctx context.Context, taskID, sessionID string, ttl time.Duration) (core.RefreshResult, error) {
	var result core.RefreshResult
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.RefreshClaim(ctx, taskID, sessionID, ttl)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetClaim(ctx context.Context, taskID string) (*core.Claim, error) {
	var result *core.Claim
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.GetClaim(ctx, taskID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ActiveClaims(ctx context.Context, sessionID string, includeExpired bool) ([]core.Claim, error) {
	var result []core.Claim
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.ActiveClaims(ctx, sessionID, includeExpired)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ClaimStats(ctx context.Context) (core.ClaimStats, error) {
	var result core.ClaimStats
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.ClaimStats(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) IsTaskReserved(ctx context.Context, taskID string, ancestors []string, excludeSessionID string) (core.ReservedResult, error) {
	var result core.ReservedResult
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.IsTaskReserved(ctx, taskID, ancestors, excludeSessionID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CleanupExpiredClaims(ctx context.Context) ([]core.Claim, error) {
	var result []core.Claim
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.CleanupExpiredClaims(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CleanupOrphanedClaims(ctx context.Context, orphanThreshold time.Duration) ([]core.OrphanedClaim, error) {
	var result []core.OrphanedClaim
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.CleanupOrphanedClaims(ctx, orphanThreshold)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ReleaseSessionClaims(ctx context.Context, sessionID string) ([]core.Claim, error) {
	var result []core.Claim
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.ReleaseSessionClaims(ctx, sessionID)
		return innerErr
	})
	return result, err
}

// Change journal

func (r *ResilientStore) RecordChange(ctx context.Context, e core.ChangeEntry) (int64, error) {
	var result int64
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.RecordChange(ctx, e)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) RecentChanges(ctx context.Context, limit int) ([]core.ChangeEntry, error) {
	var result []core.ChangeEntry
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.RecentChanges(ctx, limit)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ChangesBySession(ctx context.Context, sessionID string, limit int) ([]core.ChangeEntry, error) {
	var result []core.ChangeEntry
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.ChangesBySession(ctx, sessionID, limit)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ChangesByResource(ctx context.Context, resource string, limit int) ([]core.ChangeEntry, error) {
	var result []core.ChangeEntry
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.ChangesByResource(ctx, resource, limit)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) MarkChangeApplied(ctx context.Context, id int64) (bool, error) {
	var result bool
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.MarkChangeApplied(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) PruneOldChanges(ctx context.Context, olderThan time.Time) (int, error) {
	var result int
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.PruneOldChanges(ctx, olderThan)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CountChanges(ctx context.Context) (int, error) {
	var result int
	err := r.execute(func() error {
		var innerErr error
		result, innerErr = r.inner.CountChanges(ctx)
		return innerErr
	})
	return result, err
}

// Close delegates directly to the inner store without CB or retry.
func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
