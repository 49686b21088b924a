package storage

import (
	"context"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

// Store is the persistence contract for the coordination entities. Every
// mutation is a single transactional read-modify-write: two processes racing
// on the same key see exactly one winner, decided by the store, never by
// caller-side check-then-act.
type Store interface {
	// Sessions
	RegisterSession(ctx context.Context, s core.Session) (core.Session, bool, error)
	UpdateHeartbeat(ctx context.Context, sessionID string) (bool, error)
	GetSession(ctx context.Context, sessionID string) (core.Session, error)
	ListSessions(ctx context.Context) ([]core.Session, error)
	StaleSessions(ctx context.Context, olderThan time.Time) ([]core.Session, error)
	DeregisterSession(ctx context.Context, sessionID string) (core.CascadeResult, error)

	// Locks
	AcquireLock(ctx context.Context, resource, sessionID string, ttl time.Duration) (core.LockResult, error)
	ReleaseLock(ctx context.Context, resource, sessionID string) (bool, error)
	RefreshLock(ctx context.Context, resource, sessionID string, ttl time.Duration) (core.LockRefreshResult, error)
	IsLockHeld(ctx context.Context, resource string) (core.LockStatus, error)
	CountLocks(ctx context.Context) (int, error)
	CleanupExpiredLocks(ctx context.Context) (int, error)

	// Claims
	ClaimTask(ctx context.Context, taskID, sessionID string, ttl time.Duration, metadata string, ancestors []string) (core.ClaimResult, error)
	ReleaseClaim(ctx context.Context, taskID, sessionID string) (core.ReleaseResult, error)
	RefreshClaim(ctx context.Context, taskID, sessionID string, ttl time.Duration) (core.RefreshResult, error)
	GetClaim(ctx context.Context, taskID string) (*core.Claim, error)
	ActiveClaims(ctx context.Context, sessionID string, includeExpired bool) ([]core.Claim, error)
	ClaimStats(ctx context.Context) (core.ClaimStats, error)
	IsTaskReserved(ctx context.Context, taskID string, ancestors []string, excludeSessionID string) (core.ReservedResult, error)
	CleanupExpiredClaims(ctx context.Context) ([]core.Claim, error)
	CleanupOrphanedClaims(ctx context.Context, orphanThreshold time.Duration) ([]core.OrphanedClaim, error)
	ReleaseSessionClaims(ctx context.Context, sessionID string) ([]core.Claim, error)

	// Change journal
	RecordChange(ctx context.Context, e core.ChangeEntry) (int64, error)
	RecentChanges(ctx context.Context, limit int) ([]core.ChangeEntry, error)
	ChangesBySession(ctx context.Context, sessionID string, limit int) ([]core.ChangeEntry, error)
	ChangesByResource(ctx context.Context, resource string, limit int) ([]core.ChangeEntry, error)
	MarkChangeApplied(ctx context.Context, id int64) (bool, error)
	PruneOldChanges(ctx context.Context, olderThan time.Time) (int, error)
	CountChanges(ctx context.Context) (int, error)

	Close() error
}
