package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

// AcquireLock attempts to take or extend the lease on resource. The read and
// the write happen in one IMMEDIATE transaction, so exactly one of N racing
// callers wins a free resource; the rest read the winner's identity. A live
// lease held by sessionID is extended in place; a lapsed lease is taken over
// with a fresh acquisition timestamp.
func (s *Store) AcquireLock(ctx context.Context, resource, sessionID string, ttl time.Duration) (core.LockResult, error) {
	now := s.now()
	nowMs := toMillis(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.LockResult{}, fmt.Errorf("begin lock: %w", err)
	}
	defer tx.Rollback()

	var holder string
	var expiresAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT holder_session_id, expires_at FROM locks WHERE resource = ?`, resource,
	).Scan(&holder, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Free; fall through to insert.
	case err != nil:
		return core.LockResult{}, fmt.Errorf("lock lookup: %w", err)
	case expiresAt > nowMs && holder != sessionID:
		return core.LockResult{Holder: holder, Remaining: fromMillis(expiresAt).Sub(now)}, nil
	case expiresAt > nowMs:
		// Same session, live lease: push the expiry, keep acquired_at.
		if _, err := tx.ExecContext(ctx,
			`UPDATE locks SET expires_at = ? WHERE resource = ?`,
			toMillis(now.Add(ttl)), resource,
		); err != nil {
			return core.LockResult{}, fmt.Errorf("extend lock: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return core.LockResult{}, fmt.Errorf("commit lock: %w", err)
		}
		return core.LockResult{Acquired: true, Extended: true}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO locks (resource, holder_session_id, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		resource, sessionID, nowMs, toMillis(now.Add(ttl)),
	); err != nil {
		return core.LockResult{}, fmt.Errorf("acquire lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.LockResult{}, fmt.Errorf("commit lock: %w", err)
	}
	return core.LockResult{Acquired: true}, nil
}

// ReleaseLock deletes the row only when held by sessionID. Releasing an
// absent lock succeeds: the caller's "I am done" intent is already true.
func (s *Store) ReleaseLock(ctx context.Context, resource, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource = ? AND holder_session_id = ?`,
		resource, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM locks WHERE resource = ?`, resource,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("release lock lookup: %w", err)
	}
	return exists == 0, nil
}

func (s *Store) RefreshLock(ctx context.Context, resource, sessionID string, ttl time.Duration) (core.LockRefreshResult, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ?
		 WHERE resource = ? AND holder_session_id = ? AND expires_at > ?`,
		toMillis(now.Add(ttl)), resource, sessionID, toMillis(now),
	)
	if err != nil {
		return core.LockRefreshResult{}, fmt.Errorf("refresh lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return core.LockRefreshResult{Refreshed: true}, nil
	}

	var holder string
	err = s.db.QueryRowContext(ctx,
		`SELECT holder_session_id FROM locks WHERE resource = ? AND expires_at > ?`,
		resource, toMillis(now),
	).Scan(&holder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return core.LockRefreshResult{Code: core.CodeLockNotFound}, nil
	case err != nil:
		return core.LockRefreshResult{}, fmt.Errorf("refresh lock lookup: %w", err)
	default:
		return core.LockRefreshResult{Code: core.CodeNotLockOwner, Holder: holder}, nil
	}
}

// IsLockHeld reports the live lock status and lazily removes a lapsed row so
// reads never surface an expired lease.
func (s *Store) IsLockHeld(ctx context.Context, resource string) (core.LockStatus, error) {
	now := s.now()
	var holder string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT holder_session_id, expires_at FROM locks WHERE resource = ?`, resource,
	).Scan(&holder, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.LockStatus{}, nil
	}
	if err != nil {
		return core.LockStatus{}, fmt.Errorf("lock status: %w", err)
	}
	if expiresAt <= toMillis(now) {
		// Guard on expires_at so a concurrent re-acquire is not clobbered.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM locks WHERE resource = ? AND expires_at <= ?`, resource, toMillis(now),
		); err != nil {
			return core.LockStatus{}, fmt.Errorf("expire lock: %w", err)
		}
		return core.LockStatus{}, nil
	}
	return core.LockStatus{Held: true, Holder: holder, Remaining: fromMillis(expiresAt).Sub(now)}, nil
}

func (s *Store) CountLocks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count locks: %w", err)
	}
	return n, nil
}

func (s *Store) CleanupExpiredLocks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE expires_at <= ?`, toMillis(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
