package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

const claimColumns = `task_id, session_id, claimed_at, expires_at, last_heartbeat, heartbeat_count, metadata, status`

// ClaimTask acquires or extends the lease on taskID for sessionID. The
// ancestor check and the write happen in one transaction, so a session that
// wins the parent also wins the race for the whole subtree. Ancestors are
// caller-declared, nearest-first; the first one with a live claim held by a
// different session blocks the attempt.
func (s *Store) ClaimTask(ctx context.Context, taskID, sessionID string, ttl time.Duration, metadata string, ancestors []string) (core.ClaimResult, error) {
	now := s.now()
	nowMs := toMillis(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.ClaimResult{}, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	if len(ancestors) > 0 {
		blockers, err := blockingAncestors(ctx, tx, ancestors, sessionID, nowMs)
		if err != nil {
			return core.ClaimResult{}, err
		}
		for _, ancestor := range ancestors {
			if holder, ok := blockers[ancestor]; ok {
				return core.ClaimResult{
					Code:             core.CodeAncestorClaimed,
					BlockingAncestor: ancestor,
					Holder:           holder,
				}, nil
			}
		}
	}

	existing, err := scanClaimRow(tx.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM task_claims WHERE task_id = ?`, taskID,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Unclaimed; fall through to insert.
	case err != nil:
		return core.ClaimResult{}, fmt.Errorf("claim lookup: %w", err)
	case existing.ExpiresAt.After(now) && existing.SessionID != sessionID:
		return core.ClaimResult{
			Code:      core.CodeTaskAlreadyClaimed,
			Holder:    existing.SessionID,
			Remaining: existing.ExpiresAt.Sub(now),
		}, nil
	case existing.ExpiresAt.After(now):
		// Same session: extend the lease in place.
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_claims
			 SET expires_at = ?, last_heartbeat = ?, heartbeat_count = heartbeat_count + 1
			 WHERE task_id = ?`,
			toMillis(now.Add(ttl)), nowMs, taskID,
		); err != nil {
			return core.ClaimResult{}, fmt.Errorf("extend claim: %w", err)
		}
		existing.ExpiresAt = now.Add(ttl)
		existing.LastHeartbeat = now
		existing.HeartbeatCount++
		if err := tx.Commit(); err != nil {
			return core.ClaimResult{}, fmt.Errorf("commit claim: %w", err)
		}
		return core.ClaimResult{Claimed: true, Extended: true, Claim: &existing}, nil
	}

	claim := core.Claim{
		TaskID:        taskID,
		SessionID:     sessionID,
		ClaimedAt:     now,
		ExpiresAt:     now.Add(ttl),
		LastHeartbeat: now,
		Metadata:      metadata,
		Status:        core.ClaimStatusActive,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_claims
		 (task_id, session_id, claimed_at, expires_at, last_heartbeat, heartbeat_count, metadata, status)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		claim.TaskID, claim.SessionID, toMillis(claim.ClaimedAt), toMillis(claim.ExpiresAt),
		toMillis(claim.LastHeartbeat), claim.Metadata, string(claim.Status),
	); err != nil {
		return core.ClaimResult{}, fmt.Errorf("insert claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.ClaimResult{}, fmt.Errorf("commit claim: %w", err)
	}
	return core.ClaimResult{Claimed: true, Claim: &claim}, nil
}

func blockingAncestors(ctx context.Context, tx *sql.Tx, ancestors []string, sessionID string, nowMs int64) (map[string]string, error) {
	placeholders := strings.Repeat("?,", len(ancestors))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ancestors)+2)
	for _, a := range ancestors {
		args = append(args, a)
	}
	args = append(args, nowMs, sessionID)

	rows, err := tx.QueryContext(ctx,
		`SELECT task_id, session_id FROM task_claims
		 WHERE task_id IN (`+placeholders+`) AND expires_at > ? AND session_id != ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("ancestor check: %w", err)
	}
	defer rows.Close()

	blockers := make(map[string]string)
	for rows.Next() {
		var taskID, holder string
		if err := rows.Scan(&taskID, &holder); err != nil {
			return nil, fmt.Errorf("scan ancestor: %w", err)
		}
		blockers[taskID] = holder
	}
	return blockers, rows.Err()
}

// ReleaseClaim deletes the claim only when owned by sessionID. Releasing a
// lapsed-but-unswept claim is a success with WasExpired set; a missing claim
// is the defined CLAIM_NOT_FOUND outcome, not an error.
func (s *Store) ReleaseClaim(ctx context.Context, taskID, sessionID string) (core.ReleaseResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.ReleaseResult{}, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback()

	claim, err := scanClaimRow(tx.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM task_claims WHERE task_id = ?`, taskID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return core.ReleaseResult{Code: core.CodeClaimNotFound}, nil
	}
	if err != nil {
		return core.ReleaseResult{}, fmt.Errorf("release lookup: %w", err)
	}
	if claim.SessionID != sessionID {
		return core.ReleaseResult{Code: core.CodeNotClaimOwner}, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_claims WHERE task_id = ?`, taskID); err != nil {
		return core.ReleaseResult{}, fmt.Errorf("release claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.ReleaseResult{}, fmt.Errorf("commit release: %w", err)
	}
	return core.ReleaseResult{Released: true, WasExpired: claim.Expired(s.now()), Claim: &claim}, nil
}

func (s *Store) RefreshClaim(ctx context.Context, taskID, sessionID string, ttl time.Duration) (core.RefreshResult, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_claims
		 SET expires_at = ?, last_heartbeat = ?, heartbeat_count = heartbeat_count + 1
		 WHERE task_id = ? AND session_id = ? AND expires_at > ?`,
		toMillis(now.Add(ttl)), toMillis(now), taskID, sessionID, toMillis(now),
	)
	if err != nil {
		return core.RefreshResult{}, fmt.Errorf("refresh claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		claim, err := scanClaimRow(s.db.QueryRowContext(ctx,
			`SELECT `+claimColumns+` FROM task_claims WHERE task_id = ?`, taskID,
		))
		if err != nil {
			return core.RefreshResult{}, fmt.Errorf("refresh readback: %w", err)
		}
		return core.RefreshResult{Refreshed: true, HeartbeatCount: claim.HeartbeatCount, Claim: &claim}, nil
	}

	claim, err := scanClaimRow(s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM task_claims WHERE task_id = ?`, taskID,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return core.RefreshResult{Code: core.CodeClaimNotFound}, nil
	case err != nil:
		return core.RefreshResult{}, fmt.Errorf("refresh lookup: %w", err)
	case claim.SessionID != sessionID:
		return core.RefreshResult{Code: core.CodeNotClaimOwner}, nil
	default:
		return core.RefreshResult{Code: core.CodeClaimExpired}, nil
	}
}

// GetClaim returns the live claim for taskID, or nil. A lapsed row is
// lazy-deleted on read so expired leases are never surfaced.
func (s *Store) GetClaim(ctx context.Context, taskID string) (*core.Claim, error) {
	now := s.now()
	claim, err := scanClaimRow(s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM task_claims WHERE task_id = ?`, taskID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	if claim.Expired(now) {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM task_claims WHERE task_id = ? AND expires_at <= ?`, taskID, toMillis(now),
		); err != nil {
			return nil, fmt.Errorf("expire claim: %w", err)
		}
		return nil, nil
	}
	return &claim, nil
}

func (s *Store) ActiveClaims(ctx context.Context, sessionID string, includeExpired bool) ([]core.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM task_claims WHERE 1=1`
	var args []any
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	if !includeExpired {
		query += " AND expires_at > ?"
		args = append(args, toMillis(s.now()))
	}
	query += " ORDER BY task_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()
	return collectClaims(rows)
}

func (s *Store) ClaimStats(ctx context.Context) (core.ClaimStats, error) {
	stats := core.ClaimStats{BySession: make(map[string]int)}
	nowMs := toMillis(s.now())

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_claims`).Scan(&stats.Total); err != nil {
		return stats, fmt.Errorf("claim stats total: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*) FROM task_claims WHERE expires_at > ? GROUP BY session_id`,
		nowMs,
	)
	if err != nil {
		return stats, fmt.Errorf("claim stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sessionID string
		var count int
		if err := rows.Scan(&sessionID, &count); err != nil {
			return stats, fmt.Errorf("scan claim stats: %w", err)
		}
		stats.BySession[sessionID] = count
		stats.TotalActive += count
	}
	return stats, rows.Err()
}

// IsTaskReserved is the read-only counterpart of the claim-time hierarchy
// check: the task is reserved when it is directly claimed, or when any of
// the declared ancestors is claimed by a session other than excludeSessionID.
func (s *Store) IsTaskReserved(ctx context.Context, taskID string, ancestors []string, excludeSessionID string) (core.ReservedResult, error) {
	now := s.now()
	var holder string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM task_claims WHERE task_id = ? AND expires_at > ?`,
		taskID, toMillis(now),
	).Scan(&holder)
	switch {
	case err == nil:
		if excludeSessionID != "" && holder == excludeSessionID {
			return core.ReservedResult{OwnedBySelf: true, Holder: holder}, nil
		}
		return core.ReservedResult{Reserved: true, DirectClaim: true, Holder: holder}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return core.ReservedResult{}, fmt.Errorf("reserved lookup: %w", err)
	}

	for _, ancestor := range ancestors {
		var ancestorHolder string
		err := s.db.QueryRowContext(ctx,
			`SELECT session_id FROM task_claims WHERE task_id = ? AND expires_at > ? AND session_id != ?`,
			ancestor, toMillis(now), excludeSessionID,
		).Scan(&ancestorHolder)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return core.ReservedResult{}, fmt.Errorf("reserved ancestor lookup: %w", err)
		}
		return core.ReservedResult{
			Reserved:         true,
			AncestorClaim:    true,
			Holder:           ancestorHolder,
			BlockingAncestor: ancestor,
		}, nil
	}
	return core.ReservedResult{}, nil
}

// CleanupExpiredClaims bulk-reclaims lapsed claims, returning them so the
// caller can emit one event per row.
func (s *Store) CleanupExpiredClaims(ctx context.Context) ([]core.Claim, error) {
	nowMs := toMillis(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+claimColumns+` FROM task_claims WHERE expires_at <= ? ORDER BY task_id`, nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("expired claims: %w", err)
	}
	expired, err := collectClaims(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_claims WHERE expires_at <= ?`, nowMs); err != nil {
		return nil, fmt.Errorf("delete expired claims: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cleanup: %w", err)
	}
	return expired, nil
}

// CleanupOrphanedClaims reclaims claims whose owning session is gone
// (session_missing) or has not heartbeated within the threshold
// (session_stale).
func (s *Store) CleanupOrphanedClaims(ctx context.Context, orphanThreshold time.Duration) ([]core.OrphanedClaim, error) {
	now := s.now()
	cutoff := toMillis(now.Add(-orphanThreshold))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin orphan cleanup: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT c.task_id, c.session_id, c.claimed_at, c.expires_at, c.last_heartbeat,
		        c.heartbeat_count, c.metadata, c.status, s.last_heartbeat
		 FROM task_claims c
		 LEFT JOIN sessions s ON s.session_id = c.session_id
		 WHERE s.session_id IS NULL OR s.last_heartbeat < ?
		 ORDER BY c.task_id`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("orphaned claims: %w", err)
	}

	var orphans []core.OrphanedClaim
	for rows.Next() {
		var claim core.Claim
		var claimedAt, expiresAt, lastHeartbeat int64
		var metadata sql.NullString
		var status string
		var sessionHeartbeat sql.NullInt64
		if err := rows.Scan(&claim.TaskID, &claim.SessionID, &claimedAt, &expiresAt,
			&lastHeartbeat, &claim.HeartbeatCount, &metadata, &status, &sessionHeartbeat); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		claim.ClaimedAt = fromMillis(claimedAt)
		claim.ExpiresAt = fromMillis(expiresAt)
		claim.LastHeartbeat = fromMillis(lastHeartbeat)
		claim.Metadata = metadata.String
		claim.Status = core.ClaimStatus(status)

		orphan := core.OrphanedClaim{Claim: claim, Reason: core.OrphanSessionMissing}
		if sessionHeartbeat.Valid {
			orphan.Reason = core.OrphanSessionStale
			orphan.StaleFor = now.Sub(fromMillis(sessionHeartbeat.Int64))
		}
		orphans = append(orphans, orphan)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orphan rows: %w", err)
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	for _, orphan := range orphans {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_claims WHERE task_id = ?`, orphan.Claim.TaskID,
		); err != nil {
			return nil, fmt.Errorf("delete orphan: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit orphan cleanup: %w", err)
	}
	return orphans, nil
}

// ReleaseSessionClaims bulk-releases all claims owned by sessionID and
// returns them.
func (s *Store) ReleaseSessionClaims(ctx context.Context, sessionID string) ([]core.Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session release: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+claimColumns+` FROM task_claims WHERE session_id = ? ORDER BY task_id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session claims: %w", err)
	}
	claims, err := collectClaims(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(claims) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_claims WHERE session_id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("delete session claims: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session release: %w", err)
	}
	return claims, nil
}

func scanClaimRow(row scanner) (core.Claim, error) {
	var claim core.Claim
	var claimedAt, expiresAt, lastHeartbeat int64
	var metadata sql.NullString
	var status string
	err := row.Scan(&claim.TaskID, &claim.SessionID, &claimedAt, &expiresAt,
		&lastHeartbeat, &claim.HeartbeatCount, &metadata, &status)
	if err != nil {
		return core.Claim{}, err
	}
	claim.ClaimedAt = fromMillis(claimedAt)
	claim.ExpiresAt = fromMillis(expiresAt)
	claim.LastHeartbeat = fromMillis(lastHeartbeat)
	claim.Metadata = metadata.String
	claim.Status = core.ClaimStatus(status)
	return claim, nil
}

func collectClaims(rows *sql.Rows) ([]core.Claim, error) {
	var out []core.Claim
	for rows.Next() {
		claim, err := scanClaimRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		out = append(out, claim)
	}
	return out, rows.Err()
}
