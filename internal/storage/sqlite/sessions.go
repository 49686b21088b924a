package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

// RegisterSession upserts a session row. Re-registering an existing id
// refreshes agent type, project path and heartbeat but keeps created_at;
// the second return value reports whether this was a re-registration.
func (s *Store) RegisterSession(ctx context.Context, sess core.Session) (core.Session, bool, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Session{}, false, fmt.Errorf("begin register: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sess.ID,
	).Scan(&exists); err != nil {
		return core.Session{}, false, fmt.Errorf("register lookup: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, project_path, agent_type, created_at, last_heartbeat)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   project_path = excluded.project_path,
		   agent_type = excluded.agent_type,
		   last_heartbeat = excluded.last_heartbeat`,
		sess.ID, sess.ProjectPath, sess.AgentType, toMillis(now), toMillis(now),
	); err != nil {
		return core.Session{}, false, fmt.Errorf("register session: %w", err)
	}
	stored, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT session_id, project_path, agent_type, created_at, last_heartbeat
		 FROM sessions WHERE session_id = ?`, sess.ID,
	))
	if err != nil {
		return core.Session{}, false, fmt.Errorf("register readback: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Session{}, false, fmt.Errorf("commit register: %w", err)
	}
	return stored, exists > 0, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat = ? WHERE session_id = ?`,
		toMillis(s.now()), sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("update heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (core.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, project_path, agent_type, created_at, last_heartbeat
		 FROM sessions WHERE session_id = ?`, sessionID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Session{}, core.ErrNotFound
	}
	return sess, err
}

func (s *Store) ListSessions(ctx context.Context) ([]core.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, project_path, agent_type, created_at, last_heartbeat
		 FROM sessions ORDER BY session_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *Store) StaleSessions(ctx context.Context, olderThan time.Time) ([]core.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, project_path, agent_type, created_at, last_heartbeat
		 FROM sessions WHERE last_heartbeat < ? ORDER BY session_id`,
		toMillis(olderThan),
	)
	if err != nil {
		return nil, fmt.Errorf("stale sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// DeregisterSession removes a session and cascades to its locks and claims
// inside one IMMEDIATE transaction, returning what was released. The cascade
// is explicit rather than FK-driven so callers get counts and the released
// claims back for event emission.
func (s *Store) DeregisterSession(ctx context.Context, sessionID string) (core.CascadeResult, error) {
	var result core.CascadeResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin deregister: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&exists); err != nil {
		return result, fmt.Errorf("deregister lookup: %w", err)
	}
	if exists == 0 {
		return result, nil
	}
	result.Found = true

	lockRes, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE holder_session_id = ?`, sessionID)
	if err != nil {
		return result, fmt.Errorf("deregister locks: %w", err)
	}
	locks, _ := lockRes.RowsAffected()
	result.LocksReleased = int(locks)

	claimRows, err := tx.QueryContext(ctx,
		`SELECT task_id, session_id, claimed_at, expires_at, last_heartbeat, heartbeat_count, metadata, status
		 FROM task_claims WHERE session_id = ? ORDER BY task_id`, sessionID,
	)
	if err != nil {
		return result, fmt.Errorf("deregister claims: %w", err)
	}
	result.Claims, err = collectClaims(claimRows)
	claimRows.Close()
	if err != nil {
		return result, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_claims WHERE session_id = ?`, sessionID); err != nil {
		return result, fmt.Errorf("deregister delete claims: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return result, fmt.Errorf("deregister delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit deregister: %w", err)
	}
	return result, nil
}

func scanSession(row scanner) (core.Session, error) {
	var sess core.Session
	var createdAt, lastHeartbeat int64
	if err := row.Scan(&sess.ID, &sess.ProjectPath, &sess.AgentType, &createdAt, &lastHeartbeat); err != nil {
		return core.Session{}, err
	}
	sess.CreatedAt = fromMillis(createdAt)
	sess.LastHeartbeat = fromMillis(lastHeartbeat)
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]core.Session, error) {
	var out []core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
