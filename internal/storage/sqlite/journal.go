package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

const changeColumns = `id, session_id, resource, change_type, change_data, timestamp, applied`

// RecordChange appends one journal row and returns its monotonically
// increasing id.
func (s *Store) RecordChange(ctx context.Context, e core.ChangeEntry) (int64, error) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO change_journal (session_id, resource, change_type, change_data, timestamp, applied)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		e.SessionID, e.Resource, e.ChangeType, e.ChangeData, toMillis(ts),
	)
	if err != nil {
		return 0, fmt.Errorf("record change: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("change id: %w", err)
	}
	return id, nil
}

// RecentChanges returns the newest limit entries in insertion order.
func (s *Store) RecentChanges(ctx context.Context, limit int) ([]core.ChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM (
		   SELECT `+changeColumns+` FROM change_journal ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent changes: %w", err)
	}
	defer rows.Close()
	return collectChanges(rows)
}

func (s *Store) ChangesBySession(ctx context.Context, sessionID string, limit int) ([]core.ChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM (
		   SELECT `+changeColumns+` FROM change_journal WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("changes by session: %w", err)
	}
	defer rows.Close()
	return collectChanges(rows)
}

func (s *Store) ChangesByResource(ctx context.Context, resource string, limit int) ([]core.ChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM (
		   SELECT `+changeColumns+` FROM change_journal WHERE resource = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		resource, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("changes by resource: %w", err)
	}
	defer rows.Close()
	return collectChanges(rows)
}

// MarkChangeApplied flips the one-way applied flag; reports whether the row
// existed.
func (s *Store) MarkChangeApplied(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE change_journal SET applied = 1 WHERE id = ?`, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark applied: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneOldChanges deletes entries that are both applied and older than the
// cutoff. Unapplied entries are retained regardless of age.
func (s *Store) PruneOldChanges(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM change_journal WHERE applied = 1 AND timestamp < ?`,
		toMillis(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("prune changes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CountChanges(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_journal`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count changes: %w", err)
	}
	return n, nil
}

func collectChanges(rows *sql.Rows) ([]core.ChangeEntry, error) {
	var out []core.ChangeEntry
	for rows.Next() {
		var e core.ChangeEntry
		var data sql.NullString
		var ts int64
		var applied int
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Resource, &e.ChangeType, &data, &ts, &applied); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		e.ChangeData = data.String
		e.Timestamp = fromMillis(ts)
		e.Applied = applied == 1
		out = append(out, e)
	}
	return out, rows.Err()
}
