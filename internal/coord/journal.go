package coord

import (
	"context"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

// Journal is the append-only change feed used to reconcile concurrent edits
// after the fact. Entries reference sessions by id only; recording against
// an unknown session is allowed.
type Journal struct {
	c *Coordinator
}

// Record appends a change entry and returns its assigned sequence id.
func (j *Journal) Record(ctx context.Context, sessionID, resource, changeType, changeData string) (int64, error) {
	return j.c.store.RecordChange(ctx, core.ChangeEntry{
		SessionID:  sessionID,
		Resource:   resource,
		ChangeType: changeType,
		ChangeData: changeData,
		Timestamp:  j.c.now(),
	})
}

// Recent returns the latest limit entries in ascending id order.
func (j *Journal) Recent(ctx context.Context, limit int) ([]core.ChangeEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return j.c.store.RecentChanges(ctx, limit)
}

func (j *Journal) BySession(ctx context.Context, sessionID string, limit int) ([]core.ChangeEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return j.c.store.ChangesBySession(ctx, sessionID, limit)
}

func (j *Journal) ByResource(ctx context.Context, resource string, limit int) ([]core.ChangeEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return j.c.store.ChangesByResource(ctx, resource, limit)
}

// MarkApplied flags an entry as reconciled, making it eligible for pruning.
func (j *Journal) MarkApplied(ctx context.Context, id int64) (bool, error) {
	return j.c.store.MarkChangeApplied(ctx, id)
}

// Prune removes applied entries older than the retention window. Unapplied
// entries are kept regardless of age.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = j.c.cfg.JournalRetention
	}
	return j.c.store.PruneOldChanges(ctx, j.c.now().Add(-retention))
}

func (j *Journal) Count(ctx context.Context) (int, error) {
	return j.c.store.CountChanges(ctx)
}
