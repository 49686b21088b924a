package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

// Compile-time interface check.
var _ Store = (*InMemory)(nil)

// InMemory is a mutex-guarded in-process store. It mirrors the SQLite store's
// semantics and exists for tests and single-process embedding; it is not
// shared across OS processes.
type InMemory struct {
	mu       sync.Mutex
	nowFunc  func() time.Time
	sessions map[string]core.Session
	locks    map[string]core.Lock
	claims   map[string]core.Claim
	changes  []core.ChangeEntry
	nextID   int64
}

func NewInMemory() *InMemory {
	return &InMemory{
		nowFunc:  time.Now,
		sessions: make(map[string]core.Session),
		locks:    make(map[string]core.Lock),
		claims:   make(map[string]core.Claim),
	}
}

// SetNowFunc replaces the time source. Tests use this to advance time
// deterministically.
func (m *InMemory) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = now
}

func (m *InMemory) now() time.Time { return m.nowFunc().UTC() }

func (m *InMemory) Close() error { return nil }

// Sessions

func (m *InMemory) RegisterSession(_ context.Context, s core.Session) (core.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	existing, ok := m.sessions[s.ID]
	if ok {
		existing.ProjectPath = s.ProjectPath
		existing.AgentType = s.AgentType
		existing.LastHeartbeat = now
		m.sessions[s.ID] = existing
		return existing, true, nil
	}
	s.CreatedAt = now
	s.LastHeartbeat = now
	m.sessions[s.ID] = s
	return s, false, nil
}

func (m *InMemory) UpdateHeartbeat(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, nil
	}
	s.LastHeartbeat = m.now()
	m.sessions[sessionID] = s
	return true, nil
}

func (m *InMemory) GetSession(_ context.Context, sessionID string) (core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return core.Session{}, core.ErrNotFound
	}
	return s, nil
}

func (m *InMemory) ListSessions(_ context.Context) ([]core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) StaleSessions(_ context.Context, olderThan time.Time) ([]core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Session
	for _, s := range m.sessions {
		if s.LastHeartbeat.Before(olderThan) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) DeregisterSession(_ context.Context, sessionID string) (core.CascadeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res core.CascadeResult
	if _, ok := m.sessions[sessionID]; !ok {
		return res, nil
	}
	res.Found = true
	for resource, l := range m.locks {
		if l.HolderID == sessionID {
			delete(m.locks, resource)
			res.LocksReleased++
		}
	}
	for taskID, c := range m.claims {
		if c.SessionID == sessionID {
			delete(m.claims, taskID)
			res.Claims = append(res.Claims, c)
		}
	}
	sort.Slice(res.Claims, func(i, j int) bool { return res.Claims[i].TaskID < res.Claims[j].TaskID })
	delete(m.sessions, sessionID)
	return res, nil
}

// Locks

func (m *InMemory) AcquireLock(_ context.Context, resource, sessionID string, ttl time.Duration) (core.LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	l, ok := m.locks[resource]
	if ok && l.ExpiresAt.After(now) && l.HolderID != sessionID {
		return core.LockResult{Holder: l.HolderID, Remaining: l.ExpiresAt.Sub(now)}, nil
	}
	extended := ok && l.ExpiresAt.After(now) && l.HolderID == sessionID
	acquiredAt := now
	if extended {
		acquiredAt = l.AcquiredAt
	}
	m.locks[resource] = core.Lock{
		Resource:   resource,
		HolderID:   sessionID,
		AcquiredAt: acquiredAt,
		ExpiresAt:  now.Add(ttl),
	}
	return core.LockResult{Acquired: true, Extended: extended}, nil
}

func (m *InMemory) ReleaseLock(_ context.Context, resource, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[resource]
	if !ok {
		return true, nil
	}
	if l.HolderID != sessionID {
		return false, nil
	}
	delete(m.locks, resource)
	return true, nil
}

func (m *InMemory) RefreshLock(_ context.Context, resource, sessionID string, ttl time.Duration) (core.LockRefreshResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	l, ok := m.locks[resource]
	if !ok || !l.ExpiresAt.After(now) {
		return core.LockRefreshResult{Code: core.CodeLockNotFound}, nil
	}
	if l.HolderID != sessionID {
		return core.LockRefreshResult{Code: core.CodeNotLockOwner, Holder: l.HolderID}, nil
	}
	l.ExpiresAt = now.Add(ttl)
	m.locks[resource] = l
	return core.LockRefreshResult{Refreshed: true}, nil
}

func (m *InMemory) IsLockHeld(_ context.Context, resource string) (core.LockStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	l, ok := m.locks[resource]
	if !ok {
		return core.LockStatus{}, nil
	}
	if !l.ExpiresAt.After(now) {
		delete(m.locks, resource)
		return core.LockStatus{}, nil
	}
	return core.LockStatus{Held: true, Holder: l.HolderID, Remaining: l.ExpiresAt.Sub(now)}, nil
}

func (m *InMemory) CountLocks(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks), nil
}

func (m *InMemory) CleanupExpiredLocks(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	count := 0
	for resource, l := range m.locks {
		if !l.ExpiresAt.After(now) {
			delete(m.locks, resource)
			count++
		}
	}
	return count, nil
}

// Claims

func (m *InMemory) ClaimTask(_ context.Context, taskID, sessionID string, ttl time.Duration, metadata string, ancestors []string) (core.ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, ancestor := range ancestors {
		if a, ok := m.claims[ancestor]; ok && a.ExpiresAt.After(now) && a.SessionID != sessionID {
			return core.ClaimResult{
				Code:             core.CodeAncestorClaimed,
				BlockingAncestor: ancestor,
				Holder:           a.SessionID,
			}, nil
		}
	}
	existing, ok := m.claims[taskID]
	if ok && existing.ExpiresAt.After(now) {
		if existing.SessionID != sessionID {
			return core.ClaimResult{
				Code:      core.CodeTaskAlreadyClaimed,
				Holder:    existing.SessionID,
				Remaining: existing.ExpiresAt.Sub(now),
			}, nil
		}
		existing.ExpiresAt = now.Add(ttl)
		existing.LastHeartbeat = now
		existing.HeartbeatCount++
		m.claims[taskID] = existing
		return core.ClaimResult{Claimed: true, Extended: true, Claim: &existing}, nil
	}
	c := core.Claim{
		TaskID:        taskID,
		SessionID:     sessionID,
		ClaimedAt:     now,
		ExpiresAt:     now.Add(ttl),
		LastHeartbeat: now,
		Metadata:      metadata,
		Status:        core.ClaimStatusActive,
	}
	m.claims[taskID] = c
	return core.ClaimResult{Claimed: true, Claim: &c}, nil
}

func (m *InMemory) ReleaseClaim(_ context.Context, taskID, sessionID string) (core.ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[taskID]
	if !ok {
		return core.ReleaseResult{Code: core.CodeClaimNotFound}, nil
	}
	if c.SessionID != sessionID {
		return core.ReleaseResult{Code: core.CodeNotClaimOwner}, nil
	}
	delete(m.claims, taskID)
	return core.ReleaseResult{Released: true, WasExpired: c.Expired(m.now()), Claim: &c}, nil
}

func (m *InMemory) RefreshClaim(_ context.Context, taskID, sessionID string, ttl time.Duration) (core.RefreshResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c, ok := m.claims[taskID]
	if !ok {
		return core.RefreshResult{Code: core.CodeClaimNotFound}, nil
	}
	if c.SessionID != sessionID {
		return core.RefreshResult{Code: core.CodeNotClaimOwner}, nil
	}
	if c.Expired(now) {
		return core.RefreshResult{Code: core.CodeClaimExpired}, nil
	}
	c.ExpiresAt = now.Add(ttl)
	c.LastHeartbeat = now
	c.HeartbeatCount++
	m.claims[taskID] = c
	return core.RefreshResult{Refreshed: true, HeartbeatCount: c.HeartbeatCount, Claim: &c}, nil
}

func (m *InMemory) GetClaim(_ context.Context, taskID string) (*core.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[taskID]
	if !ok {
		return nil, nil
	}
	if c.Expired(m.now()) {
		delete(m.claims, taskID)
		return nil, nil
	}
	return &c, nil
}

func (m *InMemory) ActiveClaims(_ context.Context, sessionID string, includeExpired bool) ([]core.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []core.Claim
	for _, c := range m.claims {
		if sessionID != "" && c.SessionID != sessionID {
			continue
		}
		if !includeExpired && c.Expired(now) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (m *InMemory) ClaimStats(_ context.Context) (core.ClaimStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	stats := core.ClaimStats{BySession: make(map[string]int)}
	for _, c := range m.claims {
		stats.Total++
		if !c.Expired(now) {
			stats.TotalActive++
			stats.BySession[c.SessionID]++
		}
	}
	return stats, nil
}

func (m *InMemory) IsTaskReserved(_ context.Context, taskID string, ancestors []string, excludeSessionID string) (core.ReservedResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c, ok := m.claims[taskID]; ok && c.ExpiresAt.After(now) {
		if excludeSessionID != "" && c.SessionID == excludeSessionID {
			return core.ReservedResult{OwnedBySelf: true, Holder: c.SessionID}, nil
		}
		return core.ReservedResult{Reserved: true, DirectClaim: true, Holder: c.SessionID}, nil
	}
	for _, ancestor := range ancestors {
		if a, ok := m.claims[ancestor]; ok && a.ExpiresAt.After(now) && a.SessionID != excludeSessionID {
			return core.ReservedResult{
				Reserved:         true,
				AncestorClaim:    true,
				Holder:           a.SessionID,
				BlockingAncestor: ancestor,
			}, nil
		}
	}
	return core.ReservedResult{}, nil
}

func (m *InMemory) CleanupExpiredClaims(_ context.Context) ([]core.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []core.Claim
	for taskID, c := range m.claims {
		if c.Expired(now) {
			delete(m.claims, taskID)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (m *InMemory) CleanupOrphanedClaims(_ context.Context, orphanThreshold time.Duration) ([]core.OrphanedClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-orphanThreshold)
	var out []core.OrphanedClaim
	for taskID, c := range m.claims {
		s, ok := m.sessions[c.SessionID]
		switch {
		case !ok:
			delete(m.claims, taskID)
			out = append(out, core.OrphanedClaim{Claim: c, Reason: core.OrphanSessionMissing})
		case s.LastHeartbeat.Before(cutoff):
			delete(m.claims, taskID)
			out = append(out, core.OrphanedClaim{
				Claim:    c,
				Reason:   core.OrphanSessionStale,
				StaleFor: now.Sub(s.LastHeartbeat),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Claim.TaskID < out[j].Claim.TaskID })
	return out, nil
}

func (m *InMemory) ReleaseSessionClaims(_ context.Context, sessionID string) ([]core.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Claim
	for taskID, c := range m.claims {
		if c.SessionID == sessionID {
			delete(m.claims, taskID)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Change journal

func (m *InMemory) RecordChange(_ context.Context, e core.ChangeEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	m.changes = append(m.changes, e)
	return e.ID, nil
}

func (m *InMemory) RecentChanges(_ context.Context, limit int) ([]core.ChangeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.changes) > limit {
		start = len(m.changes) - limit
	}
	out := make([]core.ChangeEntry, len(m.changes)-start)
	copy(out, m.changes[start:])
	return out, nil
}

func (m *InMemory) ChangesBySession(_ context.Context, sessionID string, limit int) ([]core.ChangeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.ChangeEntry
	for _, e := range m.changes {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return tailChanges(out, limit), nil
}

func (m *InMemory) ChangesByResource(_ context.Context, resource string, limit int) ([]core.ChangeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.ChangeEntry
	for _, e := range m.changes {
		if e.Resource == resource {
			out = append(out, e)
		}
	}
	return tailChanges(out, limit), nil
}

func tailChanges(entries []core.ChangeEntry, limit int) []core.ChangeEntry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}

func (m *InMemory) MarkChangeApplied(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.changes {
		if m.changes[i].ID == id {
			m.changes[i].Applied = true
			return true, nil
		}
	}
	return false, nil
}

func (m *InMemory) PruneOldChanges(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.changes[:0]
	pruned := 0
	for _, e := range m.changes {
		if e.Applied && e.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	m.changes = kept
	return pruned, nil
}

func (m *InMemory) CountChanges(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.changes), nil
}
