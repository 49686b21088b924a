package coord

import (
	"context"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

// Claims manages task-level leases with caller-declared ancestor hierarchy:
// a session that owns a parent task works the whole subtree unchallenged
// while outsiders are refused with ANCESTOR_CLAIMED.
type Claims struct {
	c *Coordinator
}

// ClaimOptions tunes one claim attempt. A zero TTL selects the configured
// default; negative TTL writes an already-lapsed lease (permitted, visible
// until the next read or sweep). Ancestors are ordered nearest-first.
type ClaimOptions struct {
	TTL       time.Duration
	Metadata  string
	Ancestors []string
}

// Claim acquires or extends the lease on taskID for sessionID. Emits
// claim:acquired for a fresh claim.
func (cl *Claims) Claim(ctx context.Context, taskID, sessionID string, opts ClaimOptions) (core.ClaimResult, error) {
	res, err := cl.c.store.ClaimTask(ctx, taskID, sessionID, cl.ttl(opts.TTL), opts.Metadata, opts.Ancestors)
	if err != nil {
		return res, err
	}
	if res.Claimed && !res.Extended {
		cl.c.emit(core.EventClaimAcquired, core.ClaimAcquired{TaskID: taskID, SessionID: sessionID})
	}
	return res, nil
}

// Release gives up the claim. Emits claim:released with held duration on
// success; CLAIM_NOT_FOUND and a lapsed-but-unswept claim are both defined,
// non-error outcomes.
func (cl *Claims) Release(ctx context.Context, taskID, sessionID, reason string) (core.ReleaseResult, error) {
	if reason == "" {
		reason = "completed"
	}
	res, err := cl.c.store.ReleaseClaim(ctx, taskID, sessionID)
	if err != nil {
		return res, err
	}
	if res.Released && res.Claim != nil {
		now := cl.c.now()
		cl.c.emit(core.EventClaimReleased, core.ClaimReleased{
			TaskID:     taskID,
			SessionID:  sessionID,
			Reason:     reason,
			ReleasedAt: now,
			HeldForMs:  now.Sub(res.Claim.ClaimedAt).Milliseconds(),
		})
	}
	return res, nil
}

// Refresh extends the lease and bumps the heartbeat counters. Emits
// claim:refreshed on success.
func (cl *Claims) Refresh(ctx context.Context, taskID, sessionID string, ttl time.Duration) (core.RefreshResult, error) {
	res, err := cl.c.store.RefreshClaim(ctx, taskID, sessionID, cl.ttl(ttl))
	if err != nil {
		return res, err
	}
	if res.Refreshed {
		cl.c.emit(core.EventClaimRefreshed, core.ClaimRefreshed{
			TaskID:         taskID,
			HeartbeatCount: res.HeartbeatCount,
		})
	}
	return res, nil
}

// Get returns the live claim with remaining time and lease health, or nil.
// Expired claims are lazy-deleted by the read and never surfaced.
func (cl *Claims) Get(ctx context.Context, taskID string) (*core.ClaimInfo, error) {
	claim, err := cl.c.store.GetClaim(ctx, taskID)
	if err != nil || claim == nil {
		return nil, err
	}
	now := cl.c.now()
	remaining := claim.Remaining(now)
	health := core.HealthHealthy
	switch {
	case remaining < criticalRemaining:
		health = core.HealthCritical
	case remaining < cl.c.cfg.WarningThreshold:
		health = core.HealthWarning
	}
	return &core.ClaimInfo{Claim: *claim, Remaining: remaining, Health: health}, nil
}

// Active lists claims, optionally filtered by session and including lapsed
// rows not yet swept.
func (cl *Claims) Active(ctx context.Context, sessionID string, includeExpired bool) ([]core.Claim, error) {
	return cl.c.store.ActiveClaims(ctx, sessionID, includeExpired)
}

// BySession lists the live claims owned by sessionID.
func (cl *Claims) BySession(ctx context.Context, sessionID string) ([]core.Claim, error) {
	return cl.c.store.ActiveClaims(ctx, sessionID, false)
}

func (cl *Claims) Stats(ctx context.Context) (core.ClaimStats, error) {
	return cl.c.store.ClaimStats(ctx)
}

// IsClaimed reports whether taskID currently has a live claim.
func (cl *Claims) IsClaimed(ctx context.Context, taskID string) (bool, error) {
	claim, err := cl.c.store.GetClaim(ctx, taskID)
	return claim != nil, err
}

// IsReserved is the read-only hierarchy check: claimed directly, blocked via
// an ancestor, or owned by the excluded session itself.
func (cl *Claims) IsReserved(ctx context.Context, taskID string, ancestors []string, excludeSessionID string) (core.ReservedResult, error) {
	return cl.c.store.IsTaskReserved(ctx, taskID, ancestors, excludeSessionID)
}

// CleanupExpired bulk-reclaims lapsed claims, emitting one claim:expired per
// row and a claims:cleanup summary.
func (cl *Claims) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := cl.c.store.CleanupExpiredClaims(ctx)
	if err != nil {
		return 0, err
	}
	now := cl.c.now()
	for _, claim := range expired {
		cl.c.emit(core.EventClaimExpired, core.ClaimExpired{
			TaskID:    claim.TaskID,
			SessionID: claim.SessionID,
			ExpiredAt: claim.ExpiresAt,
			AgeMs:     now.Sub(claim.ClaimedAt).Milliseconds(),
		})
	}
	if len(expired) > 0 {
		cl.c.emit(core.EventClaimsCleanup, core.CleanupSummary{Kind: "expired", Count: len(expired), Timestamp: now})
	}
	return len(expired), nil
}

// CleanupOrphaned reclaims claims whose owning session is missing or stale,
// emitting one claim:orphaned per row and a claims:cleanup summary.
func (cl *Claims) CleanupOrphaned(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = cl.c.cfg.OrphanThreshold
	}
	orphans, err := cl.c.store.CleanupOrphanedClaims(ctx, threshold)
	if err != nil {
		return 0, err
	}
	now := cl.c.now()
	for _, orphan := range orphans {
		cl.c.emit(core.EventClaimOrphaned, core.ClaimOrphaned{
			TaskID:     orphan.Claim.TaskID,
			SessionID:  orphan.Claim.SessionID,
			Reason:     orphan.Reason,
			CleanedAt:  now,
			StaleForMs: orphan.StaleFor.Milliseconds(),
		})
	}
	if len(orphans) > 0 {
		cl.c.emit(core.EventClaimsCleanup, core.CleanupSummary{Kind: "orphaned", Count: len(orphans), Timestamp: now})
	}
	return len(orphans), nil
}

// ReleaseSessionClaims bulk-releases every claim owned by sessionID,
// emitting a claim:released per claim and a claims:session_cleanup summary.
func (cl *Claims) ReleaseSessionClaims(ctx context.Context, sessionID, reason string) (int, error) {
	if reason == "" {
		reason = "session_ended"
	}
	released, err := cl.c.store.ReleaseSessionClaims(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	now := cl.c.now()
	for _, claim := range released {
		cl.c.emit(core.EventClaimReleased, core.ClaimReleased{
			TaskID:     claim.TaskID,
			SessionID:  sessionID,
			Reason:     reason,
			ReleasedAt: now,
			HeldForMs:  now.Sub(claim.ClaimedAt).Milliseconds(),
		})
	}
	if len(released) > 0 {
		cl.c.emit(core.EventSessionCleanup, core.SessionCleanup{
			SessionID: sessionID,
			Count:     len(released),
			Reason:    reason,
			Timestamp: now,
		})
	}
	return len(released), nil
}

func (cl *Claims) ttl(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return cl.c.cfg.ClaimTTL
	}
	return ttl
}
