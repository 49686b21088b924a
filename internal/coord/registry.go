package coord

import (
	"context"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

// Registry tracks which process instances are alive via heartbeat
// timestamps.
type Registry struct {
	c *Coordinator
}

// DeregisterResult reports what a deregistration released.
type DeregisterResult struct {
	Found          bool `json:"found"`
	LocksReleased  int  `json:"locks_released"`
	ClaimsReleased int  `json:"claims_released"`
}

// Register upserts a session. Registering an existing id is reported as a
// re-registration, not a new entity; there are no error conditions beyond
// store failure.
func (r *Registry) Register(ctx context.Context, id, projectPath, agentType string) (core.Session, bool, error) {
	sess, rereg, err := r.c.store.RegisterSession(ctx, core.Session{
		ID:          id,
		ProjectPath: projectPath,
		AgentType:   agentType,
	})
	if err != nil {
		return core.Session{}, false, err
	}
	r.c.emit(core.EventSessionRegistered, core.SessionLifecycle{
		SessionID:    sess.ID,
		AgentType:    sess.AgentType,
		Reregistered: rereg,
	})
	return sess, rereg, nil
}

// Heartbeat bumps the session's liveness timestamp. A missing session is a
// no-op reported as false, not a failure.
func (r *Registry) Heartbeat(ctx context.Context, id string) (bool, error) {
	return r.c.store.UpdateHeartbeat(ctx, id)
}

func (r *Registry) Get(ctx context.Context, id string) (core.Session, error) {
	return r.c.store.GetSession(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]core.Session, error) {
	return r.c.store.ListSessions(ctx)
}

// Stale returns sessions whose last heartbeat is older than maxAge.
func (r *Registry) Stale(ctx context.Context, maxAge time.Duration) ([]core.Session, error) {
	return r.c.store.StaleSessions(ctx, r.c.now().Add(-maxAge))
}

// Deregister removes the session and cascades deletion of its locks and
// claims, emitting a claim:released per cascaded claim.
func (r *Registry) Deregister(ctx context.Context, id string) (DeregisterResult, error) {
	return r.deregister(ctx, id, "session_ended")
}

func (r *Registry) deregister(ctx context.Context, id, reason string) (DeregisterResult, error) {
	cascade, err := r.c.store.DeregisterSession(ctx, id)
	if err != nil {
		return DeregisterResult{}, err
	}
	result := DeregisterResult{
		Found:          cascade.Found,
		LocksReleased:  cascade.LocksReleased,
		ClaimsReleased: len(cascade.Claims),
	}
	if !cascade.Found {
		return result, nil
	}

	now := r.c.now()
	for _, claim := range cascade.Claims {
		r.c.emit(core.EventClaimReleased, core.ClaimReleased{
			TaskID:     claim.TaskID,
			SessionID:  claim.SessionID,
			Reason:     reason,
			ReleasedAt: now,
			HeldForMs:  now.Sub(claim.ClaimedAt).Milliseconds(),
		})
	}
	if len(cascade.Claims) > 0 {
		r.c.emit(core.EventSessionCleanup, core.SessionCleanup{
			SessionID: id,
			Count:     len(cascade.Claims),
			Reason:    reason,
			Timestamp: now,
		})
	}
	r.c.emit(core.EventSessionDeregistered, core.SessionLifecycle{SessionID: id})
	return result, nil
}

// CleanupStale applies Deregister semantics to every session whose last
// heartbeat is older than maxAge, returning the removed ids.
func (r *Registry) CleanupStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	stale, err := r.Stale(ctx, maxAge)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, sess := range stale {
		if _, err := r.deregister(ctx, sess.ID, "session_stale"); err != nil {
			return removed, err
		}
		r.c.emit(core.EventSessionExpired, core.SessionLifecycle{SessionID: sess.ID})
		removed = append(removed, sess.ID)
	}
	return removed, nil
}
