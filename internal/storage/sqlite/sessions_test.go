package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

func testClock(t *testing.T) (*time.Time, Option) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &now, WithNowFunc(func() time.Time { return now })
}

func TestRegisterAndGetSession(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	sess, rereg, err := st.RegisterSession(ctx, core.Session{ID: "s1", ProjectPath: "/tmp/proj", AgentType: "worker"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rereg {
		t.Fatal("fresh registration reported as re-registration")
	}
	if sess.CreatedAt.IsZero() || sess.LastHeartbeat.IsZero() {
		t.Fatal("timestamps not set")
	}

	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProjectPath != "/tmp/proj" || got.AgentType != "worker" {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestGetSessionMissing(t *testing.T) {
	st := NewSQLiteTest(t)
	_, err := st.GetSession(context.Background(), "nope")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReregisterKeepsCreatedAt(t *testing.T) {
	now, clock := testClock(t)
	st := NewSQLiteTest(t, clock)
	ctx := context.Background()

	first, _, err := st.RegisterSession(ctx, core.Session{ID: "s1", AgentType: "worker"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	*now = now.Add(5 * time.Minute)
	second, rereg, err := st.RegisterSession(ctx, core.Session{ID: "s1", AgentType: "reviewer"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !rereg {
		t.Fatal("expected re-registration")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.LastHeartbeat.After(first.LastHeartbeat) {
		t.Fatal("heartbeat not refreshed")
	}
	if second.AgentType != "reviewer" {
		t.Fatalf("agent type not updated: %q", second.AgentType)
	}
}

func TestHeartbeat(t *testing.T) {
	now, clock := testClock(t)
	st := NewSQLiteTest(t, clock)
	ctx := context.Background()

	if _, _, err := st.RegisterSession(ctx, core.Session{ID: "s1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	*now = now.Add(time.Minute)
	updated, err := st.UpdateHeartbeat(ctx, "s1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !updated {
		t.Fatal("expected update")
	}
	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastHeartbeat.Equal(*now) {
		t.Fatalf("heartbeat = %v, want %v", got.LastHeartbeat, *now)
	}

	updated, err = st.UpdateHeartbeat(ctx, "ghost")
	if err != nil {
		t.Fatalf("heartbeat ghost: %v", err)
	}
	if updated {
		t.Fatal("unknown session should not update")
	}
}

func TestStaleSessions(t *testing.T) {
	now, clock := testClock(t)
	st := NewSQLiteTest(t, clock)
	ctx := context.Background()

	if _, _, err := st.RegisterSession(ctx, core.Session{ID: "old"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	*now = now.Add(20 * time.Minute)
	if _, _, err := st.RegisterSession(ctx, core.Session{ID: "fresh"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	stale, err := st.StaleSessions(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("stale = %+v, want [old]", stale)
	}
}

func TestDeregisterCascades(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	if _, _, err := st.RegisterSession(ctx, core.Session{ID: "s1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := st.AcquireLock(ctx, "res/a", "s1", time.Minute); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := st.ClaimTask(ctx, "task-1", "s1", time.Minute, "", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := st.ClaimTask(ctx, "task-2", "s1", time.Minute, "", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := st.DeregisterSession(ctx, "s1")
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if !res.Found {
		t.Fatal("session not found")
	}
	if res.LocksReleased != 1 {
		t.Fatalf("locks released = %d, want 1", res.LocksReleased)
	}
	if len(res.Claims) != 2 {
		t.Fatalf("claims released = %d, want 2", len(res.Claims))
	}

	if _, err := st.GetSession(ctx, "s1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("session still present: %v", err)
	}
	status, err := st.IsLockHeld(ctx, "res/a")
	if err != nil {
		t.Fatalf("lock status: %v", err)
	}
	if status.Held {
		t.Fatal("lock survived deregistration")
	}
	claim, err := st.GetClaim(ctx, "task-1")
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	if claim != nil {
		t.Fatal("claim survived deregistration")
	}
}

func TestDeregisterMissing(t *testing.T) {
	st := NewSQLiteTest(t)
	res, err := st.DeregisterSession(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if res.Found {
		t.Fatal("missing session reported found")
	}
}
