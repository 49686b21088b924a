package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

func TestRegisterEmitsLifecycle(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	events := collectEvents(c)
	ctx := context.Background()

	sess, rereg, err := c.Registry.Register(ctx, "s1", "/work/project", "worker")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rereg {
		t.Fatal("first registration reported as re-registration")
	}
	if sess.ID != "s1" || sess.AgentType != "worker" {
		t.Fatalf("session = %+v", sess)
	}

	_, rereg, err = c.Registry.Register(ctx, "s1", "/work/project", "worker")
	if err != nil {
		t.Fatalf("reregister: %v", err)
	}
	if !rereg {
		t.Fatal("second registration not reported as re-registration")
	}

	if len(*events) != 2 {
		t.Fatalf("events = %v", eventTypes(*events))
	}
	first := (*events)[0].Payload.(core.SessionLifecycle)
	second := (*events)[1].Payload.(core.SessionLifecycle)
	if first.Reregistered || !second.Reregistered {
		t.Fatalf("reregistered flags = %v, %v", first.Reregistered, second.Reregistered)
	}
}

func TestHeartbeatMissingSession(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})

	ok, err := c.Registry.Heartbeat(context.Background(), "nope")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ok {
		t.Fatal("heartbeat on missing session reported success")
	}
}

func TestGetMissingSession(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})

	_, err := c.Registry.Get(context.Background(), "nope")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeregisterCascadesAndEmits(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	if _, _, err := c.Registry.Register(ctx, "s1", "", "worker"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := c.Locks.Acquire(ctx, "res", "s1", time.Hour); err != nil {
		t.Fatalf("lock: %v", err)
	}
	for _, task := range []string{"t1", "t2"} {
		if _, err := c.Claims.Claim(ctx, task, "s1", ClaimOptions{TTL: time.Hour}); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	events := collectEvents(c)

	res, err := c.Registry.Deregister(ctx, "s1")
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if !res.Found || res.LocksReleased != 1 || res.ClaimsReleased != 2 {
		t.Fatalf("result = %+v", res)
	}

	var released int
	for _, ev := range *events {
		if ev.Type == core.EventClaimReleased {
			released++
			payload := ev.Payload.(core.ClaimReleased)
			if payload.Reason != "session_ended" {
				t.Fatalf("reason = %q", payload.Reason)
			}
		}
	}
	if released != 2 {
		t.Fatalf("released events = %d, want 2", released)
	}
	if !hasEvent(*events, core.EventSessionCleanup) {
		t.Fatalf("events = %v, want claims:session_cleanup", eventTypes(*events))
	}
	if !hasEvent(*events, core.EventSessionDeregistered) {
		t.Fatalf("events = %v, want session:deregistered", eventTypes(*events))
	}

	if _, err := c.Registry.Get(ctx, "s1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("session survived deregister: %v", err)
	}
}

func TestDeregisterMissing(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	events := collectEvents(c)

	res, err := c.Registry.Deregister(context.Background(), "nope")
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if res.Found {
		t.Fatal("missing session reported found")
	}
	if len(*events) != 0 {
		t.Fatalf("missing deregister emitted %v", eventTypes(*events))
	}
}

func TestCleanupStale(t *testing.T) {
	c, now := newTestCoordinator(t, Config{})
	ctx := context.Background()

	if _, _, err := c.Registry.Register(ctx, "quiet", "", "worker"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := c.Claims.Claim(ctx, "t1", "quiet", ClaimOptions{TTL: time.Hour}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := c.Registry.Register(ctx, "busy", "", "worker"); err != nil {
		t.Fatalf("register: %v", err)
	}

	*now = now.Add(20 * time.Minute)
	if _, err := c.Registry.Heartbeat(ctx, "busy"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	*now = now.Add(20 * time.Minute)
	events := collectEvents(c)

	removed, err := c.Registry.CleanupStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(removed) != 1 || removed[0] != "quiet" {
		t.Fatalf("removed = %v", removed)
	}

	for _, ev := range *events {
		if ev.Type == core.EventClaimReleased {
			if payload := ev.Payload.(core.ClaimReleased); payload.Reason != "session_stale" {
				t.Fatalf("reason = %q", payload.Reason)
			}
		}
	}
	if !hasEvent(*events, core.EventSessionExpired) {
		t.Fatalf("events = %v, want session:expired", eventTypes(*events))
	}

	if _, err := c.Registry.Get(ctx, "busy"); err != nil {
		t.Fatalf("live session removed: %v", err)
	}
}

func TestStaleList(t *testing.T) {
	c, now := newTestCoordinator(t, Config{})
	ctx := context.Background()

	if _, _, err := c.Registry.Register(ctx, "s1", "", "worker"); err != nil {
		t.Fatalf("register: %v", err)
	}
	*now = now.Add(10 * time.Minute)

	stale, err := c.Registry.Stale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale = %d, want 1", len(stale))
	}

	stale, err = c.Registry.Stale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("stale = %d, want 0", len(stale))
	}
}
