package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mistakeknot/arbiter/internal/coord"
	httpapi "github.com/mistakeknot/arbiter/internal/http"
	"github.com/mistakeknot/arbiter/internal/storage"
)

func newTestServer(t *testing.T) (*Client, *coord.Coordinator) {
	t.Helper()
	c := coord.New(storage.NewInMemory(), coord.Config{})
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.NewService(c), nil, nil))
	t.Cleanup(srv.Close)
	return New(srv.URL), c
}

func TestStaleSessions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := storage.NewInMemory()
	store.SetNowFunc(clock)
	c := coord.New(store, coord.Config{}, coord.WithNowFunc(clock))
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.NewService(c), nil, nil))
	t.Cleanup(srv.Close)
	cli := New(srv.URL)
	ctx := context.Background()

	if _, err := cli.RegisterSession(ctx, Session{SessionID: "old"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	now = now.Add(20 * time.Minute)
	if _, err := cli.RegisterSession(ctx, Session{SessionID: "fresh"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	stale, err := cli.StaleSessions(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("stale sessions: %v", err)
	}
	if len(stale) != 1 || stale[0].SessionID != "old" {
		t.Fatalf("stale = %+v, want only old", stale)
	}

	all, err := cli.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %+v, want both", all)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	cli, _ := newTestServer(t)
	ctx := context.Background()

	sess, err := cli.RegisterSession(ctx, Session{SessionID: "s1", AgentType: "worker"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if sess.SessionID != "s1" || sess.Reregistered {
		t.Fatalf("session = %+v", sess)
	}

	again, err := cli.RegisterSession(ctx, Session{SessionID: "s1", AgentType: "worker"})
	if err != nil {
		t.Fatalf("reregister: %v", err)
	}
	if !again.Reregistered {
		t.Fatal("re-registration not flagged")
	}

	updated, err := cli.Heartbeat(ctx, "s1")
	if err != nil || !updated {
		t.Fatalf("heartbeat = %v, err = %v", updated, err)
	}

	got, err := cli.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.SessionID != "s1" {
		t.Fatalf("got = %+v", got)
	}

	missing, err := cli.GetSession(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing = %+v", missing)
	}

	all, err := cli.ListSessions(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list = %d entries, err = %v", len(all), err)
	}

	if err := cli.DeregisterSession(ctx, "s1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
}

func TestLockRoundTrip(t *testing.T) {
	cli, _ := newTestServer(t)
	ctx := context.Background()

	res, err := cli.AcquireLock(ctx, "src/pkg/file.go", "s1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("result = %+v", res)
	}

	conflict, err := cli.AcquireLock(ctx, "src/pkg/file.go", "s2", time.Minute)
	if err != nil {
		t.Fatalf("acquire conflict: %v", err)
	}
	if conflict.Acquired || conflict.Holder != "s1" {
		t.Fatalf("conflict = %+v", conflict)
	}

	refreshed, err := cli.RefreshLock(ctx, "src/pkg/file.go", "s1", 2*time.Minute)
	if err != nil || !refreshed {
		t.Fatalf("refresh = %v, err = %v", refreshed, err)
	}

	status, err := cli.LockStatus(ctx, "src/pkg/file.go")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Held || status.Holder != "s1" || status.RemainingMs <= 0 {
		t.Fatalf("status = %+v", status)
	}

	released, err := cli.ReleaseLock(ctx, "src/pkg/file.go", "s1")
	if err != nil || !released {
		t.Fatalf("release = %v, err = %v", released, err)
	}
}

func TestClientWithLock(t *testing.T) {
	cli, _ := newTestServer(t)
	ctx := context.Background()

	ran := false
	err := cli.WithLock(ctx, "res", "s1", time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("withlock ran = %v, err = %v", ran, err)
	}

	status, err := cli.LockStatus(ctx, "res")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Held {
		t.Fatal("lock leaked")
	}

	if _, err := cli.AcquireLock(ctx, "res", "other", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err = cli.WithLock(ctx, "res", "s1", time.Minute, func(context.Context) error {
		t.Fatal("fn must not run on contention")
		return nil
	})
	if err == nil {
		t.Fatal("expected contention error")
	}

	boom := errors.New("boom")
	err = cli.WithLock(ctx, "res2", "s1", time.Minute, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestClaimRoundTrip(t *testing.T) {
	cli, _ := newTestServer(t)
	ctx := context.Background()

	res, err := cli.ClaimTask(ctx, ClaimRequest{TaskID: "epic-1", SessionID: "s1", TTL: time.Hour})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !res.Claimed {
		t.Fatalf("result = %+v", res)
	}

	blocked, err := cli.ClaimTask(ctx, ClaimRequest{
		TaskID:    "epic-1.story-2",
		SessionID: "s2",
		TTL:       time.Hour,
		Ancestors: []string{"epic-1"},
	})
	if err != nil {
		t.Fatalf("claim blocked: %v", err)
	}
	if blocked.Claimed || blocked.Code != "ANCESTOR_CLAIMED" || blocked.BlockingAncestor != "epic-1" {
		t.Fatalf("blocked = %+v", blocked)
	}

	reserved, err := cli.IsTaskReserved(ctx, "epic-1.story-2", []string{"epic-1"}, "s2")
	if err != nil {
		t.Fatalf("reserved: %v", err)
	}
	if !reserved.Reserved || !reserved.AncestorClaim {
		t.Fatalf("reserved = %+v", reserved)
	}

	refresh, err := cli.RefreshClaim(ctx, "epic-1", "s1", time.Hour)
	if err != nil || !refresh.Refreshed {
		t.Fatalf("refresh = %+v, err = %v", refresh, err)
	}

	info, err := cli.GetClaim(ctx, "epic-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if info == nil || info.Claim.SessionID != "s1" || info.HealthStatus != "healthy" {
		t.Fatalf("info = %+v", info)
	}

	claims, err := cli.ActiveClaims(ctx, "s1", false)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claims = %d, err = %v", len(claims), err)
	}

	release, err := cli.ReleaseClaim(ctx, "epic-1", "s1", "completed")
	if err != nil || !release.Released {
		t.Fatalf("release = %+v, err = %v", release, err)
	}

	gone, err := cli.GetClaim(ctx, "epic-1")
	if err != nil {
		t.Fatalf("get after release: %v", err)
	}
	if gone != nil {
		t.Fatalf("released claim surfaced: %+v", gone)
	}
}

func TestReleaseClaimNotOwner(t *testing.T) {
	cli, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := cli.ClaimTask(ctx, ClaimRequest{TaskID: "t1", SessionID: "s1", TTL: time.Hour}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, err := cli.ReleaseClaim(ctx, "t1", "s2", "")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Released || res.Code != "NOT_CLAIM_OWNER" {
		t.Fatalf("result = %+v", res)
	}
}

func TestChangesRoundTrip(t *testing.T) {
	cli, _ := newTestServer(t)
	ctx := context.Background()

	id, err := cli.RecordChange(ctx, Change{
		SessionID:  "s1",
		Resource:   "a.txt",
		ChangeType: "edit",
		ChangeData: `{"lines":3}`,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if id == 0 {
		t.Fatal("no id assigned")
	}
	if _, err := cli.RecordChange(ctx, Change{SessionID: "s2", Resource: "b.txt", ChangeType: "delete"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	recent, err := cli.RecentChanges(ctx, 10)
	if err != nil || len(recent) != 2 {
		t.Fatalf("recent = %d, err = %v", len(recent), err)
	}

	bySession, err := cli.ChangesBySession(ctx, "s1", 10)
	if err != nil || len(bySession) != 1 || bySession[0].Resource != "a.txt" {
		t.Fatalf("by session = %+v, err = %v", bySession, err)
	}

	byResource, err := cli.ChangesByResource(ctx, "b.txt", 10)
	if err != nil || len(byResource) != 1 || byResource[0].ChangeType != "delete" {
		t.Fatalf("by resource = %+v, err = %v", byResource, err)
	}

	if err := cli.MarkChangeApplied(ctx, id); err != nil {
		t.Fatalf("mark applied: %v", err)
	}
	if err := cli.MarkChangeApplied(ctx, 9999); err == nil {
		t.Fatal("expected error marking missing change")
	}
}

func TestStatsEndpoint(t *testing.T) {
	cli, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := cli.RegisterSession(ctx, Session{SessionID: "s1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := cli.ClaimTask(ctx, ClaimRequest{TaskID: "t1", SessionID: "s1", TTL: time.Hour}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	stats, err := cli.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Sessions != 1 || stats.ActiveClaims != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAPIKeyHeader(t *testing.T) {
	cli := New("http://example.invalid", WithAPIKey(" key-123 "))
	if cli.APIKey != "key-123" {
		t.Fatalf("api key = %q", cli.APIKey)
	}
}

func TestEscapePathKeepsSlashes(t *testing.T) {
	got := escapePath("src/pkg name/file.go")
	if got != "src/pkg%20name/file.go" {
		t.Fatalf("escaped = %q", got)
	}
}
