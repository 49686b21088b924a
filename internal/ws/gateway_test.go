package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/arbiter/internal/auth"
	"github.com/mistakeknot/arbiter/internal/coord"
	httpapi "github.com/mistakeknot/arbiter/internal/http"
	"github.com/mistakeknot/arbiter/internal/storage"
)

func newEventServer(t *testing.T) *httptest.Server {
	t.Helper()
	c := coord.New(storage.NewInMemory(), coord.Config{})
	hub := NewHub()
	c.Bus().Subscribe(hub.Broadcast)
	svc := httpapi.NewService(c)
	srv := httptest.NewServer(httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(nil)))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events" + query
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	return conn
}

func readWSEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var event map[string]any
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func claimTask(t *testing.T, srvURL, taskID, sessionID string) {
	t.Helper()
	payload := map[string]any{"task_id": taskID, "session_id": sessionID, "ttl_ms": 60000}
	buf, _ := json.Marshal(payload)
	resp, err := http.Post(srvURL+"/api/claims", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status: %d", resp.StatusCode)
	}
}

func TestWSReceivesClaimEvents(t *testing.T) {
	srv := newEventServer(t)

	conn := dialWS(t, srv, "")
	defer conn.Close(websocket.StatusNormalClosure, "")

	claimTask(t, srv.URL, "task-1", "s1")

	event := readWSEvent(t, conn, 2*time.Second)
	if event["type"] != "claim:acquired" {
		t.Fatalf("expected claim:acquired, got %v", event["type"])
	}
	payload, ok := event["payload"].(map[string]any)
	if !ok || payload["task_id"] != "task-1" {
		t.Fatalf("payload = %v", event["payload"])
	}
}

func TestWSTypeFilter(t *testing.T) {
	srv := newEventServer(t)

	sessionOnly := dialWS(t, srv, "?types=session:")
	defer sessionOnly.Close(websocket.StatusNormalClosure, "")

	claimTask(t, srv.URL, "task-1", "s1")

	payload, _ := json.Marshal(map[string]string{"session_id": "s1", "agent_type": "worker"})
	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resp.Body.Close()

	// The claim event is filtered out; the first delivery is the session one.
	event := readWSEvent(t, sessionOnly, 2*time.Second)
	if event["type"] != "session:registered" {
		t.Fatalf("expected session:registered, got %v", event["type"])
	}
}

func TestWSMultiSubscriberFanout(t *testing.T) {
	srv := newEventServer(t)

	conn1 := dialWS(t, srv, "")
	defer conn1.Close(websocket.StatusNormalClosure, "")
	conn2 := dialWS(t, srv, "")
	defer conn2.Close(websocket.StatusNormalClosure, "")

	claimTask(t, srv.URL, "task-1", "s1")

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		event := readWSEvent(t, conn, 2*time.Second)
		if event["type"] != "claim:acquired" {
			t.Fatalf("expected claim:acquired, got %v", event["type"])
		}
	}
}

func TestWSSubscriptionCleanup(t *testing.T) {
	srv := newEventServer(t)

	conn := dialWS(t, srv, "")
	conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server a moment to process the close.
	time.Sleep(50 * time.Millisecond)

	// Broadcasting after client disconnect must not panic.
	claimTask(t, srv.URL, "task-1", "s1")
}

func TestMatchesPrefixFilters(t *testing.T) {
	if !matches("claim:acquired", nil) {
		t.Fatal("empty filter must match everything")
	}
	if !matches("claim:acquired", []string{"claim:"}) {
		t.Fatal("prefix should match")
	}
	if matches("session:registered", []string{"claim:"}) {
		t.Fatal("non-matching prefix accepted")
	}
	if !matches("claims:cleanup", []string{"session:", "claims:"}) {
		t.Fatal("any-of filters should match")
	}
}
