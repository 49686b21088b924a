// Package ws streams coordination events to websocket subscribers.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/arbiter/internal/core"
)

const writeTimeout = 5 * time.Second

// Hub fans events out to connected subscribers. Subscribers may filter by
// event type prefix ("claim:", "session:") via the types query parameter.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn][]string
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn][]string)}
}

// Handler serves /ws/events. The connection is read-drained; clients only
// receive.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filters []string
		if v := strings.TrimSpace(r.URL.Query().Get("types")); v != "" {
			for _, f := range strings.Split(v, ",") {
				if f = strings.TrimSpace(f); f != "" {
					filters = append(filters, f)
				}
			}
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(conn, filters)
		defer h.remove(conn)

		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

// Broadcast sends the event to every subscriber whose filter matches. A
// failed write drops the connection.
func (h *Hub) Broadcast(event core.Event) {
	type target struct {
		conn    *websocket.Conn
		filters []string
	}
	h.mu.RLock()
	targets := make([]target, 0, len(h.conns))
	for conn, filters := range h.conns {
		targets = append(targets, target{conn: conn, filters: filters})
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if !matches(event.Type, t.filters) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, t.conn, event)
		cancel()
		if err != nil {
			go func(conn *websocket.Conn) {
				conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(conn)
			}(t.conn)
		}
	}
}

func matches(eventType core.EventType, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.HasPrefix(string(eventType), f) {
			return true
		}
	}
	return false
}

func (h *Hub) add(conn *websocket.Conn, filters []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = filters
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}
