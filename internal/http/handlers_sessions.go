package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

type sessionRequest struct {
	SessionID   string `json:"session_id"`
	ProjectPath string `json:"project_path"`
	AgentType   string `json:"agent_type"`
}

type apiSession struct {
	SessionID     string `json:"session_id"`
	ProjectPath   string `json:"project_path,omitempty"`
	AgentType     string `json:"agent_type,omitempty"`
	CreatedAt     string `json:"created_at"`
	LastHeartbeat string `json:"last_heartbeat"`
	Reregistered  bool   `json:"reregistered,omitempty"`
}

func toAPISession(s core.Session) apiSession {
	return apiSession{
		SessionID:     s.ID,
		ProjectPath:   s.ProjectPath,
		AgentType:     s.AgentType,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339Nano),
		LastHeartbeat: s.LastHeartbeat.Format(time.RFC3339Nano),
	}
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSessions(w, r)
	case http.MethodPost:
		s.registerSession(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Path shapes: /api/sessions/{id} and /api/sessions/{id}/heartbeat.
func (s *Service) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if id, ok := strings.CutSuffix(path, "/heartbeat"); ok {
		s.sessionHeartbeat(w, r, id)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getSession(w, r, path)
	case http.MethodDelete:
		s.deregisterSession(w, r, path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) registerSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sess, rereg, err := s.coord.Registry.Register(r.Context(), req.SessionID, req.ProjectPath, req.AgentType)
	if err != nil {
		s.internalError(w, "register session", err)
		return
	}
	out := toAPISession(sess)
	out.Reregistered = rereg
	status := http.StatusCreated
	if rereg {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

// listSessions returns every session, or only stale ones when the caller
// passes ?stale_ms= with a heartbeat age threshold.
func (s *Service) listSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []core.Session
	var err error
	if raw := r.URL.Query().Get("stale_ms"); raw != "" {
		ms, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || ms < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sessions, err = s.coord.Registry.Stale(r.Context(), time.Duration(ms)*time.Millisecond)
	} else {
		sessions, err = s.coord.Registry.List(r.Context())
	}
	if err != nil {
		s.internalError(w, "list sessions", err)
		return
	}
	out := make([]apiSession, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toAPISession(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Service) getSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.coord.Registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.internalError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, toAPISession(sess))
}

func (s *Service) sessionHeartbeat(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	updated, err := s.coord.Registry.Heartbeat(r.Context(), id)
	if err != nil {
		s.internalError(w, "heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

func (s *Service) deregisterSession(w http.ResponseWriter, r *http.Request, id string) {
	res, err := s.coord.Registry.Deregister(r.Context(), id)
	if err != nil {
		s.internalError(w, "deregister session", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
