package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type lockRequest struct {
	Resource  string `json:"resource"`
	SessionID string `json:"session_id"`
	TTLMs     int64  `json:"ttl_ms"`
}

func (s *Service) handleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Resource == "" || req.SessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := s.coord.Locks.Acquire(r.Context(), req.Resource, req.SessionID, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		s.internalError(w, "acquire lock", err)
		return
	}
	status := http.StatusOK
	if !res.Acquired {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"acquired":     res.Acquired,
		"extended":     res.Extended,
		"holder":       res.Holder,
		"remaining_ms": res.Remaining.Milliseconds(),
	})
}

// Path shapes: /api/locks/{resource} and /api/locks/{resource}/refresh.
// Resources may contain slashes (file paths), so refresh is matched as a
// suffix.
func (s *Service) handleLockByResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/locks/"), "/")
	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if resource, ok := strings.CutSuffix(path, "/refresh"); ok && r.Method == http.MethodPost {
		s.refreshLock(w, r, resource)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.lockStatus(w, r, path)
	case http.MethodDelete:
		s.releaseLock(w, r, path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) lockStatus(w http.ResponseWriter, r *http.Request, resource string) {
	status, err := s.coord.Locks.IsHeld(r.Context(), resource)
	if err != nil {
		s.internalError(w, "lock status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"held":         status.Held,
		"holder":       status.Holder,
		"remaining_ms": status.Remaining.Milliseconds(),
	})
}

func (s *Service) releaseLock(w http.ResponseWriter, r *http.Request, resource string) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	released, err := s.coord.Locks.Release(r.Context(), resource, sessionID)
	if err != nil {
		s.internalError(w, "release lock", err)
		return
	}
	status := http.StatusOK
	if !released {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]bool{"released": released})
}

func (s *Service) refreshLock(w http.ResponseWriter, r *http.Request, resource string) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := s.coord.Locks.Refresh(r.Context(), resource, req.SessionID, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		s.internalError(w, "refresh lock", err)
		return
	}
	status := http.StatusOK
	if !res.Refreshed {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}
