package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mistakeknot/arbiter/internal/coord"
	"github.com/mistakeknot/arbiter/internal/core"
)

type claimRequest struct {
	TaskID    string   `json:"task_id"`
	SessionID string   `json:"session_id"`
	TTLMs     int64    `json:"ttl_ms"`
	Metadata  string   `json:"metadata,omitempty"`
	Ancestors []string `json:"ancestors,omitempty"`
}

type releaseClaimRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type apiClaim struct {
	TaskID         string `json:"task_id"`
	SessionID      string `json:"session_id"`
	ClaimedAt      string `json:"claimed_at"`
	ExpiresAt      string `json:"expires_at"`
	LastHeartbeat  string `json:"last_heartbeat"`
	HeartbeatCount int    `json:"heartbeat_count"`
	Metadata       string `json:"metadata,omitempty"`
	Status         string `json:"status"`
}

func toAPIClaim(c core.Claim) apiClaim {
	return apiClaim{
		TaskID:         c.TaskID,
		SessionID:      c.SessionID,
		ClaimedAt:      c.ClaimedAt.Format(time.RFC3339Nano),
		ExpiresAt:      c.ExpiresAt.Format(time.RFC3339Nano),
		LastHeartbeat:  c.LastHeartbeat.Format(time.RFC3339Nano),
		HeartbeatCount: c.HeartbeatCount,
		Metadata:       c.Metadata,
		Status:         string(c.Status),
	}
}

func (s *Service) handleClaims(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listClaims(w, r)
	case http.MethodPost:
		s.createClaim(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Path shapes: /api/claims/{task}, /api/claims/{task}/refresh and
// /api/claims/{task}/reserved. Task ids may contain slashes, so the verbs
// are matched as suffixes.
func (s *Service) handleClaimByTask(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/claims/"), "/")
	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if task, ok := strings.CutSuffix(path, "/refresh"); ok && r.Method == http.MethodPost {
		s.refreshClaim(w, r, task)
		return
	}
	if task, ok := strings.CutSuffix(path, "/reserved"); ok && r.Method == http.MethodGet {
		s.checkReserved(w, r, task)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getClaim(w, r, path)
	case http.MethodDelete:
		s.releaseClaim(w, r, path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) createClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || req.SessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := s.coord.Claims.Claim(r.Context(), req.TaskID, req.SessionID, coord.ClaimOptions{
		TTL:       time.Duration(req.TTLMs) * time.Millisecond,
		Metadata:  req.Metadata,
		Ancestors: req.Ancestors,
	})
	if err != nil {
		s.internalError(w, "claim task", err)
		return
	}
	status := http.StatusOK
	if !res.Claimed {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"claimed":           res.Claimed,
		"extended":          res.Extended,
		"code":              res.Code,
		"holder":            res.Holder,
		"blocking_ancestor": res.BlockingAncestor,
		"remaining_ms":      res.Remaining.Milliseconds(),
	})
}

func (s *Service) listClaims(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	includeExpired := r.URL.Query().Get("include_expired") == "true"
	claims, err := s.coord.Claims.Active(r.Context(), sessionID, includeExpired)
	if err != nil {
		s.internalError(w, "list claims", err)
		return
	}
	out := make([]apiClaim, 0, len(claims))
	for _, c := range claims {
		out = append(out, toAPIClaim(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": out})
}

func (s *Service) getClaim(w http.ResponseWriter, r *http.Request, task string) {
	info, err := s.coord.Claims.Get(r.Context(), task)
	if err != nil {
		s.internalError(w, "get claim", err)
		return
	}
	if info == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claim":         toAPIClaim(info.Claim),
		"remaining_ms":  info.Remaining.Milliseconds(),
		"health_status": info.Health,
	})
}

func (s *Service) releaseClaim(w http.ResponseWriter, r *http.Request, task string) {
	var req releaseClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := s.coord.Claims.Release(r.Context(), task, req.SessionID, req.Reason)
	if err != nil {
		s.internalError(w, "release claim", err)
		return
	}
	status := http.StatusOK
	if !res.Released && res.Code == core.CodeNotClaimOwner {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Service) refreshClaim(w http.ResponseWriter, r *http.Request, task string) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := s.coord.Claims.Refresh(r.Context(), task, req.SessionID, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		s.internalError(w, "refresh claim", err)
		return
	}
	status := http.StatusOK
	if !res.Refreshed {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Service) checkReserved(w http.ResponseWriter, r *http.Request, task string) {
	var ancestors []string
	if v := r.URL.Query().Get("ancestors"); v != "" {
		ancestors = strings.Split(v, ",")
	}
	exclude := r.URL.Query().Get("exclude")
	res, err := s.coord.Claims.IsReserved(r.Context(), task, ancestors, exclude)
	if err != nil {
		s.internalError(w, "check reserved", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
