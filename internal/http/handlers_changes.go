package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/arbiter/internal/core"
)

type changeRequest struct {
	SessionID  string `json:"session_id"`
	Resource   string `json:"resource"`
	ChangeType string `json:"change_type"`
	ChangeData string `json:"change_data,omitempty"`
}

type apiChange struct {
	ID         int64  `json:"id"`
	SessionID  string `json:"session_id"`
	Resource   string `json:"resource"`
	ChangeType string `json:"change_type"`
	ChangeData string `json:"change_data,omitempty"`
	Timestamp  string `json:"timestamp"`
	Applied    bool   `json:"applied"`
}

func toAPIChange(c core.ChangeEntry) apiChange {
	return apiChange{
		ID:         c.ID,
		SessionID:  c.SessionID,
		Resource:   c.Resource,
		ChangeType: c.ChangeType,
		ChangeData: c.ChangeData,
		Timestamp:  c.Timestamp.Format(time.RFC3339Nano),
		Applied:    c.Applied,
	}
}

func (s *Service) handleChanges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listChanges(w, r)
	case http.MethodPost:
		s.recordChange(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Path shape: /api/changes/{id}/applied.
func (s *Service) handleChangeByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/changes/"), "/")
	raw, ok := strings.CutSuffix(path, "/applied")
	if !ok || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	marked, err := s.coord.Journal.MarkApplied(r.Context(), id)
	if err != nil {
		s.internalError(w, "mark change applied", err)
		return
	}
	if !marked {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
}

func (s *Service) recordChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.Resource == "" || req.ChangeType == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id, err := s.coord.Journal.Record(r.Context(), req.SessionID, req.Resource, req.ChangeType, req.ChangeData)
	if err != nil {
		s.internalError(w, "record change", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Service) listChanges(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		changes []core.ChangeEntry
		err     error
	)
	if session := r.URL.Query().Get("session"); session != "" {
		changes, err = s.coord.Journal.BySession(r.Context(), session, limit)
	} else if resource := r.URL.Query().Get("resource"); resource != "" {
		changes, err = s.coord.Journal.ByResource(r.Context(), resource, limit)
	} else {
		changes, err = s.coord.Journal.Recent(r.Context(), limit)
	}
	if err != nil {
		s.internalError(w, "list changes", err)
		return
	}

	out := make([]apiChange, 0, len(changes))
	for _, c := range changes {
		out = append(out, toAPIChange(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": out})
}
