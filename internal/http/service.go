// Package httpapi exposes the coordination managers over HTTP.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mistakeknot/arbiter/internal/coord"
)

type Service struct {
	coord *coord.Coordinator
	log   *slog.Logger
}

func NewService(c *coord.Coordinator) *Service {
	return &Service{coord: c, log: slog.Default()}
}

func (s *Service) WithLogger(log *slog.Logger) *Service {
	s.log = log
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, "error", err)
	w.WriteHeader(http.StatusInternalServerError)
}
