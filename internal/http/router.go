package httpapi

import (
	"net/http"
)

// NewRouter wires the API surface. wsHandler serves the event stream at
// /ws/events; middleware (auth) wraps everything except /healthz.
func NewRouter(svc *Service, wsHandler http.HandlerFunc, middleware func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/sessions", svc.handleSessions)
	mux.HandleFunc("/api/sessions/", svc.handleSessionByID)
	mux.HandleFunc("/api/locks", svc.handleLocks)
	mux.HandleFunc("/api/locks/", svc.handleLockByResource)
	mux.HandleFunc("/api/claims", svc.handleClaims)
	mux.HandleFunc("/api/claims/", svc.handleClaimByTask)
	mux.HandleFunc("/api/changes", svc.handleChanges)
	mux.HandleFunc("/api/changes/", svc.handleChangeByID)
	mux.HandleFunc("/api/stats", svc.handleStats)
	if wsHandler != nil {
		mux.HandleFunc("/ws/events", wsHandler)
	}

	var handler http.Handler = mux
	if middleware != nil {
		handler = middleware(mux)
	}

	root := http.NewServeMux()
	root.HandleFunc("/healthz", svc.handleHealthz)
	root.Handle("/", handler)
	return root
}
