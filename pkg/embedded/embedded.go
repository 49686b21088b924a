// Package embedded runs the coordination service in-process, either as a
// plain Coordinator over a local database or with the HTTP frontend attached
// for other local processes.
package embedded

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/arbiter/internal/coord"
	httpapi "github.com/mistakeknot/arbiter/internal/http"
	"github.com/mistakeknot/arbiter/internal/storage/sqlite"
	"github.com/mistakeknot/arbiter/internal/ws"
)

// Config configures the embedded service.
type Config struct {
	// DBPath is the SQLite database file. Defaults to ~/.arbiter/arbiter.db.
	DBPath string

	// Port for the optional HTTP frontend. Defaults to 7463.
	Port int

	// Host to bind. Defaults to 127.0.0.1.
	Host string

	// Coordinator tuning. Zero values use coordinator defaults.
	Coord coord.Config

	// Sweep enables the background cleanup loop.
	Sweep bool
}

// Service is an in-process coordination service.
type Service struct {
	cfg     Config
	store   *sqlite.Store
	coord   *coord.Coordinator
	sweeper *coord.Sweeper
	hub     *ws.Hub
	http    *http.Server

	mu      sync.Mutex
	started bool
}

// New opens the database and builds the coordinator. The HTTP frontend is
// constructed but not started until Start.
func New(cfg Config) (*Service, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".arbiter", "arbiter.db")
	}
	if cfg.Port == 0 {
		cfg.Port = 7463
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	c := coord.New(sqlite.NewResilient(store), cfg.Coord)
	hub := ws.NewHub()
	c.Bus().Subscribe(hub.Broadcast)

	svc := httpapi.NewService(c)
	// No auth for embedded use; the listener binds loopback only.
	router := httpapi.NewRouter(svc, hub.Handler(), nil)

	return &Service{
		cfg:     cfg,
		store:   store,
		coord:   c,
		sweeper: coord.NewSweeper(c, 0),
		hub:     hub,
		http:    &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: router},
	}, nil
}

// Start launches the HTTP frontend and, when configured, the sweeper.
// Idempotent.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.Sweep {
		s.sweeper.Start(context.Background())
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "arbiter server error: %v\n", err)
		}
	}()

	// Give the listener a moment to come up.
	time.Sleep(50 * time.Millisecond)
	return nil
}

// Stop shuts the frontend and sweeper down and closes the store.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return s.store.Close()
	}
	s.started = false
	s.mu.Unlock()

	if s.cfg.Sweep {
		s.sweeper.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Coordinator exposes the managers for direct in-process use.
func (s *Service) Coordinator() *coord.Coordinator {
	return s.coord
}

// Addr returns the frontend's listen address.
func (s *Service) Addr() string {
	return s.http.Addr
}

// URL returns the frontend's base URL.
func (s *Service) URL() string {
	return fmt.Sprintf("http://%s", s.http.Addr)
}
