package coord

import (
	"context"
	"sync"
	"time"
)

// Sweeper periodically reclaims expired locks and claims, removes orphaned
// claims and stale sessions, and prunes the journal. It is the safety net
// behind the lazy expiry-on-read path: either path alone keeps the store
// correct, together they keep it small.
type Sweeper struct {
	c        *Coordinator
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewSweeper builds a sweeper over the coordinator. A non-positive interval
// selects the configured cleanup interval.
func NewSweeper(c *Coordinator, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = c.cfg.CleanupInterval
	}
	return &Sweeper{c: c, interval: interval}
}

// Start runs one sweep immediately, then sweeps on the interval until Stop
// is called or ctx is cancelled. Start is idempotent.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true
	s.mu.Unlock()

	s.Sweep(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
}

// Sweep runs every cleanup pass once. Each pass is independent: a failing
// pass is logged and the rest still run.
func (s *Sweeper) Sweep(ctx context.Context) {
	log := s.c.log

	if n, err := s.c.Locks.CleanupExpired(ctx); err != nil {
		log.Error("sweep expired locks", "error", err)
	} else if n > 0 {
		log.Info("swept expired locks", "count", n)
	}

	if n, err := s.c.Claims.CleanupExpired(ctx); err != nil {
		log.Error("sweep expired claims", "error", err)
	} else if n > 0 {
		log.Info("swept expired claims", "count", n)
	}

	if n, err := s.c.Claims.CleanupOrphaned(ctx, s.c.cfg.OrphanThreshold); err != nil {
		log.Error("sweep orphaned claims", "error", err)
	} else if n > 0 {
		log.Info("swept orphaned claims", "count", n)
	}

	if removed, err := s.c.Registry.CleanupStale(ctx, s.c.cfg.OrphanThreshold); err != nil {
		log.Error("sweep stale sessions", "error", err)
	} else if len(removed) > 0 {
		log.Info("swept stale sessions", "count", len(removed))
	}

	if n, err := s.c.Journal.Prune(ctx, s.c.cfg.JournalRetention); err != nil {
		log.Error("prune journal", "error", err)
	} else if n > 0 {
		log.Info("pruned journal entries", "count", n)
	}
}
