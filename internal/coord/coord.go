// Package coord implements the coordination managers over the persistent
// store: session registry, lock manager, claim manager, change journal and
// the background sweeper. The store is the sole source of truth; managers
// add TTL defaults, lease health, and event emission on top of it.
package coord

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/arbiter/internal/core"
	"github.com/mistakeknot/arbiter/internal/storage"
)

// Config is the tuning surface for the coordinator. Zero values fall back to
// the defaults below.
type Config struct {
	LockTTL          time.Duration // default lease for locks
	ClaimTTL         time.Duration // default lease for claims
	CleanupInterval  time.Duration // sweeper period
	OrphanThreshold  time.Duration // heartbeat age after which a session is considered gone
	WarningThreshold time.Duration // claim health flips to "warning" below this remaining time
	JournalRetention time.Duration // applied journal entries older than this are pruned
}

const criticalRemaining = time.Minute

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.OrphanThreshold <= 0 {
		c.OrphanThreshold = 10 * time.Minute
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = 5 * time.Minute
	}
	if c.JournalRetention <= 0 {
		c.JournalRetention = 24 * time.Hour
	}
	return c
}

// Coordinator bundles the managers that share one store and one event bus.
type Coordinator struct {
	Registry *Registry
	Locks    *Locks
	Claims   *Claims
	Journal  *Journal

	store   storage.Store
	bus     *Bus
	cfg     Config
	log     *slog.Logger
	nowFunc func() time.Time
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithNowFunc replaces the time source. Tests use this to advance time
// deterministically.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Coordinator) { c.nowFunc = now }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func New(store storage.Store, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		bus:     NewBus(),
		cfg:     cfg.withDefaults(),
		log:     slog.Default(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Registry = &Registry{c: c}
	c.Locks = &Locks{c: c}
	c.Claims = &Claims{c: c}
	c.Journal = &Journal{c: c}
	return c
}

// Bus returns the event bus for observer registration.
func (c *Coordinator) Bus() *Bus { return c.bus }

// Config returns the effective configuration after defaulting.
func (c *Coordinator) Config() Config { return c.cfg }

func (c *Coordinator) now() time.Time { return c.nowFunc().UTC() }

func (c *Coordinator) emit(t core.EventType, payload any) {
	c.bus.Publish(core.Event{
		ID:      uuid.NewString(),
		Type:    t,
		At:      c.now(),
		Payload: payload,
	})
}

// Stats returns the aggregate counters consumed by dashboards and health
// checks. A session or claim counts as active when seen within the orphan
// threshold / before lease expiry; "expiring" claims are active ones inside
// the warning window.
func (c *Coordinator) Stats(ctx context.Context) (core.Stats, error) {
	var stats core.Stats
	now := c.now()

	sessions, err := c.store.ListSessions(ctx)
	if err != nil {
		return stats, err
	}
	stats.Sessions = len(sessions)
	cutoff := now.Add(-c.cfg.OrphanThreshold)
	for _, s := range sessions {
		if !s.LastHeartbeat.Before(cutoff) {
			stats.ActiveSessions++
		}
	}

	stats.Locks, err = c.store.CountLocks(ctx)
	if err != nil {
		return stats, err
	}

	claims, err := c.store.ActiveClaims(ctx, "", true)
	if err != nil {
		return stats, err
	}
	stats.Claims = len(claims)
	for _, claim := range claims {
		if claim.Expired(now) {
			continue
		}
		stats.ActiveClaims++
		if claim.Remaining(now) < c.cfg.WarningThreshold {
			stats.ExpiringClaims++
		}
	}

	stats.Changes, err = c.store.CountChanges(ctx)
	return stats, err
}
