package core

import "time"

// Session identifies one live process instance, tracked via heartbeat.
type Session struct {
	ID            string    `json:"session_id"`
	ProjectPath   string    `json:"project_path"`
	AgentType     string    `json:"agent_type"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Lock is a mutual-exclusion lease over a named resource. Existence of a
// non-expired row implies "held"; at most one such row exists per resource.
type Lock struct {
	Resource   string    `json:"resource"`
	HolderID   string    `json:"holder_session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ClaimStatus is the lifecycle marker stored on a claim row.
type ClaimStatus string

const (
	ClaimStatusActive ClaimStatus = "active"
)

// Claim leases exclusive ownership of a unit of work. At most one non-expired
// claim exists per task id.
type Claim struct {
	TaskID         string      `json:"task_id"`
	SessionID      string      `json:"session_id"`
	ClaimedAt      time.Time   `json:"claimed_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	HeartbeatCount int         `json:"heartbeat_count"`
	Metadata       string      `json:"metadata,omitempty"`
	Status         ClaimStatus `json:"status"`
}

// Remaining returns the time left on the claim's lease at now, never negative.
func (c Claim) Remaining(now time.Time) time.Duration {
	if d := c.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the claim's lease has lapsed at now.
func (c Claim) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// HealthStatus is the three-tier lease health reported on claim reads.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// ChangeEntry is one row of the append-only change journal.
type ChangeEntry struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Resource   string    `json:"resource"`
	ChangeType string    `json:"change_type"`
	ChangeData string    `json:"change_data,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Applied    bool      `json:"applied"`
}

// OrphanReason classifies why an orphaned claim was reclaimed.
type OrphanReason string

const (
	OrphanSessionMissing OrphanReason = "session_missing"
	OrphanSessionStale   OrphanReason = "session_stale"
)

// OrphanedClaim pairs a reclaimed claim with the reason it was orphaned.
type OrphanedClaim struct {
	Claim    Claim
	Reason   OrphanReason
	StaleFor time.Duration // set when Reason is OrphanSessionStale
}
