package core

import (
	"errors"
	"time"
)

// ErrNotFound is returned by reads for entities that do not exist.
var ErrNotFound = errors.New("not found")

// ErrLockNotAcquired is raised by WithLock when the initial acquisition fails.
// It is the only place a contention outcome surfaces as an error; everywhere
// else conflicts are result values.
var ErrLockNotAcquired = errors.New("could not acquire lock")

// OutcomeCode classifies write-path conflict outcomes. Callers branch on
// these instead of catching errors.
type OutcomeCode string

const (
	CodeTaskAlreadyClaimed OutcomeCode = "TASK_ALREADY_CLAIMED"
	CodeAncestorClaimed    OutcomeCode = "ANCESTOR_CLAIMED"
	CodeNotClaimOwner      OutcomeCode = "NOT_CLAIM_OWNER"
	CodeClaimNotFound      OutcomeCode = "CLAIM_NOT_FOUND"
	CodeClaimExpired       OutcomeCode = "CLAIM_EXPIRED"
	CodeNotLockOwner       OutcomeCode = "NOT_LOCK_OWNER"
	CodeLockNotFound       OutcomeCode = "LOCK_NOT_FOUND"
)

// LockResult reports the outcome of an acquire attempt. On conflict, Holder
// and Remaining identify the winner and the time left on its lease.
type LockResult struct {
	Acquired  bool          `json:"acquired"`
	Extended  bool          `json:"extended,omitempty"`
	Holder    string        `json:"holder,omitempty"`
	Remaining time.Duration `json:"-"`
}

// LockRefreshResult reports the outcome of a lock refresh.
type LockRefreshResult struct {
	Refreshed bool        `json:"refreshed"`
	Code      OutcomeCode `json:"code,omitempty"`
	Holder    string      `json:"holder,omitempty"`
}

// LockStatus is the live view of a lock returned by IsLockHeld.
type LockStatus struct {
	Held      bool          `json:"held"`
	Holder    string        `json:"holder,omitempty"`
	Remaining time.Duration `json:"-"`
}

// ClaimResult reports the outcome of a claim attempt. Exactly one of the
// failure codes is set when Claimed is false. BlockingAncestor is populated
// for ANCESTOR_CLAIMED.
type ClaimResult struct {
	Claimed          bool        `json:"claimed"`
	Extended         bool        `json:"extended,omitempty"`
	Code             OutcomeCode `json:"code,omitempty"`
	Holder           string      `json:"holder,omitempty"`
	BlockingAncestor string      `json:"blocking_ancestor,omitempty"`
	Remaining        time.Duration
	Claim            *Claim
}

// ReleaseResult reports the outcome of releasing a claim. A release whose
// claim had already lapsed is a success with WasExpired set; CLAIM_NOT_FOUND
// is a defined, non-exceptional outcome.
type ReleaseResult struct {
	Released   bool        `json:"released"`
	Code       OutcomeCode `json:"code,omitempty"`
	WasExpired bool        `json:"was_expired,omitempty"`
	Claim      *Claim      `json:"-"`
}

// RefreshResult reports the outcome of a claim refresh.
type RefreshResult struct {
	Refreshed      bool        `json:"refreshed"`
	Code           OutcomeCode `json:"code,omitempty"`
	HeartbeatCount int         `json:"heartbeat_count,omitempty"`
	Claim          *Claim      `json:"-"`
}

// ClaimInfo is a claim read enriched with remaining time and lease health.
type ClaimInfo struct {
	Claim     Claim         `json:"claim"`
	Remaining time.Duration `json:"-"`
	Health    HealthStatus  `json:"health_status"`
}

// ReservedResult is the read-only counterpart of the claim-time hierarchy
// check: whether a task is directly claimed, blocked by an ancestor claim,
// or held by the excluded session itself.
type ReservedResult struct {
	Reserved         bool   `json:"reserved"`
	DirectClaim      bool   `json:"direct_claim,omitempty"`
	AncestorClaim    bool   `json:"ancestor_claim,omitempty"`
	OwnedBySelf      bool   `json:"owned_by_self,omitempty"`
	Holder           string `json:"holder,omitempty"`
	BlockingAncestor string `json:"blocking_ancestor,omitempty"`
}

// CascadeResult reports what a session deregistration removed.
type CascadeResult struct {
	Found         bool
	LocksReleased int
	Claims        []Claim
}

// ClaimStats summarizes claim rows for dashboards.
type ClaimStats struct {
	Total       int            `json:"total"`
	TotalActive int            `json:"total_active"`
	BySession   map[string]int `json:"by_session"`
}

// Stats is the aggregate counter surface consumed by health checks.
type Stats struct {
	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"active_sessions"`
	Locks          int `json:"locks"`
	Claims         int `json:"claims"`
	ActiveClaims   int `json:"active_claims"`
	ExpiringClaims int `json:"expiring_claims"`
	Changes        int `json:"changes"`
}
