package core

import "time"

type EventType string

const (
	EventClaimAcquired  EventType = "claim:acquired"
	EventClaimReleased  EventType = "claim:released"
	EventClaimRefreshed EventType = "claim:refreshed"
	EventClaimExpired   EventType = "claim:expired"
	EventClaimOrphaned  EventType = "claim:orphaned"
	EventClaimsCleanup  EventType = "claims:cleanup"
	EventSessionCleanup EventType = "claims:session_cleanup"

	EventSessionRegistered   EventType = "session:registered"
	EventSessionDeregistered EventType = "session:deregistered"
	EventSessionExpired      EventType = "session:expired"
)

// Event is one coordination lifecycle event. Payload is one of the payload
// structs below, keyed by Type.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

type ClaimAcquired struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
}

type ClaimReleased struct {
	TaskID     string    `json:"task_id"`
	SessionID  string    `json:"session_id"`
	Reason     string    `json:"reason"`
	ReleasedAt time.Time `json:"released_at"`
	HeldForMs  int64     `json:"held_for_ms"`
}

type ClaimRefreshed struct {
	TaskID         string `json:"task_id"`
	HeartbeatCount int    `json:"heartbeat_count"`
}

type ClaimExpired struct {
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	ExpiredAt time.Time `json:"expired_at"`
	AgeMs     int64     `json:"age_ms"`
}

type ClaimOrphaned struct {
	TaskID     string       `json:"task_id"`
	SessionID  string       `json:"session_id"`
	Reason     OrphanReason `json:"reason"`
	CleanedAt  time.Time    `json:"cleaned_at"`
	StaleForMs int64        `json:"stale_for_ms,omitempty"`
}

type CleanupSummary struct {
	Kind      string    `json:"type"` // "expired" or "orphaned"
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionCleanup struct {
	SessionID string    `json:"session_id"`
	Count     int       `json:"count"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionLifecycle struct {
	SessionID    string `json:"session_id"`
	AgentType    string `json:"agent_type,omitempty"`
	Reregistered bool   `json:"reregistered,omitempty"`
}
