package models

import "time"

// Subscription binds a subscriber's Filter to a live Session.
type Subscription struct {
	SubscriptionID string    `json:"subscription_id"`
	SessionID      string    `json:"session_id"`
	Filter         Filter    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionSnapshot is a read-only projection of registry-owned session state.
type SessionSnapshot struct {
	SessionID        string    `json:"session_id"`
	ConnectionID     string    `json:"connection_id"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	SubscriptionIDs  []string  `json:"subscription_ids"`
	RemoteIdentity   string    `json:"remote_identity,omitempty"`
}

// EscalationState tracks the per-incident escalation timer and notification
// history.
type EscalationState struct {
	IncidentID          string
	CurrentLevel        int
	Status              EscalationStatus
	StartedAt           time.Time
	LevelReachedAt       time.Time
	NextEscalationAt    *time.Time
	RepeatCount         int
	NotificationHistory []NotificationRecord
}

// NotificationRecord is one entry in an EscalationState's notification
// history.
type NotificationRecord struct {
	SentAt  time.Time
	Channel string
	Level   int
}
