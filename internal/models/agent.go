package models

import (
	"time"
)

// AgentStatus values persisted in Postgres.
const (
	AgentDraft          = "draft"
	AgentPendingProfile = "pending_profile"
	AgentPendingAdmin   = "pending_admin"
	AgentActive         = "active"
	AgentInactive       = "inactive"
	AgentSuspended      = "suspended"
)

// Agent is a tenant with its own microsite. Agents are never hard-deleted;
// suspended is the terminal "removed" state and the row persists for audit.
type Agent struct {
	ID          string    `json:"id"`
	Subdomain   string    `json:"subdomain"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Phone       *string   `json:"phone,omitempty"`
	Bio         *string   `json:"bio,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditEntry is an append-only record of a state transition or build outcome.
type AuditEntry struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	OldValue   string    `json:"old_value"`
	NewValue   string    `json:"new_value"`
	CreatedAt  time.Time `json:"created_at"`
}
