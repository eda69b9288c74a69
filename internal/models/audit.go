package models

import "time"

// Audit actions for role lifecycle events.
const (
	AuditActionRequested = "REQUESTED"
	AuditActionApproved  = "APPROVED"
	AuditActionDenied    = "DENIED"
	AuditActionAssigned  = "ASSIGNED"
	AuditActionRevoked   = "REVOKED"
	AuditActionChanged   = "CHANGED"
	AuditActionExpired   = "EXPIRED"
)

// RoleAuditLog is an append-only record of every state-changing role action.
// Rows are never mutated or deleted.
type RoleAuditLog struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	ActorID       string    `db:"actor_id" json:"actor_id"`
	Action        string    `db:"action" json:"action"`
	FromRole      *Role     `db:"from_role" json:"from_role,omitempty"`
	ToRole        *Role     `db:"to_role" json:"to_role,omitempty"`
	InstitutionID string    `db:"institution_id" json:"institution_id"`
	Reason        *string   `db:"reason" json:"reason,omitempty"`
	Metadata      Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
