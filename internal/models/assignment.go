package models

import "time"

// AssignmentStatus is the lifecycle state of a role assignment. Revocation
// suspends, never deletes.
type AssignmentStatus string

const (
	AssignmentStatusActive    AssignmentStatus = "ACTIVE"
	AssignmentStatusSuspended AssignmentStatus = "SUSPENDED"
	AssignmentStatusExpired   AssignmentStatus = "EXPIRED"
)

// UserRoleAssignment represents a currently-held or historically held role
// binding. A role value change supersedes the row (old suspended, new
// created), it is never updated in place.
type UserRoleAssignment struct {
	ID            string           `db:"id" json:"id"`
	UserID        string           `db:"user_id" json:"user_id"`
	Role          Role             `db:"role" json:"role"`
	Status        AssignmentStatus `db:"status" json:"status"`
	AssignedBy    string           `db:"assigned_by" json:"assigned_by"`
	AssignedAt    time.Time        `db:"assigned_at" json:"assigned_at"`
	ExpiresAt     *time.Time       `db:"expires_at" json:"expires_at,omitempty"`
	DepartmentID  *string          `db:"department_id" json:"department_id,omitempty"`
	InstitutionID string           `db:"institution_id" json:"institution_id"`
	IsTemporary   bool             `db:"is_temporary" json:"is_temporary"`
	Metadata      Metadata         `db:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
}

// IsExpired reports whether a temporary assignment has passed its expiry.
func (a *UserRoleAssignment) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// SweepError captures a per-item failure during the expiration sweep.
type SweepError struct {
	AssignmentID string `json:"assignment_id"`
	Error        string `json:"error"`
}

// SweepResult summarises one expiration sweep run.
type SweepResult struct {
	Processed  int          `json:"processed"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Errors     []SweepError `json:"errors,omitempty"`
}

// BulkAssignmentError captures a per-item failure in a bulk assignment.
type BulkAssignmentError struct {
	Index  int    `json:"index"`
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// BulkAssignmentResult summarises a bulk assignment run.
type BulkAssignmentResult struct {
	Successful  int                   `json:"successful"`
	Failed      int                   `json:"failed"`
	Errors      []BulkAssignmentError `json:"errors,omitempty"`
	Assignments []UserRoleAssignment  `json:"assignments,omitempty"`
}
