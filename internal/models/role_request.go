package models

import "time"

// RequestStatus is the lifecycle state of a role request. Transitions are
// one-way: PENDING may move to any terminal state, terminal states never move.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "PENDING"
	RequestStatusApproved RequestStatus = "APPROVED"
	RequestStatusDenied   RequestStatus = "DENIED"
	RequestStatusExpired  RequestStatus = "EXPIRED"
)

// VerificationMethod describes how a requested role gets validated.
type VerificationMethod string

const (
	VerificationEmailDomain   VerificationMethod = "EMAIL_DOMAIN"
	VerificationAdminApproval VerificationMethod = "ADMIN_APPROVAL"
	VerificationManualReview  VerificationMethod = "MANUAL_REVIEW"
)

// RoleRequest represents a user's pending ask for a new role.
type RoleRequest struct {
	ID                 string             `db:"id" json:"id"`
	UserID             string             `db:"user_id" json:"user_id"`
	RequestedRole      Role               `db:"requested_role" json:"requested_role"`
	CurrentRole        *Role              `db:"current_role" json:"current_role,omitempty"`
	Justification      string             `db:"justification" json:"justification"`
	Status             RequestStatus      `db:"status" json:"status"`
	RequestedAt        time.Time          `db:"requested_at" json:"requested_at"`
	ReviewedAt         *time.Time         `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ReviewedBy         *string            `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewNotes        *string            `db:"review_notes" json:"review_notes,omitempty"`
	VerificationMethod VerificationMethod `db:"verification_method" json:"verification_method"`
	InstitutionID      string             `db:"institution_id" json:"institution_id"`
	DepartmentID       *string            `db:"department_id" json:"department_id,omitempty"`
	ExpiresAt          time.Time          `db:"expires_at" json:"expires_at"`
	Metadata           Metadata           `db:"metadata" json:"metadata,omitempty"`
}

// IsPending reports whether the request can still be resolved.
func (r *RoleRequest) IsPending() bool {
	return r.Status == RequestStatusPending
}

// RequiresApproval reads the flag stamped by the escalation check.
func (r *RoleRequest) RequiresApproval() bool {
	if r.Metadata == nil {
		return false
	}
	v, ok := r.Metadata["requires_approval"].(bool)
	return ok && v
}

// RoleChangeRequest asks to move a user directly from one role to another.
// It is transient: processing it produces either a RoleRequest or a direct
// revoke+assign, never a persisted row of its own.
type RoleChangeRequest struct {
	UserID           string   `json:"user_id" validate:"required"`
	CurrentRole      Role     `json:"current_role" validate:"required"`
	NewRole          Role     `json:"new_role" validate:"required"`
	ChangedBy        string   `json:"changed_by" validate:"required"`
	Reason           string   `json:"reason" validate:"required"`
	InstitutionID    string   `json:"institution_id" validate:"required"`
	DepartmentID     *string  `json:"department_id,omitempty"`
	RequiresApproval bool     `json:"requires_approval"`
	Metadata         Metadata `json:"metadata,omitempty"`
}

// RoleChangeValidation is the outcome of validating a role change.
type RoleChangeValidation struct {
	IsValid          bool     `json:"is_valid"`
	Errors           []string `json:"errors,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	RequiresApproval bool     `json:"requires_approval"`
	ApprovalReason   string   `json:"approval_reason,omitempty"`
}

// RoleChangeResult is the discriminated outcome of processing a role change:
// exactly one of Assignment (executed directly) or Request (routed through
// approval) is set on success.
type RoleChangeResult struct {
	Success    bool                `json:"success"`
	Assignment *UserRoleAssignment `json:"assignment,omitempty"`
	Request    *RoleRequest        `json:"request,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// RoleChangeImpact previews the permission diff between two roles.
type RoleChangeImpact struct {
	FromRole           Role     `json:"from_role"`
	ToRole             Role     `json:"to_role"`
	AddedPermissions   []string `json:"added_permissions"`
	RemovedPermissions []string `json:"removed_permissions"`
}
