package models

import "time"

// Severity grades a suspicious activity record.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EscalationAttempt is an append-only audit record of every validated or
// blocked role request.
type EscalationAttempt struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	FromRole      *Role     `db:"from_role" json:"from_role,omitempty"`
	ToRole        Role      `db:"to_role" json:"to_role"`
	InstitutionID string    `db:"institution_id" json:"institution_id"`
	Allowed       bool      `db:"allowed" json:"allowed"`
	RiskScore     int       `db:"risk_score" json:"risk_score"`
	Reason        *string   `db:"reason" json:"reason,omitempty"`
	ClientIP      *string   `db:"client_ip" json:"client_ip,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// SuspiciousActivity is an append-only security event with an explicit
// resolved lifecycle.
type SuspiciousActivity struct {
	ID            string     `db:"id" json:"id"`
	UserID        string     `db:"user_id" json:"user_id"`
	Kind          string     `db:"kind" json:"kind"`
	Severity      Severity   `db:"severity" json:"severity"`
	Detail        string     `db:"detail" json:"detail"`
	InstitutionID string     `db:"institution_id" json:"institution_id"`
	Resolved      bool       `db:"resolved" json:"resolved"`
	ResolvedBy    *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// EscalationRule is a configured policy record for a (from, to) transition.
type EscalationRule struct {
	ID                   string    `db:"id" json:"id"`
	FromRole             Role      `db:"from_role" json:"from_role"`
	ToRole               Role      `db:"to_role" json:"to_role"`
	RequiresApproval     bool      `db:"requires_approval" json:"requires_approval"`
	RequiredApproverRole Role      `db:"required_approver_role" json:"required_approver_role"`
	MaxRequestsPerDay    int       `db:"max_requests_per_day" json:"max_requests_per_day"`
	CooldownHours        int       `db:"cooldown_hours" json:"cooldown_hours"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// EscalationDecision is the outcome of an escalation prevention check.
type EscalationDecision struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
	RiskScore        int    `json:"risk_score"`
}

// ApproverDecision is the outcome of an approver permission check.
type ApproverDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// RequestContext carries per-request security signals supplied by the caller.
type RequestContext struct {
	ClientIP     string `json:"client_ip,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
}
