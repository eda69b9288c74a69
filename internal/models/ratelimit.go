package models

import "time"

// RateLimitEntry is one row of the append-only role request log. Limits are
// derived by counting rows in a time window, not by mutable counters.
type RateLimitEntry struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	RequestedRole Role      `db:"requested_role" json:"requested_role"`
	InstitutionID string    `db:"institution_id" json:"institution_id"`
	ClientIP      *string   `db:"client_ip" json:"client_ip,omitempty"`
	RequestedAt   time.Time `db:"requested_at" json:"requested_at"`
}

// RoleCooldown is an explicit per-(user, role) cooldown timestamp.
type RoleCooldown struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Role      Role      `db:"role" json:"role"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// RateLimitBlock is an admin-issued block with expiry.
type RateLimitBlock struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"user_id"`
	Reason       string    `db:"reason" json:"reason"`
	BlockedBy    string    `db:"blocked_by" json:"blocked_by"`
	BlockedAt    time.Time `db:"blocked_at" json:"blocked_at"`
	BlockedUntil time.Time `db:"blocked_until" json:"blocked_until"`
}

// RateLimitViolation records a denied rate-limit check for later review.
type RateLimitViolation struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	LimitKind     string    `db:"limit_kind" json:"limit_kind"`
	Detail        string    `db:"detail" json:"detail"`
	InstitutionID string    `db:"institution_id" json:"institution_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// RateLimitAdminAction records administrative rate-limit operations
// (reset, block) for audit purposes.
type RateLimitAdminAction struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Action    string    `db:"action" json:"action"`
	ActorID   string    `db:"actor_id" json:"actor_id"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RateLimitDecision is the outcome of a rate-limit check.
type RateLimitDecision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	LimitKind  string        `json:"limit_kind,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	ResetTime  *time.Time    `json:"reset_time,omitempty"`
}

// RateLimitStatus is a read-only remaining-quota report.
type RateLimitStatus struct {
	UserID        string     `json:"user_id"`
	HourUsed      int        `json:"hour_used"`
	HourLimit     int        `json:"hour_limit"`
	DayUsed       int        `json:"day_used"`
	DayLimit      int        `json:"day_limit"`
	WeekUsed      int        `json:"week_used"`
	WeekLimit     int        `json:"week_limit"`
	RoleDayUsed   int        `json:"role_day_used"`
	RoleDayLimit  int        `json:"role_day_limit"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	BlockedUntil  *time.Time `json:"blocked_until,omitempty"`
	NextAllowedAt *time.Time `json:"next_allowed_at,omitempty"`
}
