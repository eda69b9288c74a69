package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-roles-api/internal/models"
)

// RateLimitRepository persists the append-only role request log, cooldowns
// and admin-issued blocks backing the rate limiter.
type RateLimitRepository struct {
	db *sqlx.DB
}

// NewRateLimitRepository constructs the repository.
func NewRateLimitRepository(db *sqlx.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// ActiveBlock returns the user's unexpired block, or nil when none exists.
func (r *RateLimitRepository) ActiveBlock(ctx context.Context, userID string, now time.Time) (*models.RateLimitBlock, error) {
	const query = `SELECT id, user_id, reason, blocked_by, blocked_at, blocked_until
        FROM role_request_blocks WHERE user_id = $1 AND blocked_until > $2
        ORDER BY blocked_until DESC LIMIT 1`
	var block models.RateLimitBlock
	if err := r.db.GetContext(ctx, &block, query, userID, now); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find active block: %w", err)
	}
	return &block, nil
}

// CountByUserSince counts logged requests for the user after the cutoff.
func (r *RateLimitRepository) CountByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM role_request_rate_limits WHERE user_id = $1 AND requested_at >= $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, since); err != nil {
		return 0, fmt.Errorf("count user rate entries: %w", err)
	}
	return count, nil
}

// CountByUserRoleSince counts logged requests for the (user, role) pair after
// the cutoff.
func (r *RateLimitRepository) CountByUserRoleSince(ctx context.Context, userID string, role models.Role, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM role_request_rate_limits
        WHERE user_id = $1 AND requested_role = $2 AND requested_at >= $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, role, since); err != nil {
		return 0, fmt.Errorf("count user role rate entries: %w", err)
	}
	return count, nil
}

// CountByIPSince counts logged requests from the IP after the cutoff.
func (r *RateLimitRepository) CountByIPSince(ctx context.Context, clientIP string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM role_request_rate_limits WHERE client_ip = $1 AND requested_at >= $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, clientIP, since); err != nil {
		return 0, fmt.Errorf("count ip rate entries: %w", err)
	}
	return count, nil
}

// CountByInstitutionSince counts logged requests for the institution after
// the cutoff.
func (r *RateLimitRepository) CountByInstitutionSince(ctx context.Context, institutionID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM role_request_rate_limits WHERE institution_id = $1 AND requested_at >= $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, institutionID, since); err != nil {
		return 0, fmt.Errorf("count institution rate entries: %w", err)
	}
	return count, nil
}

// OldestByUserSince returns the user's oldest logged request after the
// cutoff, or nil when the window is empty. Used to compute when a sliding
// window frees up.
func (r *RateLimitRepository) OldestByUserSince(ctx context.Context, userID string, since time.Time) (*time.Time, error) {
	const query = `SELECT requested_at FROM role_request_rate_limits
        WHERE user_id = $1 AND requested_at >= $2 ORDER BY requested_at ASC LIMIT 1`
	var oldest time.Time
	if err := r.db.GetContext(ctx, &oldest, query, userID, since); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find oldest rate entry: %w", err)
	}
	return &oldest, nil
}

// Record appends a request to the log.
func (r *RateLimitRepository) Record(ctx context.Context, entry *models.RateLimitEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RequestedAt.IsZero() {
		entry.RequestedAt = time.Now().UTC()
	}
	const query = `INSERT INTO role_request_rate_limits (id, user_id, requested_role, institution_id, client_ip, requested_at)
        VALUES (:id, :user_id, :requested_role, :institution_id, :client_ip, :requested_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("record rate entry: %w", err)
	}
	return nil
}

// Cooldown returns the (user, role) cooldown row, or nil when none exists.
func (r *RateLimitRepository) Cooldown(ctx context.Context, userID string, role models.Role) (*models.RoleCooldown, error) {
	const query = `SELECT user_id, role, expires_at, updated_at FROM role_request_cooldowns
        WHERE user_id = $1 AND role = $2`
	var cooldown models.RoleCooldown
	if err := r.db.GetContext(ctx, &cooldown, query, userID, role); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find cooldown: %w", err)
	}
	return &cooldown, nil
}

// UpsertCooldown writes the (user, role) cooldown expiry.
func (r *RateLimitRepository) UpsertCooldown(ctx context.Context, userID string, role models.Role, expiresAt time.Time) error {
	const query = `INSERT INTO role_request_cooldowns (user_id, role, expires_at, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user_id, role) DO UPDATE SET expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, userID, role, expiresAt, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert cooldown: %w", err)
	}
	return nil
}

// ClearUser removes the user's rate-limit log entries and cooldowns.
func (r *RateLimitRepository) ClearUser(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM role_request_rate_limits WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear rate entries: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM role_request_cooldowns WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear cooldowns: %w", err)
	}
	return nil
}

// CreateBlock persists an admin-issued block.
func (r *RateLimitRepository) CreateBlock(ctx context.Context, block *models.RateLimitBlock) error {
	if block.ID == "" {
		block.ID = uuid.NewString()
	}
	if block.BlockedAt.IsZero() {
		block.BlockedAt = time.Now().UTC()
	}
	const query = `INSERT INTO role_request_blocks (id, user_id, reason, blocked_by, blocked_at, blocked_until)
        VALUES (:id, :user_id, :reason, :blocked_by, :blocked_at, :blocked_until)`
	if _, err := r.db.NamedExecContext(ctx, query, block); err != nil {
		return fmt.Errorf("create block: %w", err)
	}
	return nil
}

// RecordViolation appends a denied check to the violations log.
func (r *RateLimitRepository) RecordViolation(ctx context.Context, violation *models.RateLimitViolation) error {
	if violation.ID == "" {
		violation.ID = uuid.NewString()
	}
	if violation.CreatedAt.IsZero() {
		violation.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO rate_limit_violations (id, user_id, limit_kind, detail, institution_id, created_at)
        VALUES (:id, :user_id, :limit_kind, :detail, :institution_id, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, violation); err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	return nil
}

// RecordAdminAction appends an administrative rate-limit action.
func (r *RateLimitRepository) RecordAdminAction(ctx context.Context, action *models.RateLimitAdminAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO rate_limit_admin_actions (id, user_id, action, actor_id, reason, created_at)
        VALUES (:id, :user_id, :action, :actor_id, :reason, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, action); err != nil {
		return fmt.Errorf("record admin action: %w", err)
	}
	return nil
}
