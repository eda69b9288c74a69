package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-roles-api/internal/models"
)

// SecurityRepository persists escalation attempts and suspicious activities.
type SecurityRepository struct {
	db *sqlx.DB
}

// NewSecurityRepository constructs the repository.
func NewSecurityRepository(db *sqlx.DB) *SecurityRepository {
	return &SecurityRepository{db: db}
}

// CreateAttempt appends an escalation attempt record.
func (r *SecurityRepository) CreateAttempt(ctx context.Context, attempt *models.EscalationAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO role_escalation_attempts (id, user_id, from_role, to_role, institution_id,
        allowed, risk_score, reason, client_ip, created_at)
        VALUES (:id, :user_id, :from_role, :to_role, :institution_id,
        :allowed, :risk_score, :reason, :client_ip, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, attempt); err != nil {
		return fmt.Errorf("create escalation attempt: %w", err)
	}
	return nil
}

// CreateSuspicious appends a suspicious activity record.
func (r *SecurityRepository) CreateSuspicious(ctx context.Context, activity *models.SuspiciousActivity) error {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO suspicious_activities (id, user_id, kind, severity, detail, institution_id,
        resolved, resolved_by, resolved_at, created_at)
        VALUES (:id, :user_id, :kind, :severity, :detail, :institution_id,
        :resolved, :resolved_by, :resolved_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, activity); err != nil {
		return fmt.Errorf("create suspicious activity: %w", err)
	}
	return nil
}

// CountDistinctIPsByUserSince counts the distinct client IPs seen on the
// user's escalation attempts after the cutoff.
func (r *SecurityRepository) CountDistinctIPsByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(DISTINCT client_ip) FROM role_escalation_attempts
        WHERE user_id = $1 AND created_at >= $2 AND client_ip IS NOT NULL`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, since); err != nil {
		return 0, fmt.Errorf("count distinct ips: %w", err)
	}
	return count, nil
}

// Resolve marks a suspicious activity as handled by an administrator.
func (r *SecurityRepository) Resolve(ctx context.Context, id, resolvedBy string) error {
	const query = `UPDATE suspicious_activities SET resolved = TRUE, resolved_by = $2, resolved_at = $3
        WHERE id = $1 AND resolved = FALSE`
	if _, err := r.db.ExecContext(ctx, query, id, resolvedBy, time.Now().UTC()); err != nil {
		return fmt.Errorf("resolve suspicious activity: %w", err)
	}
	return nil
}

// ListUnresolved returns open suspicious activities, newest first.
func (r *SecurityRepository) ListUnresolved(ctx context.Context, limit int) ([]models.SuspiciousActivity, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `SELECT id, user_id, kind, severity, detail, institution_id, resolved, resolved_by, resolved_at, created_at
        FROM suspicious_activities WHERE resolved = FALSE ORDER BY created_at DESC LIMIT $1`
	var activities []models.SuspiciousActivity
	if err := r.db.SelectContext(ctx, &activities, query, limit); err != nil {
		return nil, fmt.Errorf("list unresolved suspicious activities: %w", err)
	}
	return activities, nil
}
