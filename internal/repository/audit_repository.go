package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-roles-api/internal/models"
)

// AuditRepository persists the append-only role audit trail.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create appends an audit entry.
func (r *AuditRepository) Create(ctx context.Context, entry *models.RoleAuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO role_audit_log (id, user_id, actor_id, action, from_role, to_role,
        institution_id, reason, metadata, created_at)
        VALUES (:id, :user_id, :actor_id, :action, :from_role, :to_role,
        :institution_id, :reason, :metadata, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create audit entry: %w", err)
	}
	return nil
}

// ListByUser returns the user's audit trail, newest first.
func (r *AuditRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.RoleAuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `SELECT id, user_id, actor_id, action, from_role, to_role, institution_id, reason, metadata, created_at
        FROM role_audit_log WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	var entries []models.RoleAuditLog
	if err := r.db.SelectContext(ctx, &entries, query, userID, limit); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
