package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-roles-api/internal/models"
)

// PermissionRepository reads the role→permission grants.
type PermissionRepository struct {
	db *sqlx.DB
}

// NewPermissionRepository constructs the repository.
func NewPermissionRepository(db *sqlx.DB) *PermissionRepository {
	return &PermissionRepository{db: db}
}

// ListByRole returns the permission keys granted to the role.
func (r *PermissionRepository) ListByRole(ctx context.Context, role models.Role) ([]string, error) {
	const query = `SELECT permission_key FROM role_permissions WHERE role = $1 ORDER BY permission_key`
	var keys []string
	if err := r.db.SelectContext(ctx, &keys, query, role); err != nil {
		return nil, fmt.Errorf("list role permissions: %w", err)
	}
	return keys, nil
}
