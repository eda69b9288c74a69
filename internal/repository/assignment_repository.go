package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-roles-api/internal/models"
)

// AssignmentRepository handles persistence of user role assignments.
type AssignmentRepository struct {
	db *sqlx.DB
}

// NewAssignmentRepository constructs the repository.
func NewAssignmentRepository(db *sqlx.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

const assignmentColumns = `id, user_id, role, status, assigned_by, assigned_at, expires_at,
        department_id, institution_id, is_temporary, metadata, created_at, updated_at`

// Create persists a new assignment row.
func (r *AssignmentRepository) Create(ctx context.Context, assignment *models.UserRoleAssignment) error {
	now := time.Now().UTC()
	if assignment.ID == "" {
		assignment.ID = uuid.NewString()
	}
	if assignment.AssignedAt.IsZero() {
		assignment.AssignedAt = now
	}
	if assignment.Status == "" {
		assignment.Status = models.AssignmentStatusActive
	}
	assignment.CreatedAt = now
	assignment.UpdatedAt = now
	const query = `INSERT INTO user_role_assignments (id, user_id, role, status, assigned_by, assigned_at,
        expires_at, department_id, institution_id, is_temporary, metadata, created_at, updated_at)
        VALUES (:id, :user_id, :role, :status, :assigned_by, :assigned_at,
        :expires_at, :department_id, :institution_id, :is_temporary, :metadata, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, assignment); err != nil {
		return fmt.Errorf("create role assignment: %w", err)
	}
	return nil
}

// FindByID returns an assignment by its ID.
func (r *AssignmentRepository) FindByID(ctx context.Context, id string) (*models.UserRoleAssignment, error) {
	query := fmt.Sprintf(`SELECT %s FROM user_role_assignments WHERE id = $1`, assignmentColumns)
	var assignment models.UserRoleAssignment
	if err := r.db.GetContext(ctx, &assignment, query, id); err != nil {
		return nil, err
	}
	return &assignment, nil
}

// FindActive returns the active assignment for the exact (user, role,
// institution) triple, or sql.ErrNoRows.
func (r *AssignmentRepository) FindActive(ctx context.Context, userID string, role models.Role, institutionID string) (*models.UserRoleAssignment, error) {
	query := fmt.Sprintf(`SELECT %s FROM user_role_assignments
        WHERE user_id = $1 AND role = $2 AND institution_id = $3 AND status = $4
        ORDER BY assigned_at DESC LIMIT 1`, assignmentColumns)
	var assignment models.UserRoleAssignment
	if err := r.db.GetContext(ctx, &assignment, query, userID, role, institutionID, models.AssignmentStatusActive); err != nil {
		return nil, err
	}
	return &assignment, nil
}

// ListActiveByUser returns all of the user's active assignments within the
// institution.
func (r *AssignmentRepository) ListActiveByUser(ctx context.Context, userID, institutionID string) ([]models.UserRoleAssignment, error) {
	query := fmt.Sprintf(`SELECT %s FROM user_role_assignments
        WHERE user_id = $1 AND institution_id = $2 AND status = $3
        ORDER BY assigned_at DESC`, assignmentColumns)
	var assignments []models.UserRoleAssignment
	if err := r.db.SelectContext(ctx, &assignments, query, userID, institutionID, models.AssignmentStatusActive); err != nil {
		return nil, fmt.Errorf("list active assignments: %w", err)
	}
	return assignments, nil
}

// FindCurrentActive returns the user's most recent active assignment within
// the institution, or sql.ErrNoRows.
func (r *AssignmentRepository) FindCurrentActive(ctx context.Context, userID, institutionID string) (*models.UserRoleAssignment, error) {
	query := fmt.Sprintf(`SELECT %s FROM user_role_assignments
        WHERE user_id = $1 AND institution_id = $2 AND status = $3
        ORDER BY assigned_at DESC LIMIT 1`, assignmentColumns)
	var assignment models.UserRoleAssignment
	if err := r.db.GetContext(ctx, &assignment, query, userID, institutionID, models.AssignmentStatusActive); err != nil {
		return nil, err
	}
	return &assignment, nil
}

// UpdateStatus moves an assignment into a new lifecycle state.
func (r *AssignmentRepository) UpdateStatus(ctx context.Context, id string, status models.AssignmentStatus) error {
	const query = `UPDATE user_role_assignments SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update assignment status: %w", err)
	}
	return nil
}

// UpdateExpiry changes a temporary assignment's expiry and metadata.
func (r *AssignmentRepository) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time, metadata models.Metadata) error {
	const query = `UPDATE user_role_assignments SET expires_at = $2, metadata = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, expiresAt, metadata, time.Now().UTC()); err != nil {
		return fmt.Errorf("update assignment expiry: %w", err)
	}
	return nil
}

// ListExpiredTemporary returns active temporary assignments whose expiry has
// passed.
func (r *AssignmentRepository) ListExpiredTemporary(ctx context.Context, now time.Time) ([]models.UserRoleAssignment, error) {
	query := fmt.Sprintf(`SELECT %s FROM user_role_assignments
        WHERE is_temporary = TRUE AND status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
        ORDER BY expires_at ASC`, assignmentColumns)
	var assignments []models.UserRoleAssignment
	if err := r.db.SelectContext(ctx, &assignments, query, models.AssignmentStatusActive, now); err != nil {
		return nil, fmt.Errorf("list expired temporary assignments: %w", err)
	}
	return assignments, nil
}

// ListActiveUserIDsByMinRole returns the distinct users holding an active
// role of at least the given level within the institution. System admins are
// included regardless of institution.
func (r *AssignmentRepository) ListActiveUserIDsByMinRole(ctx context.Context, institutionID string, min models.Role) ([]string, error) {
	roles := models.RolesAtOrAbove(min)
	if len(roles) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(roles))
	args := []interface{}{institutionID, models.AssignmentStatusActive, models.RoleSystemAdmin}
	for i, role := range roles {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, role)
	}
	query := fmt.Sprintf(`SELECT DISTINCT user_id FROM user_role_assignments
        WHERE status = $2 AND (institution_id = $1 OR role = $3) AND role IN (%s)`, strings.Join(placeholders, ","))
	var userIDs []string
	if err := r.db.SelectContext(ctx, &userIDs, query, args...); err != nil {
		return nil, fmt.Errorf("list approvers: %w", err)
	}
	return userIDs, nil
}

// ActiveRoles returns the roles the user actively holds in the institution.
func (r *AssignmentRepository) ActiveRoles(ctx context.Context, userID, institutionID string) ([]models.Role, error) {
	const query = `SELECT role FROM user_role_assignments
        WHERE user_id = $1 AND (institution_id = $2 OR role = $3) AND status = $4`
	var roles []models.Role
	if err := r.db.SelectContext(ctx, &roles, query, userID, institutionID, models.RoleSystemAdmin, models.AssignmentStatusActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("list active roles: %w", err)
	}
	return roles, nil
}
