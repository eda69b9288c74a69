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

// RoleRequestRepository handles persistence of role requests.
type RoleRequestRepository struct {
	db *sqlx.DB
}

// NewRoleRequestRepository constructs the repository.
func NewRoleRequestRepository(db *sqlx.DB) *RoleRequestRepository {
	return &RoleRequestRepository{db: db}
}

// Create persists a new role request.
func (r *RoleRequestRepository) Create(ctx context.Context, request *models.RoleRequest) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if request.RequestedAt.IsZero() {
		request.RequestedAt = time.Now().UTC()
	}
	if request.Status == "" {
		request.Status = models.RequestStatusPending
	}
	const query = `INSERT INTO role_requests (id, user_id, requested_role, current_role, justification, status,
        requested_at, verification_method, institution_id, department_id, expires_at, metadata)
        VALUES (:id, :user_id, :requested_role, :current_role, :justification, :status,
        :requested_at, :verification_method, :institution_id, :department_id, :expires_at, :metadata)`
	if _, err := r.db.NamedExecContext(ctx, query, request); err != nil {
		return fmt.Errorf("create role request: %w", err)
	}
	return nil
}

// FindByID returns a role request by its ID.
func (r *RoleRequestRepository) FindByID(ctx context.Context, id string) (*models.RoleRequest, error) {
	const query = `SELECT id, user_id, requested_role, current_role, justification, status, requested_at,
        reviewed_at, reviewed_by, review_notes, verification_method, institution_id, department_id, expires_at, metadata
        FROM role_requests WHERE id = $1`
	var request models.RoleRequest
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

// HasPending reports whether the user already has a pending request for the
// role within the institution.
func (r *RoleRequestRepository) HasPending(ctx context.Context, userID string, role models.Role, institutionID string) (bool, error) {
	const query = `SELECT 1 FROM role_requests
        WHERE user_id = $1 AND requested_role = $2 AND institution_id = $3 AND status = $4 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, userID, role, institutionID, models.RequestStatusPending); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check pending role request: %w", err)
	}
	return true, nil
}

// Resolve stamps the reviewer fields and moves a pending request into a
// terminal status. It only touches rows that are still pending.
func (r *RoleRequestRepository) Resolve(ctx context.Context, id string, status models.RequestStatus, reviewedBy, notes string) error {
	const query = `UPDATE role_requests SET status = $2, reviewed_by = $3, review_notes = $4, reviewed_at = $5
        WHERE id = $1 AND status = $6`
	res, err := r.db.ExecContext(ctx, query, id, status, reviewedBy, notes, time.Now().UTC(), models.RequestStatusPending)
	if err != nil {
		return fmt.Errorf("resolve role request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve role request: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ExpirePending marks all pending requests past their expiry as expired and
// returns how many rows changed.
func (r *RoleRequestRepository) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE role_requests SET status = $1, reviewed_at = $2
        WHERE status = $3 AND expires_at <= $2`
	res, err := r.db.ExecContext(ctx, query, models.RequestStatusExpired, now, models.RequestStatusPending)
	if err != nil {
		return 0, fmt.Errorf("expire pending role requests: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending role requests: %w", err)
	}
	return affected, nil
}

// CountByUserSince counts the user's requests after the cutoff.
func (r *RoleRequestRepository) CountByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM role_requests WHERE user_id = $1 AND requested_at >= $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, since); err != nil {
		return 0, fmt.Errorf("count role requests: %w", err)
	}
	return count, nil
}

// CountByUserRoleSince counts the user's requests for a specific role after
// the cutoff.
func (r *RoleRequestRepository) CountByUserRoleSince(ctx context.Context, userID string, role models.Role, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM role_requests WHERE user_id = $1 AND requested_role = $2 AND requested_at >= $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, role, since); err != nil {
		return 0, fmt.Errorf("count role requests by role: %w", err)
	}
	return count, nil
}

// CountDeniedByUserSince counts the user's denied requests after the cutoff.
func (r *RoleRequestRepository) CountDeniedByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM role_requests WHERE user_id = $1 AND status = $2 AND requested_at >= $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, models.RequestStatusDenied, since); err != nil {
		return 0, fmt.Errorf("count denied role requests: %w", err)
	}
	return count, nil
}

// CountHighPrivilegeByUserSince counts the user's requests for administrative
// roles after the cutoff.
func (r *RoleRequestRepository) CountHighPrivilegeByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	roles := highPrivilegeRoles()
	placeholders := make([]string, len(roles))
	args := []interface{}{userID, since}
	for i, role := range roles {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, role)
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM role_requests
        WHERE user_id = $1 AND requested_at >= $2 AND requested_role IN (%s)`, strings.Join(placeholders, ","))
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count high privilege role requests: %w", err)
	}
	return count, nil
}

// CountDistinctInstitutionsByUserSince counts how many institutions the
// user's requests span after the cutoff.
func (r *RoleRequestRepository) CountDistinctInstitutionsByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(DISTINCT institution_id) FROM role_requests WHERE user_id = $1 AND requested_at >= $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, since); err != nil {
		return 0, fmt.Errorf("count request institutions: %w", err)
	}
	return count, nil
}

// RecentRequestTimes returns the most recent request timestamps for the user,
// newest first.
func (r *RoleRequestRepository) RecentRequestTimes(ctx context.Context, userID string, limit int) ([]time.Time, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `SELECT requested_at FROM role_requests WHERE user_id = $1 ORDER BY requested_at DESC LIMIT $2`
	var times []time.Time
	if err := r.db.SelectContext(ctx, &times, query, userID, limit); err != nil {
		return nil, fmt.Errorf("list recent request times: %w", err)
	}
	return times, nil
}

// LastResolvedAt returns when the user's most recent request for the role was
// approved or denied, or nil when no resolved request exists.
func (r *RoleRequestRepository) LastResolvedAt(ctx context.Context, userID string, role models.Role) (*time.Time, error) {
	const query = `SELECT reviewed_at FROM role_requests
        WHERE user_id = $1 AND requested_role = $2 AND status IN ($3, $4) AND reviewed_at IS NOT NULL
        ORDER BY reviewed_at DESC LIMIT 1`
	var reviewedAt time.Time
	if err := r.db.GetContext(ctx, &reviewedAt, query, userID, role, models.RequestStatusApproved, models.RequestStatusDenied); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find last resolved request: %w", err)
	}
	return &reviewedAt, nil
}

func highPrivilegeRoles() []models.Role {
	return []models.Role{models.RoleDepartmentAdmin, models.RoleInstitutionAdmin, models.RoleSystemAdmin}
}
