package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-roles-api/internal/models"
)

func newRoleRequestRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestRoleRequestRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRoleRequestRepoMock(t)
	defer cleanup()
	repo := NewRoleRequestRepository(db)

	mock.ExpectExec("INSERT INTO role_requests").
		WillReturnResult(sqlmock.NewResult(1, 1))

	request := &models.RoleRequest{
		UserID:             "user-1",
		RequestedRole:      models.RoleTeacher,
		Justification:      "teaching introductory physics this semester",
		VerificationMethod: models.VerificationAdminApproval,
		InstitutionID:      "inst-1",
		ExpiresAt:          time.Now().UTC().Add(7 * 24 * time.Hour),
	}
	require.NoError(t, repo.Create(context.Background(), request))
	assert.NotEmpty(t, request.ID)
	assert.Equal(t, models.RequestStatusPending, request.Status)
	assert.False(t, request.RequestedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newRoleRequestRepoMock(t)
	defer cleanup()
	repo := NewRoleRequestRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "requested_role", "current_role", "justification", "status", "requested_at",
		"reviewed_at", "reviewed_by", "review_notes", "verification_method", "institution_id",
		"department_id", "expires_at", "metadata",
	}).AddRow("req-1", "user-1", "TEACHER", "STUDENT", "teaching this semester", "PENDING", now,
		nil, nil, nil, "ADMIN_APPROVAL", "inst-1", nil, now.Add(7*24*time.Hour), []byte(`{}`))
	mock.ExpectQuery("SELECT id, user_id, requested_role, current_role, justification, status, requested_at,").
		WithArgs("req-1").
		WillReturnRows(rows)

	request, err := repo.FindByID(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", request.UserID)
	assert.Equal(t, models.RoleTeacher, request.RequestedRole)
	assert.True(t, request.IsPending())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestRepositoryHasPending(t *testing.T) {
	db, mock, cleanup := newRoleRequestRepoMock(t)
	defer cleanup()
	repo := NewRoleRequestRepository(db)

	mock.ExpectQuery("SELECT 1 FROM role_requests").
		WithArgs("user-1", "TEACHER", "inst-1", "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	pending, err := repo.HasPending(context.Background(), "user-1", models.RoleTeacher, "inst-1")
	require.NoError(t, err)
	assert.True(t, pending)

	mock.ExpectQuery("SELECT 1 FROM role_requests").
		WithArgs("user-1", "TEACHER", "inst-1", "PENDING").
		WillReturnError(sql.ErrNoRows)

	pending, err = repo.HasPending(context.Background(), "user-1", models.RoleTeacher, "inst-1")
	require.NoError(t, err)
	assert.False(t, pending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestRepositoryResolve(t *testing.T) {
	db, mock, cleanup := newRoleRequestRepoMock(t)
	defer cleanup()
	repo := NewRoleRequestRepository(db)

	mock.ExpectExec("UPDATE role_requests SET status").
		WithArgs("req-1", "APPROVED", "admin-1", "looks good", sqlmock.AnyArg(), "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Resolve(context.Background(), "req-1", models.RequestStatusApproved, "admin-1", "looks good"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestRepositoryResolveAlreadyResolved(t *testing.T) {
	db, mock, cleanup := newRoleRequestRepoMock(t)
	defer cleanup()
	repo := NewRoleRequestRepository(db)

	mock.ExpectExec("UPDATE role_requests SET status").
		WithArgs("req-1", "DENIED", "admin-1", "no", sqlmock.AnyArg(), "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Resolve(context.Background(), "req-1", models.RequestStatusDenied, "admin-1", "no")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestRepositoryExpirePending(t *testing.T) {
	db, mock, cleanup := newRoleRequestRepoMock(t)
	defer cleanup()
	repo := NewRoleRequestRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec("UPDATE role_requests SET status").
		WithArgs("EXPIRED", now, "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 3))

	expired, err := repo.ExpirePending(context.Background(), now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, expired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestRepositoryCountByUserSince(t *testing.T) {
	db, mock, cleanup := newRoleRequestRepoMock(t)
	defer cleanup()
	repo := NewRoleRequestRepository(db)

	since := time.Now().UTC().Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM role_requests WHERE user_id = $1 AND requested_at >= $2")).
		WithArgs("user-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := repo.CountByUserSince(context.Background(), "user-1", since)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestRepositoryCountHighPrivilegeByUserSince(t *testing.T) {
	db, mock, cleanup := newRoleRequestRepoMock(t)
	defer cleanup()
	repo := NewRoleRequestRepository(db)

	since := time.Now().UTC().Add(-time.Hour)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM role_requests").
		WithArgs("user-1", since, "DEPARTMENT_ADMIN", "INSTITUTION_ADMIN", "SYSTEM_ADMIN").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := repo.CountHighPrivilegeByUserSince(context.Background(), "user-1", since)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestRepositoryLastResolvedAt(t *testing.T) {
	db, mock, cleanup := newRoleRequestRepoMock(t)
	defer cleanup()
	repo := NewRoleRequestRepository(db)

	reviewed := time.Now().UTC().Add(-2 * time.Hour)
	mock.ExpectQuery("SELECT reviewed_at FROM role_requests").
		WithArgs("user-1", "TEACHER", "APPROVED", "DENIED").
		WillReturnRows(sqlmock.NewRows([]string{"reviewed_at"}).AddRow(reviewed))

	last, err := repo.LastResolvedAt(context.Background(), "user-1", models.RoleTeacher)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, reviewed, *last, time.Second)

	mock.ExpectQuery("SELECT reviewed_at FROM role_requests").
		WithArgs("user-1", "TEACHER", "APPROVED", "DENIED").
		WillReturnError(sql.ErrNoRows)

	last, err = repo.LastResolvedAt(context.Background(), "user-1", models.RoleTeacher)
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.NoError(t, mock.ExpectationsWereMet())
}
