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

func newRateLimitRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestRateLimitRepositoryActiveBlock(t *testing.T) {
	db, mock, cleanup := newRateLimitRepoMock(t)
	defer cleanup()
	repo := NewRateLimitRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "user_id", "reason", "blocked_by", "blocked_at", "blocked_until"}).
		AddRow("b1", "user-1", "abuse", "admin-1", now.Add(-time.Hour), now.Add(time.Hour))
	mock.ExpectQuery("SELECT id, user_id, reason, blocked_by, blocked_at, blocked_until").
		WithArgs("user-1", now).
		WillReturnRows(rows)

	block, err := repo.ActiveBlock(context.Background(), "user-1", now)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, "abuse", block.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitRepositoryActiveBlockNone(t *testing.T) {
	db, mock, cleanup := newRateLimitRepoMock(t)
	defer cleanup()
	repo := NewRateLimitRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, user_id, reason, blocked_by, blocked_at, blocked_until").
		WithArgs("user-1", now).
		WillReturnError(sql.ErrNoRows)

	block, err := repo.ActiveBlock(context.Background(), "user-1", now)
	require.NoError(t, err)
	assert.Nil(t, block)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitRepositoryCountByUserSince(t *testing.T) {
	db, mock, cleanup := newRateLimitRepoMock(t)
	defer cleanup()
	repo := NewRateLimitRepository(db)

	since := time.Now().UTC().Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM role_request_rate_limits WHERE user_id = $1 AND requested_at >= $2")).
		WithArgs("user-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountByUserSince(context.Background(), "user-1", since)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitRepositoryOldestByUserSince(t *testing.T) {
	db, mock, cleanup := newRateLimitRepoMock(t)
	defer cleanup()
	repo := NewRateLimitRepository(db)

	since := time.Now().UTC().Add(-7 * 24 * time.Hour)
	oldest := since.Add(time.Hour)
	mock.ExpectQuery("SELECT requested_at FROM role_request_rate_limits").
		WithArgs("user-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"requested_at"}).AddRow(oldest))

	got, err := repo.OldestByUserSince(context.Background(), "user-1", since)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.WithinDuration(t, oldest, *got, time.Second)

	mock.ExpectQuery("SELECT requested_at FROM role_request_rate_limits").
		WithArgs("user-1", since).
		WillReturnError(sql.ErrNoRows)

	got, err = repo.OldestByUserSince(context.Background(), "user-1", since)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitRepositoryRecord(t *testing.T) {
	db, mock, cleanup := newRateLimitRepoMock(t)
	defer cleanup()
	repo := NewRateLimitRepository(db)

	mock.ExpectExec("INSERT INTO role_request_rate_limits").
		WillReturnResult(sqlmock.NewResult(1, 1))

	ip := "10.0.0.1"
	entry := &models.RateLimitEntry{
		UserID:        "user-1",
		RequestedRole: models.RoleTeacher,
		InstitutionID: "inst-1",
		ClientIP:      &ip,
	}
	require.NoError(t, repo.Record(context.Background(), entry))
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.RequestedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitRepositoryUpsertCooldown(t *testing.T) {
	db, mock, cleanup := newRateLimitRepoMock(t)
	defer cleanup()
	repo := NewRateLimitRepository(db)

	expiresAt := time.Now().UTC().Add(2 * time.Hour)
	mock.ExpectExec("INSERT INTO role_request_cooldowns").
		WithArgs("user-1", "TEACHER", expiresAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpsertCooldown(context.Background(), "user-1", models.RoleTeacher, expiresAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitRepositoryClearUser(t *testing.T) {
	db, mock, cleanup := newRateLimitRepoMock(t)
	defer cleanup()
	repo := NewRateLimitRepository(db)

	mock.ExpectExec("DELETE FROM role_request_rate_limits").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM role_request_cooldowns").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ClearUser(context.Background(), "user-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitRepositoryCreateBlockAndViolation(t *testing.T) {
	db, mock, cleanup := newRateLimitRepoMock(t)
	defer cleanup()
	repo := NewRateLimitRepository(db)

	mock.ExpectExec("INSERT INTO role_request_blocks").
		WillReturnResult(sqlmock.NewResult(1, 1))

	block := &models.RateLimitBlock{
		UserID:       "user-1",
		Reason:       "abuse",
		BlockedBy:    "admin-1",
		BlockedUntil: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, repo.CreateBlock(context.Background(), block))
	assert.NotEmpty(t, block.ID)

	mock.ExpectExec("INSERT INTO rate_limit_violations").
		WillReturnResult(sqlmock.NewResult(1, 1))

	violation := &models.RateLimitViolation{
		UserID:        "user-1",
		LimitKind:     "user_hour",
		Detail:        "Hourly limit exceeded: 5/5 requests in the last hour",
		InstitutionID: "inst-1",
	}
	require.NoError(t, repo.RecordViolation(context.Background(), violation))
	assert.NotEmpty(t, violation.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
