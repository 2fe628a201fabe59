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

	"github.com/puran-edu/approval-chain-api/internal/models"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

var userTestColumns = []string{"id", "email", "password_hash", "full_name", "role", "department", "roll_number", "year_semester", "phone_number", "active", "last_login", "created_at", "updated_at"}

func userRow(now time.Time, id, email string, role models.UserRole, department string) *sqlmock.Rows {
	return sqlmock.NewRows(userTestColumns).
		AddRow(id, email, "hash", "Some User", string(role), department, "", "", "", true, now, now, now)
}

func TestFindByEmail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+userColumns+" FROM users WHERE email = $1 LIMIT 1")).
		WithArgs("user@example.com").
		WillReturnRows(userRow(now, "1", "user@example.com", models.RoleStudent, "MBA"))

	user, err := repo.FindByEmail(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", user.Email)
	assert.Equal(t, "MBA", user.Department)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByRoleScoped(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+userColumns+" FROM users WHERE role = $1 AND department = $2 AND active = TRUE ORDER BY created_at ASC LIMIT 1")).
		WithArgs(string(models.RoleTeacher), "Computer Science").
		WillReturnRows(userRow(now, "t1", "teacher@example.com", models.RoleTeacher, "Computer Science"))

	user, err := repo.FindByRole(context.Background(), models.RoleTeacher, "Computer Science")
	require.NoError(t, err)
	assert.Equal(t, models.RoleTeacher, user.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByRoleGlobal(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+userColumns+" FROM users WHERE role = $1 AND active = TRUE ORDER BY created_at ASC LIMIT 1")).
		WithArgs(string(models.RoleDirector)).
		WillReturnRows(userRow(now, "d1", "director@example.com", models.RoleDirector, ""))

	user, err := repo.FindByRole(context.Background(), models.RoleDirector, "")
	require.NoError(t, err)
	assert.Equal(t, models.RoleDirector, user.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByRoleMissing(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+userColumns+" FROM users WHERE role = $1 AND department = $2 AND active = TRUE ORDER BY created_at ASC LIMIT 1")).
		WithArgs(string(models.RoleTeacher), "BBA").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByRole(context.Background(), models.RoleTeacher, "BBA")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))

	user := &models.User{Email: "new@example.com", PasswordHash: "hash", FullName: "New Student", Role: models.RoleStudent, Department: "BBA", Active: true}
	err := repo.Create(context.Background(), user)
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRefreshToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.CreateRefreshToken(context.Background(), &models.RefreshToken{ID: "1", UserID: "u1", Token: "token", ExpiresAt: time.Now(), CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
