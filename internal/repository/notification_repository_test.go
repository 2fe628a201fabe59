package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puran-edu/approval-chain-api/internal/models"
)

func TestNotificationCreate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewNotificationRepository(db)

	mock.ExpectExec("INSERT INTO notifications").WillReturnResult(sqlmock.NewResult(1, 1))

	notification := &models.Notification{RecipientID: "u1", Text: "New message from Asha"}
	err := repo.Create(context.Background(), notification)
	require.NoError(t, err)
	assert.NotEmpty(t, notification.ID)
	assert.False(t, notification.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationListByRecipient(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewNotificationRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "recipient_id", "text", "read", "created_at"}).
		AddRow("n2", "u1", "second", false, now).
		AddRow("n1", "u1", "first", true, now.Add(-time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, recipient_id, text, read, created_at FROM notifications WHERE recipient_id = $1 ORDER BY created_at DESC")).
		WithArgs("u1").
		WillReturnRows(rows)

	notifications, err := repo.ListByRecipient(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, notifications, 2)
	assert.Equal(t, "second", notifications[0].Text)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationMarkRead(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewNotificationRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET read = TRUE WHERE id = $1")).
		WithArgs("n1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkRead(context.Background(), "n1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationUnreadCount(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewNotificationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read = FALSE")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := repo.UnreadCount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
