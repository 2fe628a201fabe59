package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puran-edu/approval-chain-api/internal/models"
	appErrors "github.com/puran-edu/approval-chain-api/pkg/errors"
)

type mockNotificationRepo struct {
	mu            sync.Mutex
	notifications map[string]*models.Notification
	seq           int
}

func newMockNotificationRepo() *mockNotificationRepo {
	return &mockNotificationRepo{notifications: make(map[string]*models.Notification)}
}

func (m *mockNotificationRepo) Create(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	n.ID = fmt.Sprintf("n-%d", m.seq)
	stored := *n
	m.notifications[n.ID] = &stored
	return nil
}

func (m *mockNotificationRepo) ListByRecipient(ctx context.Context, recipientID string) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Notification, 0)
	for _, n := range m.notifications {
		if n.RecipientID == recipientID {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (m *mockNotificationRepo) GetByID(ctx context.Context, id string) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *n
	return &copied, nil
}

func (m *mockNotificationRepo) MarkRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok {
		n.Read = true
	}
	return nil
}

func (m *mockNotificationRepo) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.RecipientID == recipientID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *mockNotificationRepo) countFor(recipientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.RecipientID == recipientID {
			count++
		}
	}
	return count
}

type mockEmailSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *mockEmailSender) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to)
	return nil
}

func (m *mockEmailSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNotificationNotifyCreatesRowAndEmail(t *testing.T) {
	repo := newMockNotificationRepo()
	sender := &mockEmailSender{}
	svc := NewNotificationService(repo, nil, sender, zap.NewNop(), NotificationConfig{EmailEnabled: true, WorkerConcurrency: 1})
	svc.Start(context.Background())
	defer svc.Stop()

	svc.Notify(&models.User{ID: "u1", Email: "u1@example.com"}, "New message for approval", "Message for Approval")

	waitFor(t, func() bool { return repo.countFor("u1") == 1 && sender.count() == 1 })

	notifications, err := svc.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, "New message for approval", notifications[0].Text)
	assert.False(t, notifications[0].Read)
}

func TestNotificationEmailFailureKeepsRow(t *testing.T) {
	repo := newMockNotificationRepo()
	sender := &mockEmailSender{err: errors.New("ses unavailable")}
	svc := NewNotificationService(repo, nil, sender, zap.NewNop(), NotificationConfig{EmailEnabled: true, WorkerConcurrency: 1})
	svc.Start(context.Background())
	defer svc.Stop()

	svc.Notify(&models.User{ID: "u1", Email: "u1@example.com"}, "text", "subject")

	waitFor(t, func() bool { return repo.countFor("u1") == 1 })
	// The failed email must not requeue the job and duplicate the row.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, repo.countFor("u1"))
}

func TestNotificationEmailDisabled(t *testing.T) {
	repo := newMockNotificationRepo()
	sender := &mockEmailSender{}
	svc := NewNotificationService(repo, nil, sender, zap.NewNop(), NotificationConfig{EmailEnabled: false, WorkerConcurrency: 1})
	svc.Start(context.Background())
	defer svc.Stop()

	svc.Notify(&models.User{ID: "u1", Email: "u1@example.com"}, "text", "subject")

	waitFor(t, func() bool { return repo.countFor("u1") == 1 })
	assert.Zero(t, sender.count())
}

func TestNotificationMarkReadOwnership(t *testing.T) {
	repo := newMockNotificationRepo()
	n := &models.Notification{RecipientID: "u1", Text: "hello"}
	require.NoError(t, repo.Create(context.Background(), n))
	svc := NewNotificationService(repo, nil, nil, zap.NewNop(), NotificationConfig{})

	_, err := svc.MarkRead(context.Background(), n.ID, "u2")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	updated, err := svc.MarkRead(context.Background(), n.ID, "u1")
	require.NoError(t, err)
	assert.True(t, updated.Read)

	count, err := svc.UnreadCount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNotificationMarkReadNotFound(t *testing.T) {
	svc := NewNotificationService(newMockNotificationRepo(), nil, nil, zap.NewNop(), NotificationConfig{})

	_, err := svc.MarkRead(context.Background(), "missing", "u1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
