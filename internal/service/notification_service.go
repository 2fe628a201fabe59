package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puran-edu/approval-chain-api/internal/models"
	"github.com/puran-edu/approval-chain-api/pkg/email"
	appErrors "github.com/puran-edu/approval-chain-api/pkg/errors"
	"github.com/puran-edu/approval-chain-api/pkg/jobs"
)

type notificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) error
	ListByRecipient(ctx context.Context, recipientID string) ([]models.Notification, error)
	GetByID(ctx context.Context, id string) (*models.Notification, error)
	MarkRead(ctx context.Context, id string) error
	UnreadCount(ctx context.Context, recipientID string) (int, error)
}

type notificationCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// NotificationConfig tunes side-effect delivery.
type NotificationConfig struct {
	EmailEnabled      bool
	WorkerConcurrency int
	WorkerRetries     int
	UnreadCacheTTL    time.Duration
}

// NotificationService owns the notifier side of the workflow: in-app rows for
// every delivery, optional email, all dispatched asynchronously so delivery
// never delays or fails a state transition.
type NotificationService struct {
	repo   notificationRepository
	cache  notificationCache
	email  email.Sender
	queue  *jobs.Queue
	logger *zap.Logger
	config NotificationConfig
}

type notifyPayload struct {
	RecipientID    string
	RecipientEmail string
	Text           string
	Subject        string
}

// NewNotificationService constructs the service and its dispatch queue. Call
// Start before accepting traffic and Stop on shutdown.
func NewNotificationService(repo notificationRepository, cache notificationCache, sender email.Sender, logger *zap.Logger, config NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &NotificationService{
		repo:   repo,
		cache:  cache,
		email:  sender,
		logger: logger,
		config: config,
	}
	svc.queue = jobs.NewQueue("notifier", svc.process, jobs.QueueConfig{
		Workers:    config.WorkerConcurrency,
		MaxRetries: config.WorkerRetries,
		Logger:     logger,
	})
	return svc
}

// Start launches the dispatch workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the dispatch workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Notify queues a delivery for the recipient. Fire and forget: enqueue
// failures are logged and swallowed.
func (s *NotificationService) Notify(recipient *models.User, text, emailSubject string) {
	if recipient == nil {
		return
	}
	err := s.queue.Enqueue(jobs.Job{
		ID:   uuid.NewString(),
		Type: "notify",
		Payload: notifyPayload{
			RecipientID:    recipient.ID,
			RecipientEmail: recipient.Email,
			Text:           text,
			Subject:        emailSubject,
		},
	})
	if err != nil {
		s.logger.Warn("failed to enqueue notification",
			zap.String("recipient_id", recipient.ID),
			zap.Error(err),
		)
	}
}

func (s *NotificationService) process(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(notifyPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", job.Payload)
	}

	if err := s.repo.Create(ctx, &models.Notification{
		RecipientID: payload.RecipientID,
		Text:        payload.Text,
	}); err != nil {
		return err
	}
	s.invalidateUnread(ctx, payload.RecipientID)

	if s.config.EmailEnabled && s.email != nil && payload.RecipientEmail != "" {
		if err := s.email.Send(ctx, payload.RecipientEmail, payload.Subject, payload.Text); err != nil {
			// The in-app row exists; a failed email is logged, not retried
			// through the queue, to avoid duplicating the row.
			s.logger.Warn("email delivery failed",
				zap.String("recipient_id", payload.RecipientID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// List returns the caller's notifications, newest first.
func (s *NotificationService) List(ctx context.Context, userID string) ([]models.Notification, error) {
	notifications, err := s.repo.ListByRecipient(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list notifications")
	}
	return notifications, nil
}

// MarkRead marks a notification as read. Only the recipient may do so.
func (s *NotificationService) MarkRead(ctx context.Context, id, userID string) (*models.Notification, error) {
	notification, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "notification not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load notification")
	}
	if notification.RecipientID != userID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "notification belongs to another user")
	}
	if err := s.repo.MarkRead(ctx, id); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notification read")
	}
	notification.Read = true
	s.invalidateUnread(ctx, userID)
	return notification, nil
}

// UnreadCount returns the caller's unread notification count, served from the
// cache when warm.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	key := unreadCacheKey(userID)
	if s.cache != nil {
		var cached int
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return cached, nil
		}
	}

	count, err := s.repo.UnreadCount(ctx, userID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count unread notifications")
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, count, s.config.UnreadCacheTTL); err != nil {
			s.logger.Warn("failed to cache unread count", zap.Error(err))
		}
	}
	return count, nil
}

func (s *NotificationService) invalidateUnread(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, unreadCacheKey(userID)); err != nil {
		s.logger.Warn("failed to invalidate unread count cache", zap.Error(err))
	}
}

func unreadCacheKey(userID string) string {
	return "notifications:unread:" + userID
}
