package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/puran-edu/approval-chain-api/internal/events"
	"github.com/puran-edu/approval-chain-api/internal/models"
	"github.com/puran-edu/approval-chain-api/internal/repository"
	"github.com/puran-edu/approval-chain-api/internal/workflow"
	appErrors "github.com/puran-edu/approval-chain-api/pkg/errors"
)

type messageRepository interface {
	GetByID(ctx context.Context, id string) (*models.Message, error)
	Create(ctx context.Context, message *models.Message) error
	Save(ctx context.Context, message *models.Message) error
	List(ctx context.Context, filter models.MessageFilter) ([]models.Message, int, error)
}

type actorDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByRole(ctx context.Context, role models.UserRole, department string) (*models.User, error)
}

// messageNotifier delivers a notification to a user. Implementations must be
// best-effort and non-blocking; a failed delivery never fails the transition.
type messageNotifier interface {
	Notify(recipient *models.User, text, emailSubject string)
}

type workflowMetrics interface {
	ObserveWorkflowAction(action string, role models.UserRole)
}

// MessageService is the workflow engine. Given a message, an acting user and a
// requested action it validates authorization, computes the next state along
// the approval chain, persists it, and emits notification and event side
// effects.
type MessageService struct {
	repo      messageRepository
	directory actorDirectory
	notifier  messageNotifier
	bus       events.Bus
	chain     *workflow.Chain
	metrics   workflowMetrics
	validator *validator.Validate
	logger    *zap.Logger
}

// NewMessageService constructs the workflow engine.
func NewMessageService(repo messageRepository, directory actorDirectory, notifier messageNotifier, bus events.Bus, chain *workflow.Chain, metrics workflowMetrics, validate *validator.Validate, logger *zap.Logger) *MessageService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NopBus{}
	}
	if chain == nil {
		chain = workflow.Default()
	}
	return &MessageService{
		repo:      repo,
		directory: directory,
		notifier:  notifier,
		bus:       bus,
		chain:     chain,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
	}
}

// CreateMessageRequest describes a student submission. Attachments arrive
// already validated and stored by the upload layer.
type CreateMessageRequest struct {
	Title       string                `json:"title" validate:"required"`
	Content     string                `json:"content" validate:"required"`
	Attachments models.AttachmentList `json:"attachments"`
}

// ActionRequest describes an approval-chain action on a pending message.
type ActionRequest struct {
	Action  workflow.Action `json:"action" validate:"required"`
	Comment string          `json:"comment"`
}

// Create submits a new message into the approval chain on behalf of a student.
// The entry-stage actor (the department's teacher) must exist before anything
// is persisted.
func (s *MessageService) Create(ctx context.Context, actor *models.JWTClaims, req CreateMessageRequest) (*models.Message, error) {
	if actor.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrNotAuthorized, "only students can send messages")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid message payload")
	}

	entry := s.chain.Entry()
	recipient, err := s.directory.FindByRole(ctx, entry, actor.Department)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNoActorFound, fmt.Sprintf("no %s found in department %s", strings.ToLower(string(entry)), actor.Department))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve initial recipient")
	}

	message := &models.Message{
		Title:       req.Title,
		Content:     req.Content,
		Attachments: req.Attachments,
		SenderID:    actor.UserID,
		SenderName:  actor.FullName,
		Department:  actor.Department,
		CurrentRole: entry,
		Status:      models.MessageStatusPending,
		HistoryLog: models.HistoryLog{{
			Role:      models.RoleStudent,
			Status:    models.HistorySent,
			Timestamp: time.Now().UTC(),
			Comment:   "Message created",
		}},
	}
	if err := s.repo.Create(ctx, message); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create message")
	}

	s.notify(recipient, fmt.Sprintf("New message from %s: %q", actor.FullName, message.Title), "New Message for Approval")
	s.publish(events.Event{
		Type:        events.MessageCreated,
		MessageID:   message.ID,
		CurrentRole: message.CurrentRole,
		Status:      message.Status,
		ActorRole:   models.RoleStudent,
	})
	if s.metrics != nil {
		s.metrics.ObserveWorkflowAction("Create", models.RoleStudent)
	}

	return message, nil
}

// ApplyAction applies Approve, Reject or Forward to a pending message.
// Preconditions are checked in order: the message exists, it is still pending,
// and the actor holds the message's current role. The state change is
// persisted with an optimistic version check before any side effect runs.
func (s *MessageService) ApplyAction(ctx context.Context, messageID string, actor *models.JWTClaims, req ActionRequest) (*models.Message, error) {
	if !req.Action.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown action %q", req.Action))
	}

	message, err := s.repo.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "message not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load message")
	}

	if message.Status.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("message is already %s", strings.ToLower(string(message.Status))))
	}
	if message.CurrentRole != actor.Role {
		return nil, appErrors.Clone(appErrors.ErrNotAuthorized, "not authorized for this message")
	}

	var (
		eventType events.EventType
		nextActor *models.User
	)

	switch req.Action {
	case workflow.ActionReject:
		if strings.TrimSpace(req.Comment) == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "reject requires a comment")
		}
		message.HistoryLog = append(message.HistoryLog, models.HistoryEntry{
			Role:      actor.Role,
			Status:    models.HistoryRejected,
			Timestamp: time.Now().UTC(),
			Comment:   req.Comment,
		})
		message.Status = models.MessageStatusRejected
		eventType = events.MessageRejected

	case workflow.ActionApprove:
		if s.chain.Terminal(actor.Role) {
			message.HistoryLog = append(message.HistoryLog, models.HistoryEntry{
				Role:      actor.Role,
				Status:    models.HistoryApproved,
				Timestamp: time.Now().UTC(),
				Comment:   s.actionComment(req.Comment, "Approved", actor),
			})
			message.Status = models.MessageStatusApproved
			eventType = events.MessageApproved
			break
		}
		nextActor, err = s.resolveSuccessor(ctx, actor.Role, message.Department)
		if err != nil {
			return nil, err
		}
		message.CurrentRole = nextActor.Role
		message.HistoryLog = append(message.HistoryLog, models.HistoryEntry{
			Role:      actor.Role,
			Status:    models.HistoryApproved,
			Timestamp: time.Now().UTC(),
			Comment:   s.actionComment(req.Comment, "Approved", actor),
		})
		eventType = events.MessageAdvanced

	case workflow.ActionForward:
		if s.chain.Terminal(actor.Role) {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "cannot forward further")
		}
		nextActor, err = s.resolveSuccessor(ctx, actor.Role, message.Department)
		if err != nil {
			return nil, err
		}
		message.CurrentRole = nextActor.Role
		message.HistoryLog = append(message.HistoryLog, models.HistoryEntry{
			Role:      actor.Role,
			Status:    models.HistoryForwarded,
			Timestamp: time.Now().UTC(),
			Comment:   s.actionComment(req.Comment, "Forwarded", actor),
		})
		eventType = events.MessageAdvanced
	}

	if err := s.repo.Save(ctx, message); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "message was modified concurrently, reload and retry")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist message")
	}

	if nextActor != nil {
		s.notify(nextActor, fmt.Sprintf("Message %q forwarded for your approval", message.Title), "Message for Approval")
	}
	s.notifySender(ctx, message, req.Action, actor.Role)
	s.publish(events.Event{
		Type:        eventType,
		MessageID:   message.ID,
		CurrentRole: message.CurrentRole,
		Status:      message.Status,
		ActorRole:   actor.Role,
	})
	if s.metrics != nil {
		s.metrics.ObserveWorkflowAction(string(req.Action), actor.Role)
	}

	return message, nil
}

// List returns the messages visible to the actor. Students see their own
// submissions; department-scoped approvers see pending work for their role in
// their department; global approvers see pending work for their role anywhere.
func (s *MessageService) List(ctx context.Context, actor *models.JWTClaims, page, pageSize int) ([]models.Message, *models.Pagination, error) {
	filter := models.MessageFilter{Page: page, PageSize: pageSize}
	switch {
	case actor.Role == models.RoleStudent:
		filter.SenderID = actor.UserID
	case s.chain.DepartmentScoped(actor.Role):
		filter.Department = actor.Department
		filter.CurrentRole = actor.Role
	case s.chain.Contains(actor.Role):
		filter.CurrentRole = actor.Role
	default:
		return nil, nil, appErrors.Clone(appErrors.ErrNotAuthorized, "role has no message visibility")
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	messages, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list messages")
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	return messages, pagination, nil
}

// Get returns a single message when the actor is allowed to see it: the
// sender, the current responsible actor, or any chain role that already acted
// on it.
func (s *MessageService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Message, error) {
	message, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "message not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load message")
	}
	if !s.visible(message, actor) {
		return nil, appErrors.Clone(appErrors.ErrNotAuthorized, "message not visible to this role")
	}
	return message, nil
}

func (s *MessageService) visible(message *models.Message, actor *models.JWTClaims) bool {
	if actor.UserID == message.SenderID {
		return true
	}
	if actor.Role == message.CurrentRole {
		if !s.chain.DepartmentScoped(actor.Role) {
			return true
		}
		return actor.Department == message.Department
	}
	for _, entry := range message.HistoryLog {
		if entry.Role == actor.Role {
			return true
		}
	}
	return false
}

// resolveSuccessor finds the user holding the role after the given one. The
// lookup is scoped by department for department-bound stages. A missing actor
// refuses the transition rather than recording an approval no one can act on.
func (s *MessageService) resolveSuccessor(ctx context.Context, role models.UserRole, department string) (*models.User, error) {
	next, ok := s.chain.Successor(role)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "no next role in the chain")
	}
	scope := ""
	if s.chain.DepartmentScoped(next) {
		scope = department
	}
	user, err := s.directory.FindByRole(ctx, next, scope)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNoActorFound, fmt.Sprintf("no %s found to receive the message", next))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve next actor")
	}
	return user, nil
}

func (s *MessageService) actionComment(comment, verb string, actor *models.JWTClaims) string {
	if strings.TrimSpace(comment) != "" {
		return comment
	}
	return fmt.Sprintf("%s by %s", verb, actor.FullName)
}

func (s *MessageService) notify(recipient *models.User, text, subject string) {
	if s.notifier == nil || recipient == nil {
		return
	}
	s.notifier.Notify(recipient, text, subject)
}

func (s *MessageService) notifySender(ctx context.Context, message *models.Message, action workflow.Action, actorRole models.UserRole) {
	if s.notifier == nil {
		return
	}
	sender, err := s.directory.FindByID(ctx, message.SenderID)
	if err != nil {
		s.logger.Warn("failed to resolve sender for notification",
			zap.String("message_id", message.ID),
			zap.Error(err),
		)
		return
	}
	text := fmt.Sprintf("Your message %q has been %s by %s", message.Title, pastTense(action), actorRole)
	s.notifier.Notify(sender, text, fmt.Sprintf("Message %s", pastTense(action)))
}

func pastTense(action workflow.Action) string {
	switch action {
	case workflow.ActionApprove:
		return "approved"
	case workflow.ActionReject:
		return "rejected"
	case workflow.ActionForward:
		return "forwarded"
	default:
		return strings.ToLower(string(action))
	}
}

func (s *MessageService) publish(event events.Event) {
	if err := s.bus.Publish(context.Background(), event); err != nil {
		s.logger.Warn("failed to publish workflow event",
			zap.String("type", string(event.Type)),
			zap.String("message_id", event.MessageID),
			zap.Error(err),
		)
	}
}
