package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puran-edu/approval-chain-api/internal/events"
	"github.com/puran-edu/approval-chain-api/internal/models"
	"github.com/puran-edu/approval-chain-api/internal/repository"
	"github.com/puran-edu/approval-chain-api/internal/workflow"
	appErrors "github.com/puran-edu/approval-chain-api/pkg/errors"
)

type mockMessageRepo struct {
	messages  map[string]*models.Message
	createErr error
	saveErr   error
	saved     int
}

func newMockMessageRepo() *mockMessageRepo {
	return &mockMessageRepo{messages: make(map[string]*models.Message)}
}

func (m *mockMessageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	msg, ok := m.messages[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *msg
	return &copied, nil
}

func (m *mockMessageRepo) Create(ctx context.Context, message *models.Message) error {
	if m.createErr != nil {
		return m.createErr
	}
	message.ID = fmt.Sprintf("msg-%d", len(m.messages)+1)
	message.Version = 1
	stored := *message
	m.messages[message.ID] = &stored
	return nil
}

func (m *mockMessageRepo) Save(ctx context.Context, message *models.Message) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved++
	message.Version++
	stored := *message
	m.messages[message.ID] = &stored
	return nil
}

func (m *mockMessageRepo) List(ctx context.Context, filter models.MessageFilter) ([]models.Message, int, error) {
	out := make([]models.Message, 0)
	for _, msg := range m.messages {
		if filter.SenderID != "" && msg.SenderID != filter.SenderID {
			continue
		}
		if filter.Department != "" && msg.Department != filter.Department {
			continue
		}
		if filter.CurrentRole != "" && msg.CurrentRole != filter.CurrentRole {
			continue
		}
		out = append(out, *msg)
	}
	return out, len(out), nil
}

type mockDirectory struct {
	users map[string]*models.User
}

func newMockDirectory(users ...*models.User) *mockDirectory {
	d := &mockDirectory{users: make(map[string]*models.User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *mockDirectory) FindByID(ctx context.Context, id string) (*models.User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return u, nil
}

func (d *mockDirectory) FindByRole(ctx context.Context, role models.UserRole, department string) (*models.User, error) {
	for _, u := range d.users {
		if u.Role != role {
			continue
		}
		if department != "" && u.Department != department {
			continue
		}
		return u, nil
	}
	return nil, sql.ErrNoRows
}

type recordedNotification struct {
	recipientID string
	text        string
	subject     string
}

type recordingNotifier struct {
	sent []recordedNotification
}

func (n *recordingNotifier) Notify(recipient *models.User, text, emailSubject string) {
	n.sent = append(n.sent, recordedNotification{recipientID: recipient.ID, text: text, subject: emailSubject})
}

type recordingBus struct {
	events []events.Event
	err    error
}

func (b *recordingBus) Publish(ctx context.Context, event events.Event) error {
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, event)
	return nil
}

func chainStaff() []*models.User {
	return []*models.User{
		{ID: "teacher-cs", Role: models.RoleTeacher, Department: "Computer Science", Email: "t@example.com", FullName: "CS Teacher"},
		{ID: "hod-cs", Role: models.RoleHOD, Department: "Computer Science", Email: "h@example.com", FullName: "CS HOD"},
		{ID: "principal-cs", Role: models.RolePrincipal, Department: "Computer Science", Email: "p@example.com", FullName: "CS Principal"},
		{ID: "director", Role: models.RoleDirector, Email: "d@example.com", FullName: "Director"},
		{ID: "ceo", Role: models.RoleCEO, Email: "c@example.com", FullName: "CEO"},
		{ID: "chairman", Role: models.RoleChairman, Email: "ch@example.com", FullName: "Chairman"},
	}
}

func studentClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent, FullName: "Asha Verma", Department: "Computer Science"}
}

func claimsFor(u *models.User) *models.JWTClaims {
	return &models.JWTClaims{UserID: u.ID, Role: u.Role, FullName: u.FullName, Department: u.Department}
}

func newEngine(repo *mockMessageRepo, dir *mockDirectory, notifier *recordingNotifier, bus *recordingBus) *MessageService {
	return NewMessageService(repo, dir, notifier, bus, nil, nil, nil, nil)
}

func TestMessageCreate(t *testing.T) {
	repo := newMockMessageRepo()
	staff := chainStaff()
	dir := newMockDirectory(append(staff, &models.User{ID: "student-1", Role: models.RoleStudent, Department: "Computer Science", FullName: "Asha Verma"})...)
	notifier := &recordingNotifier{}
	bus := &recordingBus{}
	svc := newEngine(repo, dir, notifier, bus)

	msg, err := svc.Create(context.Background(), studentClaims(), CreateMessageRequest{
		Title:   "Leave Request",
		Content: "Requesting leave for two days.",
	})
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusPending, msg.Status)
	assert.Equal(t, models.RoleTeacher, msg.CurrentRole)
	assert.Equal(t, "Computer Science", msg.Department)
	require.Len(t, msg.HistoryLog, 1)
	assert.Equal(t, models.RoleStudent, msg.HistoryLog[0].Role)
	assert.Equal(t, models.HistorySent, msg.HistoryLog[0].Status)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "teacher-cs", notifier.sent[0].recipientID)
	require.Len(t, bus.events, 1)
	assert.Equal(t, events.MessageCreated, bus.events[0].Type)

	fetched, err := svc.Get(context.Background(), msg.ID, studentClaims())
	require.NoError(t, err)
	assert.Equal(t, msg.ID, fetched.ID)
}

func TestMessageCreateRequiresStudent(t *testing.T) {
	svc := newEngine(newMockMessageRepo(), newMockDirectory(chainStaff()...), &recordingNotifier{}, &recordingBus{})

	_, err := svc.Create(context.Background(), claimsFor(chainStaff()[0]), CreateMessageRequest{Title: "t", Content: "c"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotAuthorized.Code, appErrors.FromError(err).Code)
}

func TestMessageCreateValidation(t *testing.T) {
	svc := newEngine(newMockMessageRepo(), newMockDirectory(chainStaff()...), &recordingNotifier{}, &recordingBus{})

	_, err := svc.Create(context.Background(), studentClaims(), CreateMessageRequest{Title: "", Content: ""})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestMessageCreateNoTeacherInDepartment(t *testing.T) {
	repo := newMockMessageRepo()
	// No staff at all in BBA.
	dir := newMockDirectory(chainStaff()...)
	svc := newEngine(repo, dir, &recordingNotifier{}, &recordingBus{})

	claims := &models.JWTClaims{UserID: "student-2", Role: models.RoleStudent, FullName: "Ravi Nair", Department: "BBA"}
	_, err := svc.Create(context.Background(), claims, CreateMessageRequest{Title: "Request", Content: "Body"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoActorFound.Code, appErrors.FromError(err).Code)
	assert.Empty(t, repo.messages)
}

func seedMessage(repo *mockMessageRepo, role models.UserRole, status models.MessageStatus) *models.Message {
	msg := &models.Message{
		ID:          "msg-1",
		Title:       "Leave Request",
		Content:     "Requesting leave.",
		SenderID:    "student-1",
		Department:  "Computer Science",
		CurrentRole: role,
		Status:      status,
		Version:     1,
		HistoryLog: models.HistoryLog{{
			Role:   models.RoleStudent,
			Status: models.HistorySent,
		}},
	}
	repo.messages[msg.ID] = msg
	return msg
}

func TestApplyActionApproveAdvances(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleTeacher, models.MessageStatusPending)
	staff := chainStaff()
	dir := newMockDirectory(append(staff, &models.User{ID: "student-1", Role: models.RoleStudent, Department: "Computer Science", FullName: "Asha Verma"})...)
	notifier := &recordingNotifier{}
	bus := &recordingBus{}
	svc := newEngine(repo, dir, notifier, bus)

	msg, err := svc.ApplyAction(context.Background(), "msg-1", claimsFor(staff[0]), ActionRequest{Action: workflow.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, models.RoleHOD, msg.CurrentRole)
	assert.Equal(t, models.MessageStatusPending, msg.Status)
	require.Len(t, msg.HistoryLog, 2)
	assert.Equal(t, models.HistoryApproved, msg.HistoryLog[1].Status)
	assert.Equal(t, models.RoleTeacher, msg.HistoryLog[1].Role)

	// Next actor and the sender are both notified.
	require.Len(t, notifier.sent, 2)
	assert.Equal(t, "hod-cs", notifier.sent[0].recipientID)
	assert.Equal(t, "student-1", notifier.sent[1].recipientID)
	require.Len(t, bus.events, 1)
	assert.Equal(t, events.MessageAdvanced, bus.events[0].Type)
}

func TestApplyActionRejectRequiresComment(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleTeacher, models.MessageStatusPending)
	staff := chainStaff()
	svc := newEngine(repo, newMockDirectory(staff...), &recordingNotifier{}, &recordingBus{})

	_, err := svc.ApplyAction(context.Background(), "msg-1", claimsFor(staff[0]), ActionRequest{Action: workflow.ActionReject})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	assert.Zero(t, repo.saved)
}

func TestApplyActionReject(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleHOD, models.MessageStatusPending)
	staff := chainStaff()
	dir := newMockDirectory(append(staff, &models.User{ID: "student-1", Role: models.RoleStudent, Department: "Computer Science", FullName: "Asha Verma"})...)
	bus := &recordingBus{}
	svc := newEngine(repo, dir, &recordingNotifier{}, bus)

	msg, err := svc.ApplyAction(context.Background(), "msg-1", claimsFor(staff[1]), ActionRequest{Action: workflow.ActionReject, Comment: "Insufficient detail"})
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusRejected, msg.Status)
	assert.Equal(t, models.RoleHOD, msg.CurrentRole)
	require.Len(t, msg.HistoryLog, 2)
	assert.Equal(t, "Insufficient detail", msg.HistoryLog[1].Comment)
	require.Len(t, bus.events, 1)
	assert.Equal(t, events.MessageRejected, bus.events[0].Type)
}

func TestApplyActionChairmanApprove(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleChairman, models.MessageStatusPending)
	staff := chainStaff()
	dir := newMockDirectory(append(staff, &models.User{ID: "student-1", Role: models.RoleStudent, Department: "Computer Science", FullName: "Asha Verma"})...)
	bus := &recordingBus{}
	svc := newEngine(repo, dir, &recordingNotifier{}, bus)

	msg, err := svc.ApplyAction(context.Background(), "msg-1", claimsFor(staff[5]), ActionRequest{Action: workflow.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusApproved, msg.Status)
	assert.Equal(t, models.RoleChairman, msg.CurrentRole)
	require.Len(t, bus.events, 1)
	assert.Equal(t, events.MessageApproved, bus.events[0].Type)
}

func TestApplyActionChairmanForwardFails(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleChairman, models.MessageStatusPending)
	staff := chainStaff()
	svc := newEngine(repo, newMockDirectory(staff...), &recordingNotifier{}, &recordingBus{})

	_, err := svc.ApplyAction(context.Background(), "msg-1", claimsFor(staff[5]), ActionRequest{Action: workflow.ActionForward})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
	assert.Zero(t, repo.saved)
}

func TestApplyActionTerminalMessage(t *testing.T) {
	staff := chainStaff()
	for _, status := range []models.MessageStatus{models.MessageStatusApproved, models.MessageStatusRejected} {
		repo := newMockMessageRepo()
		seedMessage(repo, models.RoleHOD, status)
		svc := newEngine(repo, newMockDirectory(staff...), &recordingNotifier{}, &recordingBus{})

		for _, action := range []workflow.Action{workflow.ActionApprove, workflow.ActionReject, workflow.ActionForward} {
			_, err := svc.ApplyAction(context.Background(), "msg-1", claimsFor(staff[1]), ActionRequest{Action: action, Comment: "x"})
			require.Error(t, err)
			assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
		}
	}
}

func TestApplyActionWrongRole(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleTeacher, models.MessageStatusPending)
	staff := chainStaff()
	svc := newEngine(repo, newMockDirectory(staff...), &recordingNotifier{}, &recordingBus{})

	_, err := svc.ApplyAction(context.Background(), "msg-1", claimsFor(staff[2]), ActionRequest{Action: workflow.ActionApprove})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotAuthorized.Code, appErrors.FromError(err).Code)
}

func TestApplyActionUnknownAction(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleTeacher, models.MessageStatusPending)
	staff := chainStaff()
	svc := newEngine(repo, newMockDirectory(staff...), &recordingNotifier{}, &recordingBus{})

	_, err := svc.ApplyAction(context.Background(), "msg-1", claimsFor(staff[0]), ActionRequest{Action: "Escalate"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestApplyActionMessageNotFound(t *testing.T) {
	staff := chainStaff()
	svc := newEngine(newMockMessageRepo(), newMockDirectory(staff...), &recordingNotifier{}, &recordingBus{})

	_, err := svc.ApplyAction(context.Background(), "missing", claimsFor(staff[0]), ActionRequest{Action: workflow.ActionApprove})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestApplyActionMissingSuccessor(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleTeacher, models.MessageStatusPending)
	// Chain staff without an HOD for Computer Science.
	staff := []*models.User{
		{ID: "teacher-cs", Role: models.RoleTeacher, Department: "Computer Science", FullName: "CS Teacher"},
		{ID: "hod-mba", Role: models.RoleHOD, Department: "MBA", FullName: "MBA HOD"},
	}
	svc := newEngine(repo, newMockDirectory(staff...), &recordingNotifier{}, &recordingBus{})

	_, err := svc.ApplyAction(context.Background(), "msg-1", claimsFor(staff[0]), ActionRequest{Action: workflow.ActionApprove})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoActorFound.Code, appErrors.FromError(err).Code)
	assert.Zero(t, repo.saved)
	assert.Equal(t, models.RoleTeacher, repo.messages["msg-1"].CurrentRole)
	assert.Len(t, repo.messages["msg-1"].HistoryLog, 1)
}

func TestApplyActionVersionConflict(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleTeacher, models.MessageStatusPending)
	repo.saveErr = repository.ErrVersionConflict
	staff := chainStaff()
	svc := newEngine(repo, newMockDirectory(staff...), &recordingNotifier{}, &recordingBus{})

	_, err := svc.ApplyAction(context.Background(), "msg-1", claimsFor(staff[0]), ActionRequest{Action: workflow.ActionApprove})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestApplyActionBusFailureDoesNotFail(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleTeacher, models.MessageStatusPending)
	staff := chainStaff()
	dir := newMockDirectory(append(staff, &models.User{ID: "student-1", Role: models.RoleStudent, Department: "Computer Science"})...)
	bus := &recordingBus{err: errors.New("redis down")}
	svc := newEngine(repo, dir, &recordingNotifier{}, bus)

	msg, err := svc.ApplyAction(context.Background(), "msg-1", claimsFor(staff[0]), ActionRequest{Action: workflow.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, models.RoleHOD, msg.CurrentRole)
}

func TestFullApprovalChain(t *testing.T) {
	repo := newMockMessageRepo()
	staff := chainStaff()
	dir := newMockDirectory(append(staff, &models.User{ID: "student-1", Role: models.RoleStudent, Department: "Computer Science", FullName: "Asha Verma"})...)
	svc := newEngine(repo, dir, &recordingNotifier{}, &recordingBus{})

	msg, err := svc.Create(context.Background(), studentClaims(), CreateMessageRequest{Title: "Leave Request", Content: "Two days."})
	require.NoError(t, err)

	order := []*models.User{staff[0], staff[1], staff[2], staff[3], staff[4], staff[5]}
	for i, actor := range order {
		msg, err = svc.ApplyAction(context.Background(), msg.ID, claimsFor(actor), ActionRequest{Action: workflow.ActionApprove})
		require.NoError(t, err, "stage %d (%s)", i, actor.Role)
		assert.Len(t, msg.HistoryLog, i+2)
	}
	assert.Equal(t, models.MessageStatusApproved, msg.Status)
	assert.Equal(t, models.RoleChairman, msg.CurrentRole)
	require.Len(t, msg.HistoryLog, 7)
	assert.Equal(t, models.HistorySent, msg.HistoryLog[0].Status)
	for _, entry := range msg.HistoryLog[1:] {
		assert.Equal(t, models.HistoryApproved, entry.Status)
	}
}

func TestListVisibility(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleTeacher, models.MessageStatusPending)
	other := &models.Message{
		ID: "msg-2", Title: "MBA Request", SenderID: "student-2",
		Department: "MBA", CurrentRole: models.RoleTeacher, Status: models.MessageStatusPending, Version: 1,
	}
	repo.messages[other.ID] = other
	staff := chainStaff()
	svc := newEngine(repo, newMockDirectory(staff...), &recordingNotifier{}, &recordingBus{})

	// Students see only their own messages.
	msgs, _, err := svc.List(context.Background(), studentClaims(), 1, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1", msgs[0].ID)

	// Department-scoped approvers see their department's queue only.
	msgs, _, err = svc.List(context.Background(), claimsFor(staff[0]), 1, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1", msgs[0].ID)

	// Global approvers see the whole queue for their role.
	repo.messages["msg-1"].CurrentRole = models.RoleDirector
	other.CurrentRole = models.RoleDirector
	msgs, _, err = svc.List(context.Background(), claimsFor(staff[3]), 1, 20)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestListIsReadOnly(t *testing.T) {
	repo := newMockMessageRepo()
	seedMessage(repo, models.RoleTeacher, models.MessageStatusPending)
	staff := chainStaff()
	svc := newEngine(repo, newMockDirectory(staff...), &recordingNotifier{}, &recordingBus{})

	for i := 0; i < 3; i++ {
		_, _, err := svc.List(context.Background(), studentClaims(), 1, 20)
		require.NoError(t, err)
	}
	assert.Zero(t, repo.saved)
	assert.Len(t, repo.messages["msg-1"].HistoryLog, 1)
}

func TestGetVisibility(t *testing.T) {
	repo := newMockMessageRepo()
	msg := seedMessage(repo, models.RoleHOD, models.MessageStatusPending)
	msg.HistoryLog = append(msg.HistoryLog, models.HistoryEntry{Role: models.RoleTeacher, Status: models.HistoryApproved})
	staff := chainStaff()
	svc := newEngine(repo, newMockDirectory(staff...), &recordingNotifier{}, &recordingBus{})

	// Sender sees it.
	_, err := svc.Get(context.Background(), "msg-1", studentClaims())
	require.NoError(t, err)

	// Current role in the right department sees it.
	_, err = svc.Get(context.Background(), "msg-1", claimsFor(staff[1]))
	require.NoError(t, err)

	// Same role in another department does not.
	otherHOD := &models.JWTClaims{UserID: "hod-mba", Role: models.RoleHOD, Department: "MBA"}
	_, err = svc.Get(context.Background(), "msg-1", otherHOD)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotAuthorized.Code, appErrors.FromError(err).Code)

	// A role that already acted on it retains visibility.
	_, err = svc.Get(context.Background(), "msg-1", claimsFor(staff[0]))
	require.NoError(t, err)

	// A later chain role that has not acted yet does not see it.
	_, err = svc.Get(context.Background(), "msg-1", claimsFor(staff[4]))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotAuthorized.Code, appErrors.FromError(err).Code)
}
