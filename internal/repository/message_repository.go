package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/puran-edu/approval-chain-api/internal/models"
)

// ErrVersionConflict is returned when a save loses the optimistic concurrency
// race: another writer persisted a newer version of the message first.
var ErrVersionConflict = errors.New("message version conflict")

const messageColumns = `m.id, m.title, m.content, m.attachments, m.sender_id, m.department, m.current_role, m.status, m.history_log, m.version, m.created_at, m.updated_at, u.full_name AS sender_name`

// MessageRepository provides persistence for messages in the approval chain.
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository creates the repository.
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// GetByID returns a message by identifier, joined with the sender's name.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = $1`
	var message models.Message
	if err := r.db.GetContext(ctx, &message, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &message, nil
}

// Create inserts a new message at version 1.
func (r *MessageRepository) Create(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = now
	message.Version = 1

	const query = `INSERT INTO messages (id, title, content, attachments, sender_id, department, current_role, status, history_log, version, created_at, updated_at)
VALUES (:id, :title, :content, :attachments, :sender_id, :department, :current_role, :status, :history_log, :version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, message); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// Save replaces the mutable workflow fields of a message. The update is
// guarded by the version read earlier: if another writer got there first no
// row matches and ErrVersionConflict is returned. On success the in-memory
// version is bumped to match the stored row.
func (r *MessageRepository) Save(ctx context.Context, message *models.Message) error {
	message.UpdatedAt = time.Now().UTC()
	const query = `UPDATE messages SET current_role = $1, status = $2, history_log = $3, version = version + 1, updated_at = $4
WHERE id = $5 AND version = $6`
	res, err := r.db.ExecContext(ctx, query,
		message.CurrentRole,
		message.Status,
		message.HistoryLog,
		message.UpdatedAt,
		message.ID,
		message.Version,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save message rows affected: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	message.Version++
	return nil
}

// List returns messages matching the role-scoped filter, newest first.
func (r *MessageRepository) List(ctx context.Context, filter models.MessageFilter) ([]models.Message, int, error) {
	base := `FROM messages m JOIN users u ON u.id = m.sender_id WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.SenderID != "" {
		conditions = append(conditions, fmt.Sprintf("m.sender_id = $%d", len(args)+1))
		args = append(args, filter.SenderID)
	}
	if filter.Department != "" {
		conditions = append(conditions, fmt.Sprintf("m.department = $%d", len(args)+1))
		args = append(args, filter.Department)
	}
	if filter.CurrentRole != "" {
		conditions = append(conditions, fmt.Sprintf("m.current_role = $%d", len(args)+1))
		args = append(args, filter.CurrentRole)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("m.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	whereClause := base
	if len(conditions) > 0 {
		whereClause += " AND " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	listQuery := fmt.Sprintf("SELECT %s %s ORDER BY m.created_at DESC LIMIT %d OFFSET %d", messageColumns, whereClause, size, offset)
	var messages []models.Message
	if err := r.db.SelectContext(ctx, &messages, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}

	countQuery := "SELECT COUNT(*) " + whereClause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	return messages, total, nil
}

// CountPendingByRole returns the number of pending messages per chain role,
// used by the metrics gauge.
func (r *MessageRepository) CountPendingByRole(ctx context.Context) (map[models.UserRole]int, error) {
	const query = `SELECT current_role, COUNT(*) AS count FROM messages WHERE status = 'Pending' GROUP BY current_role`
	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count pending messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[models.UserRole]int)
	for rows.Next() {
		var (
			role  models.UserRole
			count int
		)
		if err := rows.Scan(&role, &count); err != nil {
			return nil, fmt.Errorf("scan pending count: %w", err)
		}
		counts[role] = count
	}
	return counts, rows.Err()
}
