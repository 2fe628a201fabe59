package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MessageStatus is the lifecycle state of a message in the approval chain.
type MessageStatus string

const (
	MessageStatusPending  MessageStatus = "Pending"
	MessageStatusApproved MessageStatus = "Approved"
	MessageStatusRejected MessageStatus = "Rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s MessageStatus) Terminal() bool {
	return s == MessageStatusApproved || s == MessageStatusRejected
}

// HistoryStatus is the event recorded by a single history entry.
type HistoryStatus string

const (
	HistorySent      HistoryStatus = "Sent"
	HistoryApproved  HistoryStatus = "Approved"
	HistoryRejected  HistoryStatus = "Rejected"
	HistoryForwarded HistoryStatus = "Forwarded"
)

// HistoryEntry is one immutable audit record of an action taken on a message.
type HistoryEntry struct {
	Role      UserRole      `json:"role"`
	Status    HistoryStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Comment   string        `json:"comment,omitempty"`
}

// HistoryLog is the append-only ordered sequence of history entries, stored as
// a JSONB column.
type HistoryLog []HistoryEntry

// Value implements driver.Valuer for JSONB storage.
func (h HistoryLog) Value() (driver.Value, error) {
	if h == nil {
		h = HistoryLog{}
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner for JSONB storage.
func (h *HistoryLog) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	case nil:
		*h = HistoryLog{}
		return nil
	default:
		return fmt.Errorf("unsupported history log type %T", src)
	}
}

// Attachment references an uploaded file attached to a message at creation.
type Attachment struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	MimeType string `json:"mimetype"`
	Size     int64  `json:"size"`
}

// AttachmentList is stored as a JSONB column alongside the message.
type AttachmentList []Attachment

// Value implements driver.Valuer for JSONB storage.
func (a AttachmentList) Value() (driver.Value, error) {
	if a == nil {
		a = AttachmentList{}
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner for JSONB storage.
func (a *AttachmentList) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	case nil:
		*a = AttachmentList{}
		return nil
	default:
		return fmt.Errorf("unsupported attachment list type %T", src)
	}
}

// Message is the unit of work flowing through the approval chain. Title,
// content, attachments, sender and department are fixed at creation; only the
// workflow engine mutates current_role, status and history_log, and every save
// bumps Version for optimistic concurrency control.
type Message struct {
	ID          string         `db:"id" json:"id"`
	Title       string         `db:"title" json:"title"`
	Content     string         `db:"content" json:"content"`
	Attachments AttachmentList `db:"attachments" json:"attachments"`
	SenderID    string         `db:"sender_id" json:"sender_id"`
	SenderName  string         `db:"sender_name" json:"sender_name,omitempty"`
	Department  string         `db:"department" json:"department"`
	CurrentRole UserRole       `db:"current_role" json:"current_role"`
	Status      MessageStatus  `db:"status" json:"status"`
	HistoryLog  HistoryLog     `db:"history_log" json:"history_log"`
	Version     int            `db:"version" json:"version"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// MessageFilter captures the role-scoped listing criteria.
type MessageFilter struct {
	SenderID    string
	Department  string
	CurrentRole UserRole
	Status      MessageStatus
	Page        int
	PageSize    int
}
