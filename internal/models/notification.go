package models

import "time"

// Notification is an in-app record produced by the workflow engine as a side
// effect of message transitions. The engine only ever writes these.
type Notification struct {
	ID          string    `db:"id" json:"id"`
	RecipientID string    `db:"recipient_id" json:"recipient_id"`
	Text        string    `db:"text" json:"text"`
	Read        bool      `db:"read" json:"read"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
