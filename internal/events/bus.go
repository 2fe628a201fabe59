package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/puran-edu/approval-chain-api/internal/models"
)

// EventType identifies a domain event emitted by the workflow engine.
type EventType string

const (
	MessageCreated  EventType = "message.created"
	MessageAdvanced EventType = "message.advanced"
	MessageApproved EventType = "message.approved"
	MessageRejected EventType = "message.rejected"
)

// Event is the payload published for every workflow transition. Fan-out and
// connection management live entirely outside this process.
type Event struct {
	Type        EventType            `json:"type"`
	MessageID   string               `json:"message_id"`
	CurrentRole models.UserRole      `json:"current_role"`
	Status      models.MessageStatus `json:"status"`
	ActorRole   models.UserRole      `json:"actor_role,omitempty"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

// Bus publishes domain events.
type Bus interface {
	Publish(ctx context.Context, event Event) error
}

// RedisBus publishes events to a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBus constructs a bus over the given client and channel.
func NewRedisBus(client *redis.Client, channel string, logger *zap.Logger) *RedisBus {
	if channel == "" {
		channel = "approval.events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

// Publish serialises the event and pushes it onto the channel.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", event.Type, err)
	}
	b.logger.Debug("event published",
		zap.String("type", string(event.Type)),
		zap.String("message_id", event.MessageID),
	)
	return nil
}

// NopBus discards events. Used when event publication is disabled and in tests.
type NopBus struct{}

// Publish implements Bus.
func (NopBus) Publish(context.Context, Event) error { return nil }
