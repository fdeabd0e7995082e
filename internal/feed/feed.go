// Package feed is the change feed bridge: a best-effort, at-least-once stream
// of row-level insert/update/delete events scoped to one conversation key.
// Subscribers must treat every event as idempotent — the same insert can
// arrive twice, and an update may precede the insert it amends.
package feed

import (
	"context"
	"errors"

	"github.com/convo/internal/model"
)

// ErrBusClosed is returned by Subscribe after the bus has shut down.
var ErrBusClosed = errors.New("feed bus closed")

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type Entity string

const (
	EntityMessage  Entity = "message"
	EntityReaction Entity = "reaction"
	// EntityRead is a bulk read-receipt: every message of the conversation
	// addressed to UserID is now read.
	EntityRead Entity = "read"
	// EntityTyping is ephemeral presence; it never touches durable state.
	EntityTyping Entity = "typing"
)

type Event struct {
	Op     Op                    `json:"op"`
	Entity Entity                `json:"entity"`
	Key    model.ConversationKey `json:"key"`

	MessageID string             `json:"message_id,omitempty"`
	Message   *model.Message     `json:"message,omitempty"`
	Reaction  *model.Reaction    `json:"reaction,omitempty"`
	Typing    *model.TypingState `json:"typing,omitempty"`
	// UserID is set for read and typing events.
	UserID string `json:"user_id,omitempty"`
}

// Subscription is one logical feed subscription for one open conversation.
// Close releases the underlying resource and is safe to call more than once;
// the Events channel is closed afterwards.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Bus delivers events to every active subscriber of the matching key.
// Implementations: memory.Bus (in-process) and redis.Bus (cross-process).
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, key model.ConversationKey) (Subscription, error)
	Close() error
}
