// Package store определяет интерфейсы хранилища движка и таксономию ошибок.
// Реализации: repository (Postgres) и memory (для -dev и тестов).
package store

import (
	"context"

	"github.com/convo/internal/model"
)

// MessageStore is durable CRUD over message rows, scoped by conversation key.
type MessageStore interface {
	// Create persists the message, assigning id, seq and created_at server-side.
	// Fails with ErrValidation when the payload has no content of any kind.
	Create(ctx context.Context, m *model.Message) error
	// Get returns one message by id or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Message, error)
	// List returns all messages of the conversation ordered ascending by
	// (created_at, seq).
	List(ctx context.Context, key model.ConversationKey) ([]model.Message, error)
	// Edit replaces the text content and sets edited_at. ErrForbidden unless
	// requestingUserID is the original sender; ErrNotFound if the row is gone
	// (a concurrent delete wins).
	Edit(ctx context.Context, id, newText, requestingUserID string) (*model.Message, error)
	// Delete hard-removes the row and its reactions. Same authorization rule
	// as Edit.
	Delete(ctx context.Context, id, requestingUserID string) error
	// MarkRead flips read=true on all unread messages of a direct conversation
	// addressed to readerID. Idempotent; returns the number of rows flipped.
	MarkRead(ctx context.Context, key model.ConversationKey, readerID string) (int, error)
}

// ReactionStore is the durable per-message emoji tally with toggle semantics.
type ReactionStore interface {
	// Toggle adds the (message, user, emoji) reaction if absent, removes it if
	// present. Returns true when added. ErrNotFound if the message is gone.
	Toggle(ctx context.Context, messageID, userID, emoji string) (added bool, err error)
	ListByMessage(ctx context.Context, messageID string) ([]model.Reaction, error)
}

// NotificationStore persists mention notifications so clients can list and
// acknowledge them later.
type NotificationStore interface {
	Create(ctx context.Context, n *model.Notification) error
	ListByUser(ctx context.Context, userID string, unreadOnly bool) ([]model.Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
}

// RosterProvider resolves the read-only participant list of a conversation.
type RosterProvider interface {
	ListParticipants(ctx context.Context, key model.ConversationKey) ([]model.Participant, error)
}
