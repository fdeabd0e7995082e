package ws

import (
	"time"

	"github.com/convo/internal/feed"
	"github.com/convo/internal/model"
)

type EventType string

const (
	// Client → server.
	EventConversationOpen  EventType = "conversation_open"
	EventConversationClose EventType = "conversation_close"
	EventNewMessage        EventType = "new_message"
	EventEditMessage       EventType = "edit_message"
	EventDeleteMessage     EventType = "delete_message"
	EventMarkRead          EventType = "mark_read"
	EventReactionToggle    EventType = "reaction_toggle"
	EventTyping            EventType = "typing"
	EventTypingStopped     EventType = "typing_stopped"

	// Server → client.
	EventMessageNew      EventType = "message_new"
	EventMessageEdited   EventType = "message_edited"
	EventMessageDeleted  EventType = "message_deleted"
	EventMessageRead     EventType = "message_read"
	EventReactionAdded   EventType = "reaction_added"
	EventReactionRemoved EventType = "reaction_removed"
	EventTypingState     EventType = "typing_state"
	EventError           EventType = "error"
)

// IncomingEvent is what the client sends to the server.
type IncomingEvent struct {
	Type EventType             `json:"type"`
	Key  model.ConversationKey `json:"conversation_key,omitempty"`

	// For sends
	Content       string `json:"content,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	AudioURL      string `json:"audio_url,omitempty"`
	AudioDuration int    `json:"audio_duration,omitempty"`

	// For edit/delete/reactions
	MessageID string `json:"message_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`

	// For mention notification titles
	ConversationTitle string `json:"conversation_title,omitempty"`
}

// OutgoingEvent is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// MessageDeletedPayload is delivered when a message is hard-deleted.
type MessageDeletedPayload struct {
	MessageID string                `json:"message_id"`
	Key       model.ConversationKey `json:"conversation_key"`
}

// ReactionPayload is delivered when a reaction is toggled on or off.
type ReactionPayload struct {
	MessageID string                `json:"message_id"`
	Key       model.ConversationKey `json:"conversation_key"`
	UserID    string                `json:"user_id"`
	Emoji     string                `json:"emoji"`
}

// ReadPayload is delivered when a user acknowledges a conversation.
type ReadPayload struct {
	Key    model.ConversationKey `json:"conversation_key"`
	UserID string                `json:"user_id"`
}

// TypingStatePayload mirrors a presence heartbeat or stop.
type TypingStatePayload struct {
	Key         model.ConversationKey `json:"conversation_key"`
	UserID      string                `json:"user_id"`
	DisplayName string                `json:"display_name,omitempty"`
	Typing      bool                  `json:"typing"`
	LastBeat    time.Time             `json:"last_beat"`
}

// outgoingFromFeed translates a change-feed event into the wire event the
// browser client consumes. Returns ok=false for events with no wire mapping.
func outgoingFromFeed(ev feed.Event) (OutgoingEvent, bool) {
	switch ev.Entity {
	case feed.EntityMessage:
		switch ev.Op {
		case feed.OpInsert:
			return OutgoingEvent{Type: EventMessageNew, Payload: ev.Message}, true
		case feed.OpUpdate:
			return OutgoingEvent{Type: EventMessageEdited, Payload: ev.Message}, true
		case feed.OpDelete:
			return OutgoingEvent{Type: EventMessageDeleted, Payload: MessageDeletedPayload{
				MessageID: ev.MessageID, Key: ev.Key,
			}}, true
		}
	case feed.EntityReaction:
		if ev.Reaction == nil {
			return OutgoingEvent{}, false
		}
		t := EventReactionRemoved
		if ev.Op == feed.OpInsert {
			t = EventReactionAdded
		}
		return OutgoingEvent{Type: t, Payload: ReactionPayload{
			MessageID: ev.MessageID, Key: ev.Key, UserID: ev.Reaction.UserID, Emoji: ev.Reaction.Emoji,
		}}, true
	case feed.EntityRead:
		return OutgoingEvent{Type: EventMessageRead, Payload: ReadPayload{
			Key: ev.Key, UserID: ev.UserID,
		}}, true
	case feed.EntityTyping:
		if ev.Typing == nil {
			return OutgoingEvent{}, false
		}
		return OutgoingEvent{Type: EventTypingState, Payload: TypingStatePayload{
			Key: ev.Key, UserID: ev.Typing.UserID, DisplayName: ev.Typing.DisplayName,
			Typing: ev.Typing.Typing, LastBeat: ev.Typing.LastBeat,
		}}, true
	}
	return OutgoingEvent{}, false
}
