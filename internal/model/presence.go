package model

import "time"

// TypingState is ephemeral presence data: who is typing in a conversation.
// It is never persisted; a state older than the staleness window counts as
// "not typing" even without an explicit stop signal.
type TypingState struct {
	ConversationKey ConversationKey `json:"conversation_key"`
	UserID          string          `json:"user_id"`
	DisplayName     string          `json:"display_name"`
	Typing          bool            `json:"typing"`
	LastBeat        time.Time       `json:"last_beat"`
}

// Stale reports whether the state is older than ttl at the given instant.
func (t *TypingState) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(t.LastBeat) > ttl
}
