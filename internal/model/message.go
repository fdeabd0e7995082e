package model

import (
	"sort"
	"time"
)

type Message struct {
	ID              string          `json:"id"`
	ConversationKey ConversationKey `json:"conversation_key"`
	// Seq is the server-assigned insertion sequence. It breaks ties between
	// equal creation timestamps so ordering is total, not merely partial.
	Seq           int64      `json:"seq"`
	SenderID      string     `json:"sender_id"`
	Content       string     `json:"content,omitempty"`
	ImageURL      string     `json:"image_url,omitempty"`
	AudioURL      string     `json:"audio_url,omitempty"`
	AudioDuration int        `json:"audio_duration,omitempty"` // seconds
	CreatedAt     time.Time  `json:"created_at"`
	EditedAt      *time.Time `json:"edited_at,omitempty"`
	Read          bool       `json:"read"`
	Sender        *Participant `json:"sender,omitempty"`
	Reactions     []Reaction   `json:"reactions,omitempty"`
}

// Empty reports whether the message carries no content of any kind.
// Such payloads are rejected on the send path.
func (m *Message) Empty() bool {
	return m.Content == "" && m.ImageURL == "" && m.AudioURL == ""
}

// Before orders messages by (created_at, seq). Messages without a seq yet
// (optimistic placeholders) sort after confirmed rows with the same timestamp.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}

// SortMessages orders a slice by (created_at, seq) in place.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(&msgs[j])
	})
}

type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionGroup is aggregated reaction info for display.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"` // user IDs
}

// AggregateReactions groups reactions of one message by emoji. The result does
// not depend on the iteration order of the input; user lists come out sorted.
func AggregateReactions(reactions []Reaction) map[string]ReactionGroup {
	groups := make(map[string]ReactionGroup, 4)
	for _, rc := range reactions {
		g := groups[rc.Emoji]
		g.Emoji = rc.Emoji
		g.Count++
		g.Users = append(g.Users, rc.UserID)
		groups[rc.Emoji] = g
	}
	for emoji, g := range groups {
		sort.Strings(g.Users)
		groups[emoji] = g
	}
	return groups
}
