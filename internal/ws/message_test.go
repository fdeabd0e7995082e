package ws

import (
	"testing"
	"time"

	"github.com/convo/internal/feed"
	"github.com/convo/internal/model"
)

func TestOutgoingFromFeed(t *testing.T) {
	key := model.DirectKey("a", "b")
	msg := &model.Message{ID: "m1", ConversationKey: key, SenderID: "a", Content: "hi"}
	rc := &model.Reaction{MessageID: "m1", UserID: "b", Emoji: "👍"}
	typing := &model.TypingState{ConversationKey: key, UserID: "a", DisplayName: "Ana", Typing: true, LastBeat: time.Now()}

	cases := []struct {
		name string
		ev   feed.Event
		want EventType
		ok   bool
	}{
		{"insert", feed.Event{Op: feed.OpInsert, Entity: feed.EntityMessage, Key: key, MessageID: "m1", Message: msg}, EventMessageNew, true},
		{"update", feed.Event{Op: feed.OpUpdate, Entity: feed.EntityMessage, Key: key, MessageID: "m1", Message: msg}, EventMessageEdited, true},
		{"delete", feed.Event{Op: feed.OpDelete, Entity: feed.EntityMessage, Key: key, MessageID: "m1"}, EventMessageDeleted, true},
		{"reaction add", feed.Event{Op: feed.OpInsert, Entity: feed.EntityReaction, Key: key, MessageID: "m1", Reaction: rc}, EventReactionAdded, true},
		{"reaction remove", feed.Event{Op: feed.OpDelete, Entity: feed.EntityReaction, Key: key, MessageID: "m1", Reaction: rc}, EventReactionRemoved, true},
		{"reaction without payload", feed.Event{Op: feed.OpInsert, Entity: feed.EntityReaction, Key: key, MessageID: "m1"}, "", false},
		{"read", feed.Event{Op: feed.OpUpdate, Entity: feed.EntityRead, Key: key, UserID: "b"}, EventMessageRead, true},
		{"typing", feed.Event{Op: feed.OpUpdate, Entity: feed.EntityTyping, Key: key, UserID: "a", Typing: typing}, EventTypingState, true},
		{"typing without payload", feed.Event{Op: feed.OpUpdate, Entity: feed.EntityTyping, Key: key, UserID: "a"}, "", false},
		{"unknown entity", feed.Event{Op: feed.OpInsert, Entity: "mystery", Key: key}, "", false},
	}

	for _, tc := range cases {
		out, ok := outgoingFromFeed(tc.ev)
		if ok != tc.ok {
			t.Errorf("%s: ok = %v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if ok && out.Type != tc.want {
			t.Errorf("%s: type = %s, want %s", tc.name, out.Type, tc.want)
		}
	}
}

func TestDeletePayloadCarriesKey(t *testing.T) {
	key := model.ChainKey("team")
	out, ok := outgoingFromFeed(feed.Event{Op: feed.OpDelete, Entity: feed.EntityMessage, Key: key, MessageID: "m7"})
	if !ok {
		t.Fatal("delete event not mapped")
	}
	p, ok := out.Payload.(MessageDeletedPayload)
	if !ok || p.MessageID != "m7" || p.Key != key {
		t.Fatalf("payload = %#v", out.Payload)
	}
}
