// Package engine orchestrates durable writes: every send/edit/delete/react/
// markRead goes through the store, then the confirmed change is published on
// the feed bus for every subscriber of the conversation — including the
// actor's own sessions. Mention fan-out hangs off the send path.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/convo/internal/feed"
	"github.com/convo/internal/logger"
	"github.com/convo/internal/mention"
	"github.com/convo/internal/model"
	"github.com/convo/internal/notify"
	"github.com/convo/internal/store"
)

const mentionTimeout = 5 * time.Second

type Service struct {
	messages      store.MessageStore
	reactions     store.ReactionStore
	notifications store.NotificationStore
	roster        store.RosterProvider
	bus           feed.Bus
	sink          notify.Sink
}

func NewService(
	messages store.MessageStore,
	reactions store.ReactionStore,
	notifications store.NotificationStore,
	roster store.RosterProvider,
	bus feed.Bus,
	sink notify.Sink,
) *Service {
	return &Service{
		messages:      messages,
		reactions:     reactions,
		notifications: notifications,
		roster:        roster,
		bus:           bus,
		sink:          sink,
	}
}

// SendInput is one outgoing message. Exactly one of Content / ImageURL /
// AudioURL is expected; an all-empty payload fails with ErrValidation.
type SendInput struct {
	Key               model.ConversationKey
	SenderID          string
	Content           string
	ImageURL          string
	AudioURL          string
	AudioDuration     int
	ConversationTitle string // used in mention notifications, may be empty
}

// Send persists the message, publishes the insert and fans out mention
// notifications. Notification failures never fail the send.
func (s *Service) Send(ctx context.Context, in SendInput) (*model.Message, error) {
	defer logger.DeferLogDuration("engine.Send", time.Now())()
	m := &model.Message{
		ConversationKey: in.Key,
		SenderID:        in.SenderID,
		Content:         in.Content,
		ImageURL:        in.ImageURL,
		AudioURL:        in.AudioURL,
		AudioDuration:   in.AudioDuration,
	}
	if m.Empty() {
		return nil, fmt.Errorf("engine.Send: %w", store.ErrValidation)
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, err
	}

	s.publish(ctx, feed.Event{
		Op: feed.OpInsert, Entity: feed.EntityMessage,
		Key: m.ConversationKey, MessageID: m.ID, Message: m,
	})

	if m.Content != "" {
		// Fire-and-forget: the send already succeeded.
		msg := *m
		go s.fanOutMentions(&msg, in.ConversationTitle)
	}
	return m, nil
}

// Edit updates the text content. ErrForbidden for non-senders, ErrNotFound
// when a concurrent delete won the race.
func (s *Service) Edit(ctx context.Context, id, newText, userID string) (*model.Message, error) {
	defer logger.DeferLogDuration("engine.Edit", time.Now())()
	m, err := s.messages.Edit(ctx, id, newText, userID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, feed.Event{
		Op: feed.OpUpdate, Entity: feed.EntityMessage,
		Key: m.ConversationKey, MessageID: m.ID, Message: m,
	})
	return m, nil
}

// Delete hard-removes the message; reactions cascade in the store.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	defer logger.DeferLogDuration("engine.Delete", time.Now())()
	m, err := s.messages.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.messages.Delete(ctx, id, userID); err != nil {
		return err
	}
	s.publish(ctx, feed.Event{
		Op: feed.OpDelete, Entity: feed.EntityMessage,
		Key: m.ConversationKey, MessageID: id,
	})
	return nil
}

// ToggleReaction flips the (message, user, emoji) reaction and reports
// whether it is now present.
func (s *Service) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	defer logger.DeferLogDuration("engine.ToggleReaction", time.Now())()
	m, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return false, err
	}
	added, err := s.reactions.Toggle(ctx, messageID, userID, emoji)
	if err != nil {
		return false, err
	}
	op := feed.OpDelete
	if added {
		op = feed.OpInsert
	}
	s.publish(ctx, feed.Event{
		Op: op, Entity: feed.EntityReaction,
		Key: m.ConversationKey, MessageID: messageID,
		Reaction: &model.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji},
	})
	return added, nil
}

// MarkRead flips the read flag for the reader and, when anything changed,
// publishes one bulk read event for the conversation.
func (s *Service) MarkRead(ctx context.Context, key model.ConversationKey, readerID string) error {
	defer logger.DeferLogDuration("engine.MarkRead", time.Now())()
	n, err := s.messages.MarkRead(ctx, key, readerID)
	if err != nil {
		return err
	}
	if n > 0 {
		s.publish(ctx, feed.Event{
			Op: feed.OpUpdate, Entity: feed.EntityRead,
			Key: key, UserID: readerID,
		})
	}
	return nil
}

// Messages returns the full ordered sequence for the conversation with
// reactions attached.
func (s *Service) Messages(ctx context.Context, key model.ConversationKey) ([]model.Message, error) {
	defer logger.DeferLogDuration("engine.Messages", time.Now())()
	msgs, err := s.messages.List(ctx, key)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		reactions, err := s.reactions.ListByMessage(ctx, msgs[i].ID)
		if err == nil && len(reactions) > 0 {
			msgs[i].Reactions = reactions
		}
	}
	return msgs, nil
}

// Participants is the read-only roster passthrough.
func (s *Service) Participants(ctx context.Context, key model.ConversationKey) ([]model.Participant, error) {
	return s.roster.ListParticipants(ctx, key)
}

// Message returns one message by id.
func (s *Service) Message(ctx context.Context, id string) (*model.Message, error) {
	return s.messages.Get(ctx, id)
}

// Reactions lists raw reaction rows of a message.
func (s *Service) Reactions(ctx context.Context, messageID string) ([]model.Reaction, error) {
	return s.reactions.ListByMessage(ctx, messageID)
}

func (s *Service) publish(ctx context.Context, ev feed.Event) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		logger.Errorf("engine publish %s/%s %s: %v", ev.Entity, ev.Op, ev.Key, err)
	}
}

// fanOutMentions resolves @-tokens against the roster and produces one
// notification per mentioned participant except the sender.
func (s *Service) fanOutMentions(m *model.Message, conversationTitle string) {
	ctx, cancel := context.WithTimeout(context.Background(), mentionTimeout)
	defer cancel()

	tokens := mention.Extract(m.Content)
	if len(tokens) == 0 {
		return
	}
	roster, err := s.roster.ListParticipants(ctx, m.ConversationKey)
	if err != nil {
		logger.Errorf("engine mentions roster %s: %v", m.ConversationKey, err)
		return
	}
	resolved := mention.Resolve(tokens, roster)
	if len(resolved) == 0 {
		return
	}

	senderName := m.SenderID
	for _, p := range roster {
		if p.UserID == m.SenderID && p.DisplayName != "" {
			senderName = p.DisplayName
			break
		}
	}
	title := senderName + " упомянул вас"
	if conversationTitle != "" {
		title += " в «" + conversationTitle + "»"
	}
	body := m.Content
	if len(body) > 120 {
		body = body[:117] + "..."
	}

	for _, p := range resolved {
		if p.UserID == m.SenderID {
			continue
		}
		n := model.Notification{
			UserID:     p.UserID,
			Type:       model.NotificationMention,
			Title:      title,
			Body:       body,
			EntityType: "message",
			EntityID:   m.ID,
		}
		if err := s.notifications.Create(ctx, &n); err != nil {
			logger.Errorf("engine mention save user=%s: %v", p.UserID, err)
		}
		if s.sink != nil {
			s.sink.Deliver(ctx, n)
		}
	}
}
