// Package view is the per-conversation orchestrator: it issues durable writes
// through the engine, merges change-feed events with local optimistic state,
// maintains the rendered ordered message list and drives typing heartbeats.
//
// Per-message lifecycle: composing → optimistic-pending → confirmed | failed.
// A failed placeholder is removed from the list and its text is restored to
// the compose field so the user can retry.
package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convo/internal/engine"
	"github.com/convo/internal/feed"
	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
	"github.com/convo/internal/presence"
	"github.com/convo/internal/store"
)

// placeholderSeqBase keeps unconfirmed placeholders after every confirmed row
// with an equal timestamp: confirmed seqs are small, placeholder seqs are not.
const placeholderSeqBase = int64(1) << 62

// reconcileWindow is the timestamp tolerance when matching a confirmed row to
// its optimistic placeholder. The temp id never survives the round trip, so
// matching is by sender + content + approximate time.
const reconcileWindow = 5 * time.Second

const writeTimeout = 10 * time.Second

type pendingSend struct {
	tempID  string
	message model.Message
	input   engine.SendInput
}

type Controller struct {
	key         model.ConversationKey
	userID      string
	displayName string
	convTitle   string

	svc      *engine.Service
	bus      feed.Bus
	presence *presence.Tracker

	mu        sync.Mutex
	confirmed map[string]model.Message
	pending   []*pendingSend
	failed    map[string]engine.SendInput
	compose   string
	localSeq  int64

	typingTimer *time.Timer

	sub    feed.Subscription
	opened bool
	closed bool
	done   chan struct{}

	// OnChange, if set before Open, is invoked after every state mutation so
	// a rendering layer can refresh. Called without the controller lock held.
	OnChange func()

	now func() time.Time
}

// Config carries the identity context of the open conversation. The current
// user is resolved once, here — never re-fetched per operation.
type Config struct {
	Key               model.ConversationKey
	UserID            string
	DisplayName       string
	ConversationTitle string
}

func NewController(cfg Config, svc *engine.Service, bus feed.Bus, tracker *presence.Tracker) *Controller {
	return &Controller{
		key:         cfg.Key,
		userID:      cfg.UserID,
		displayName: cfg.DisplayName,
		convTitle:   cfg.ConversationTitle,
		svc:         svc,
		bus:         bus,
		presence:    tracker,
		confirmed:   make(map[string]model.Message),
		failed:      make(map[string]engine.SendInput),
		done:        make(chan struct{}),
		now:         time.Now,
	}
}

// Open subscribes to the change feed, loads the confirmed history and starts
// the event loop. One goroutine per open conversation.
//
// Subscribe comes first: a message committed while the history query runs is
// then guaranteed to arrive on the feed (it buffers until the loop starts),
// and duplicates between snapshot and feed are absorbed by applyEvent.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("view: controller already opened")
	}
	c.opened = true
	c.mu.Unlock()

	sub, err := c.bus.Subscribe(ctx, c.key)
	if err != nil {
		return fmt.Errorf("view subscribe %s: %w", c.key, err)
	}
	msgs, err := c.svc.Messages(ctx, c.key)
	if err != nil {
		sub.Close()
		return fmt.Errorf("view open %s: %w", c.key, err)
	}

	c.mu.Lock()
	for _, m := range msgs {
		c.confirmed[m.ID] = m
	}
	c.sub = sub
	c.mu.Unlock()

	go c.loop(sub)
	return nil
}

func (c *Controller) loop(sub feed.Subscription) {
	defer close(c.done)
	for ev := range sub.Events() {
		if ev.Entity == feed.EntityTyping {
			c.presence.Apply(ev)
			c.notify()
			continue
		}
		c.applyEvent(ev)
	}
}

// Close tears down the subscription and discards presence state. Safe on all
// exit paths; the feed resource is released exactly once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	sub := c.sub
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			logger.Errorf("view close subscription %s: %v", c.key, err)
		}
		<-c.done
	}
	c.presence.Forget(c.key)
}

// Send validates the payload, appends an optimistic placeholder and issues
// the durable write asynchronously. It returns the placeholder's temp id.
// The typing timer is canceled and a stop is broadcast immediately.
func (c *Controller) Send(ctx context.Context, text string) (string, error) {
	return c.send(ctx, engine.SendInput{
		Key: c.key, SenderID: c.userID, Content: text, ConversationTitle: c.convTitle,
	})
}

// SendImage sends a message carrying an uploaded image URL.
func (c *Controller) SendImage(ctx context.Context, imageURL string) (string, error) {
	return c.send(ctx, engine.SendInput{
		Key: c.key, SenderID: c.userID, ImageURL: imageURL, ConversationTitle: c.convTitle,
	})
}

// SendAudio sends a message carrying an uploaded audio URL and its duration.
func (c *Controller) SendAudio(ctx context.Context, audioURL string, durationSec int) (string, error) {
	return c.send(ctx, engine.SendInput{
		Key: c.key, SenderID: c.userID, AudioURL: audioURL, AudioDuration: durationSec,
		ConversationTitle: c.convTitle,
	})
}

func (c *Controller) send(ctx context.Context, in engine.SendInput) (string, error) {
	if in.Content == "" && in.ImageURL == "" && in.AudioURL == "" {
		return "", fmt.Errorf("view send: %w", store.ErrValidation)
	}
	c.stopTyping(ctx)

	tempID := uuid.New().String()
	c.mu.Lock()
	c.localSeq++
	ph := &pendingSend{
		tempID: tempID,
		message: model.Message{
			ID:              tempID,
			ConversationKey: in.Key,
			Seq:             placeholderSeqBase + c.localSeq,
			SenderID:        in.SenderID,
			Content:         in.Content,
			ImageURL:        in.ImageURL,
			AudioURL:        in.AudioURL,
			AudioDuration:   in.AudioDuration,
			CreatedAt:       c.now().UTC(),
		},
		input: in,
	}
	c.pending = append(c.pending, ph)
	if in.Content != "" {
		c.compose = ""
	}
	c.mu.Unlock()
	c.notify()

	go c.write(ph)
	return tempID, nil
}

// write performs the durable send off the caller's goroutine. The placeholder
// is confirmed via the change feed; the direct response only covers the case
// of a dropped feed event (reconciliation is idempotent either way).
func (c *Controller) write(ph *pendingSend) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	m, err := c.svc.Send(ctx, ph.input)
	if err != nil {
		c.failSend(ph, err)
		return
	}
	c.mu.Lock()
	c.upsertLocked(*m)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) failSend(ph *pendingSend, err error) {
	logger.Errorf("view send %s: %v", c.key, err)
	c.mu.Lock()
	c.removePendingLocked(ph.tempID)
	c.failed[ph.tempID] = ph.input
	// Restore the original text so the user can retry from the compose field.
	if ph.input.Content != "" && c.compose == "" {
		c.compose = ph.input.Content
	}
	c.mu.Unlock()
	c.notify()
}

// RetryFailed re-issues a failed send as a fresh placeholder.
func (c *Controller) RetryFailed(ctx context.Context, tempID string) (string, error) {
	c.mu.Lock()
	in, ok := c.failed[tempID]
	if ok {
		delete(c.failed, tempID)
	}
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("view retry: %w", store.ErrNotFound)
	}
	return c.send(ctx, in)
}

// Edit rewrites one of the user's own messages. On ErrNotFound the local
// reference is dropped — the message lost a race with a delete.
func (c *Controller) Edit(ctx context.Context, messageID, newText string) error {
	m, err := c.svc.Edit(ctx, messageID, newText, c.userID)
	if err != nil {
		c.dropIfGone(messageID, err)
		return err
	}
	c.mu.Lock()
	c.upsertLocked(*m)
	c.mu.Unlock()
	c.notify()
	return nil
}

// Delete removes one of the user's own messages.
func (c *Controller) Delete(ctx context.Context, messageID string) error {
	err := c.svc.Delete(ctx, messageID, c.userID)
	if err != nil && !c.dropIfGone(messageID, err) {
		return err
	}
	c.mu.Lock()
	delete(c.confirmed, messageID)
	c.mu.Unlock()
	c.notify()
	return err
}

// ToggleReaction flips the user's reaction on a message.
func (c *Controller) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	_, err := c.svc.ToggleReaction(ctx, messageID, c.userID, emoji)
	if err != nil {
		c.dropIfGone(messageID, err)
		return err
	}
	return nil
}

// MarkRead acknowledges the conversation for the current user. The flipped
// rows come back as a read event on the feed.
func (c *Controller) MarkRead(ctx context.Context) error {
	return c.svc.MarkRead(ctx, c.key, c.userID)
}

// dropIfGone removes a lingering local reference after losing a delete race.
func (c *Controller) dropIfGone(messageID string, err error) bool {
	if !isNotFound(err) {
		return false
	}
	c.mu.Lock()
	delete(c.confirmed, messageID)
	c.mu.Unlock()
	c.notify()
	return true
}

// InputChanged is called on every keystroke: it broadcasts a typing heartbeat
// and (re)arms the silence timer that broadcasts "stopped" after the window.
func (c *Controller) InputChanged(ctx context.Context, text string) {
	c.mu.Lock()
	c.compose = text
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.presence.TTL(), func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		c.presence.Stop(stopCtx, c.key, c.userID)
		c.notify()
	})
	c.mu.Unlock()
	c.presence.Heartbeat(ctx, c.key, c.userID, c.displayName)
}

// stopTyping cancels any pending silence timer and broadcasts the stop now.
func (c *Controller) stopTyping(ctx context.Context) {
	c.mu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()
	c.presence.Stop(ctx, c.key, c.userID)
}

// Compose returns the current compose-field text (restored after a failed
// send).
func (c *Controller) Compose() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compose
}

// TypingUsers returns the remote users currently typing, staleness-filtered.
func (c *Controller) TypingUsers() []model.TypingState {
	return c.presence.Typing(c.key, c.userID)
}

// Rendered returns the merged list — confirmed rows plus unconfirmed
// placeholders — re-sorted by (created_at, seq) on every call, so a late
// confirmation only replaces the placeholder's slot instead of reshuffling.
func (c *Controller) Rendered() []model.Message {
	c.mu.Lock()
	out := make([]model.Message, 0, len(c.confirmed)+len(c.pending))
	for _, m := range c.confirmed {
		out = append(out, m)
	}
	for _, ph := range c.pending {
		out = append(out, ph.message)
	}
	c.mu.Unlock()
	model.SortMessages(out)
	return out
}

// applyEvent folds one change-feed event into local state. Every event is
// idempotent: a duplicate insert overwrites with identical data, an update
// for an unknown id is an implicit insert of the full row.
func (c *Controller) applyEvent(ev feed.Event) {
	c.mu.Lock()
	switch ev.Entity {
	case feed.EntityMessage:
		switch ev.Op {
		case feed.OpInsert, feed.OpUpdate:
			if ev.Message != nil {
				c.upsertLocked(*ev.Message)
			}
		case feed.OpDelete:
			delete(c.confirmed, ev.MessageID)
		}
	case feed.EntityReaction:
		c.applyReactionLocked(ev)
	case feed.EntityRead:
		for id, m := range c.confirmed {
			if m.SenderID != ev.UserID && !m.Read {
				m.Read = true
				c.confirmed[id] = m
			}
		}
	}
	c.mu.Unlock()
	c.notify()
}

// upsertLocked stores an authoritative row and reconciles any matching
// optimistic placeholder. Matching is by sender id, content equality and
// approximate creation time — never by the temporary id.
func (c *Controller) upsertLocked(m model.Message) {
	if prev, ok := c.confirmed[m.ID]; ok {
		// Keep locally-known reactions when the event carries none.
		if m.Reactions == nil {
			m.Reactions = prev.Reactions
		}
		// read is monotone: never let a stale event flip it back.
		if prev.Read {
			m.Read = true
		}
	}
	c.confirmed[m.ID] = m

	if m.SenderID != c.userID {
		return
	}
	for _, ph := range c.pending {
		if ph.message.Content != m.Content ||
			ph.message.ImageURL != m.ImageURL ||
			ph.message.AudioURL != m.AudioURL {
			continue
		}
		d := m.CreatedAt.Sub(ph.message.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= reconcileWindow {
			c.removePendingLocked(ph.tempID)
			return
		}
	}
}

func (c *Controller) applyReactionLocked(ev feed.Event) {
	m, ok := c.confirmed[ev.MessageID]
	if !ok || ev.Reaction == nil {
		// Reaction for a message we do not know — nothing to render yet; the
		// row will arrive with its reactions attached or via re-list.
		return
	}
	rc := *ev.Reaction
	switch ev.Op {
	case feed.OpInsert:
		for _, existing := range m.Reactions {
			if existing.UserID == rc.UserID && existing.Emoji == rc.Emoji {
				return // duplicate delivery
			}
		}
		m.Reactions = append(m.Reactions, rc)
	case feed.OpDelete:
		// Filter into a fresh slice: the old backing array is shared with
		// Message copies handed out by Rendered.
		kept := make([]model.Reaction, 0, len(m.Reactions))
		for _, existing := range m.Reactions {
			if existing.UserID == rc.UserID && existing.Emoji == rc.Emoji {
				continue
			}
			kept = append(kept, existing)
		}
		m.Reactions = kept
	}
	c.confirmed[ev.MessageID] = m
}

func (c *Controller) removePendingLocked(tempID string) {
	for i, ph := range c.pending {
		if ph.tempID == tempID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Controller) notify() {
	if c.OnChange != nil {
		c.OnChange()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
