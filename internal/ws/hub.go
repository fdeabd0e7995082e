package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/convo/internal/engine"
	"github.com/convo/internal/feed"
	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
	"github.com/convo/internal/presence"
	"github.com/convo/internal/store"
)

const opTimeout = 5 * time.Second

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	svc      *engine.Service
	bus      feed.Bus
	presence *presence.Tracker

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(svc *engine.Service, bus feed.Bus, tracker *presence.Tracker, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		svc:        svc,
		bus:        bus,
		presence:   tracker,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O (and subscription release) outside the lock.
	c.Close()
}

// HandleEvent dispatches incoming WebSocket events.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, ev IncomingEvent) {
	switch ev.Type {
	case EventConversationOpen:
		h.handleOpen(ctx, c, ev)
	case EventConversationClose:
		c.removeSub(ev.Key)
	case EventNewMessage:
		h.handleSend(ctx, c, ev)
	case EventEditMessage:
		h.handleEdit(ctx, c, ev)
	case EventDeleteMessage:
		h.handleDelete(ctx, c, ev)
	case EventMarkRead:
		h.handleMarkRead(ctx, c, ev)
	case EventReactionToggle:
		h.handleReaction(ctx, c, ev)
	case EventTyping:
		h.handleTyping(ctx, c, ev, true)
	case EventTypingStopped:
		h.handleTyping(ctx, c, ev, false)
	default:
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: "unknown event type"})
	}
}

// handleOpen creates exactly one feed subscription for (connection, key) and
// pumps its events to the client until the conversation or connection closes.
func (h *Hub) handleOpen(ctx context.Context, c *Client, ev IncomingEvent) {
	if !ev.Key.Valid() {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: "conversation_key required"})
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	member, err := h.isParticipant(opCtx, ev.Key, c.userID)
	cancel()
	if err != nil {
		logger.Errorf("ws check participant %s user=%s: %v", ev.Key, c.userID, err)
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: "internal error"})
		return
	}
	if !member {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: "not a participant"})
		return
	}

	sub, err := h.bus.Subscribe(ctx, ev.Key)
	if err != nil {
		logger.Errorf("ws subscribe %s user=%s: %v", ev.Key, c.userID, err)
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: "subscribe failed"})
		return
	}
	c.addSub(ev.Key, sub)

	go func() {
		for fev := range sub.Events() {
			out, ok := outgoingFromFeed(fev)
			if !ok {
				continue
			}
			h.sendToClient(c, out)
		}
	}()
}

func (h *Hub) isParticipant(ctx context.Context, key model.ConversationKey, userID string) (bool, error) {
	if key.IsDirect() {
		a, b := key.DirectPeers()
		return userID == a || userID == b, nil
	}
	roster, err := h.svc.Participants(ctx, key)
	if err != nil {
		return false, err
	}
	for _, p := range roster {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (h *Hub) handleSend(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if !ev.Key.Valid() {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: "conversation_key required"})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Sending also means the user stopped typing.
	h.presence.Stop(ctx, ev.Key, c.userID)

	_, err := h.svc.Send(ctx, engine.SendInput{
		Key:               ev.Key,
		SenderID:          c.userID,
		Content:           ev.Content,
		ImageURL:          ev.ImageURL,
		AudioURL:          ev.AudioURL,
		AudioDuration:     ev.AudioDuration,
		ConversationTitle: ev.ConversationTitle,
	})
	if err != nil {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: errorText(err, "failed to send message")})
	}
}

func (h *Hub) handleEdit(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleEdit", time.Now())()
	if ev.MessageID == "" || ev.Content == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: "message_id and content required"})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := h.svc.Edit(ctx, ev.MessageID, ev.Content, c.userID); err != nil {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: errorText(err, "failed to edit")})
	}
}

func (h *Hub) handleDelete(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleDelete", time.Now())()
	if ev.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := h.svc.Delete(ctx, ev.MessageID, c.userID); err != nil {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: errorText(err, "failed to delete")})
	}
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, ev IncomingEvent) {
	if !ev.Key.Valid() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := h.svc.MarkRead(ctx, ev.Key, c.userID); err != nil {
		logger.Errorf("ws mark read %s user=%s: %v", ev.Key, c.userID, err)
	}
}

func (h *Hub) handleReaction(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.MessageID == "" || ev.Emoji == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := h.svc.ToggleReaction(ctx, ev.MessageID, c.userID, ev.Emoji); err != nil {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: errorText(err, "failed to toggle reaction")})
	}
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, ev IncomingEvent, typing bool) {
	if !ev.Key.Valid() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if typing {
		h.presence.Heartbeat(ctx, ev.Key, c.userID, c.displayName)
	} else {
		h.presence.Stop(ctx, ev.Key, c.userID)
	}
}

func errorText(err error, fallback string) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "message not found"
	case errors.Is(err, store.ErrForbidden):
		return "can only modify own messages"
	case errors.Is(err, store.ErrValidation):
		return "empty or invalid payload"
	}
	return fallback
}

func (h *Hub) sendToClient(c *Client, ev OutgoingEvent) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
