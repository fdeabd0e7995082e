// Package memory реализует интерфейсы store в памяти — для режима -dev без
// Postgres и для тестов. Семантика (порядок, toggle, delete-wins, каскад)
// совпадает с Postgres-реализацией.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convo/internal/model"
	"github.com/convo/internal/store"
)

type Store struct {
	mu            sync.RWMutex
	seq           int64
	messages      map[string]*model.Message            // by message id
	reactions     map[string][]model.Reaction          // by message id
	notifications map[string][]model.Notification      // by user id
	roster        map[model.ConversationKey][]model.Participant
}

func New() *Store {
	return &Store{
		messages:      make(map[string]*model.Message),
		reactions:     make(map[string][]model.Reaction),
		notifications: make(map[string][]model.Notification),
		roster:        make(map[model.ConversationKey][]model.Participant),
	}
}

// --- store.MessageStore ---

func (s *Store) Create(ctx context.Context, m *model.Message) error {
	if m.Empty() {
		return fmt.Errorf("memStore.Create: %w", store.ErrValidation)
	}
	if !m.ConversationKey.Valid() || m.SenderID == "" {
		return fmt.Errorf("memStore.Create: %w", store.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Seq = s.seq
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("memStore.Get: %w", store.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) List(ctx context.Context, key model.ConversationKey) ([]model.Message, error) {
	s.mu.RLock()
	msgs := make([]model.Message, 0, 32)
	for _, m := range s.messages {
		if m.ConversationKey == key {
			msgs = append(msgs, *m)
		}
	}
	s.mu.RUnlock()
	model.SortMessages(msgs)
	return msgs, nil
}

func (s *Store) Edit(ctx context.Context, id, newText, requestingUserID string) (*model.Message, error) {
	if newText == "" {
		return nil, fmt.Errorf("memStore.Edit: %w", store.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("memStore.Edit: %w", store.ErrNotFound)
	}
	if m.SenderID != requestingUserID {
		return nil, fmt.Errorf("memStore.Edit: %w", store.ErrForbidden)
	}
	now := time.Now().UTC()
	m.Content = newText
	m.EditedAt = &now
	cp := *m
	return &cp, nil
}

func (s *Store) Delete(ctx context.Context, id, requestingUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("memStore.Delete: %w", store.ErrNotFound)
	}
	if m.SenderID != requestingUserID {
		return fmt.Errorf("memStore.Delete: %w", store.ErrForbidden)
	}
	delete(s.messages, id)
	// Reactions cascade with the message.
	delete(s.reactions, id)
	return nil
}

func (s *Store) MarkRead(ctx context.Context, key model.ConversationKey, readerID string) (int, error) {
	if !key.IsDirect() {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ConversationKey == key && m.SenderID != readerID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

// --- store.ReactionStore ---

func (s *Store) Toggle(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	if userID == "" || emoji == "" {
		return false, fmt.Errorf("memStore.Toggle: %w", store.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return false, fmt.Errorf("memStore.Toggle: %w", store.ErrNotFound)
	}
	list := s.reactions[messageID]
	for i, rc := range list {
		if rc.UserID == userID && rc.Emoji == emoji {
			s.reactions[messageID] = append(list[:i], list[i+1:]...)
			return false, nil
		}
	}
	s.reactions[messageID] = append(list, model.Reaction{
		ID:        uuid.New().String(),
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	})
	return true, nil
}

func (s *Store) ListByMessage(ctx context.Context, messageID string) ([]model.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.reactions[messageID]
	out := make([]model.Reaction, len(list))
	copy(out, list)
	return out, nil
}

// --- store.NotificationStore ---

// Notifications returns the notification view of the store. A separate
// receiver keeps MarkRead distinct from the message-level MarkRead.
func (s *Store) Notifications() store.NotificationStore {
	return &notifications{s: s}
}

type notifications struct {
	s *Store
}

func (ns *notifications) Create(ctx context.Context, n *model.Notification) error {
	ns.s.mu.Lock()
	defer ns.s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	ns.s.notifications[n.UserID] = append(ns.s.notifications[n.UserID], *n)
	return nil
}

func (ns *notifications) ListByUser(ctx context.Context, userID string, unreadOnly bool) ([]model.Notification, error) {
	ns.s.mu.RLock()
	defer ns.s.mu.RUnlock()
	out := make([]model.Notification, 0, len(ns.s.notifications[userID]))
	for _, n := range ns.s.notifications[userID] {
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (ns *notifications) MarkRead(ctx context.Context, id, userID string) error {
	ns.s.mu.Lock()
	defer ns.s.mu.Unlock()
	list := ns.s.notifications[userID]
	for i := range list {
		if list[i].ID == id {
			list[i].Read = true
			return nil
		}
	}
	return fmt.Errorf("memStore.Notifications.MarkRead: %w", store.ErrNotFound)
}

// --- store.RosterProvider ---

// SetRoster seeds the roster for a conversation (dev mode / tests).
func (s *Store) SetRoster(key model.ConversationKey, participants []model.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]model.Participant, len(participants))
	copy(cp, participants)
	s.roster[key] = cp
}

func (s *Store) ListParticipants(ctx context.Context, key model.ConversationKey) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.roster[key]
	if !ok && key.IsDirect() {
		// Direct threads have an implicit roster of their two peers.
		a, b := key.DirectPeers()
		return []model.Participant{{UserID: a}, {UserID: b}}, nil
	}
	out := make([]model.Participant, len(list))
	copy(out, list)
	return out, nil
}
