// Package presence tracks "who is typing" per conversation. State is
// per-process ephemeral memory: heartbeats are merged last-write-wins and
// expire by a staleness window, so a crashed peer simply ages out — no
// explicit stop event is required.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/convo/internal/feed"
	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
)

// DefaultTTL is the staleness window: a heartbeat older than this counts as
// "not typing" regardless of explicit stop signals.
const DefaultTTL = 2 * time.Second

type Tracker struct {
	mu     sync.RWMutex
	ttl    time.Duration
	bus    feed.Bus
	states map[model.ConversationKey]map[string]model.TypingState

	// now is swapped in tests for deterministic expiry.
	now func() time.Time
}

func NewTracker(bus feed.Bus, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:    ttl,
		bus:    bus,
		states: make(map[model.ConversationKey]map[string]model.TypingState),
		now:    time.Now,
	}
}

// TTL returns the staleness window.
func (t *Tracker) TTL() time.Duration { return t.ttl }

// Heartbeat records that the user is typing and broadcasts the heartbeat.
// Broadcast failures are swallowed: presence is advisory and lossy — a missed
// beat only makes the indicator expire slightly early for peers.
func (t *Tracker) Heartbeat(ctx context.Context, key model.ConversationKey, userID, displayName string) {
	st := model.TypingState{
		ConversationKey: key,
		UserID:          userID,
		DisplayName:     displayName,
		Typing:          true,
		LastBeat:        t.now(),
	}
	t.set(st)
	t.broadcast(ctx, st)
}

// Stop records that the user stopped typing (send action or the 2-second
// silence timer) and broadcasts the stop.
func (t *Tracker) Stop(ctx context.Context, key model.ConversationKey, userID string) {
	t.mu.Lock()
	st, ok := t.states[key][userID]
	if !ok {
		st = model.TypingState{ConversationKey: key, UserID: userID}
	}
	st.Typing = false
	st.LastBeat = t.now()
	t.states[key] = ensure(t.states[key])
	t.states[key][userID] = st
	t.mu.Unlock()
	t.broadcast(ctx, st)
}

// Apply merges a remote typing event. Conflicting heartbeats overwrite by
// last-write-wins on the beat timestamp.
func (t *Tracker) Apply(ev feed.Event) {
	if ev.Entity != feed.EntityTyping || ev.Typing == nil {
		return
	}
	st := *ev.Typing
	t.mu.Lock()
	defer t.mu.Unlock()
	users := ensure(t.states[st.ConversationKey])
	if prev, ok := users[st.UserID]; ok && prev.LastBeat.After(st.LastBeat) {
		t.states[st.ConversationKey] = users
		return
	}
	users[st.UserID] = st
	t.states[st.ConversationKey] = users
}

// Typing returns the users currently typing in the conversation, excluding
// excludeUserID (normally the local user). Staleness is evaluated here, at
// render time — never via pushed expiry events.
func (t *Tracker) Typing(key model.ConversationKey, excludeUserID string) []model.TypingState {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []model.TypingState
	for _, st := range t.states[key] {
		if st.UserID == excludeUserID {
			continue
		}
		if !st.Typing || st.Stale(now, t.ttl) {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Forget discards all presence state for a conversation (conversation close).
func (t *Tracker) Forget(key model.ConversationKey) {
	t.mu.Lock()
	delete(t.states, key)
	t.mu.Unlock()
}

func (t *Tracker) set(st model.TypingState) {
	t.mu.Lock()
	users := ensure(t.states[st.ConversationKey])
	users[st.UserID] = st
	t.states[st.ConversationKey] = users
	t.mu.Unlock()
}

func (t *Tracker) broadcast(ctx context.Context, st model.TypingState) {
	if t.bus == nil {
		return
	}
	ev := feed.Event{
		Op:     feed.OpUpdate,
		Entity: feed.EntityTyping,
		Key:    st.ConversationKey,
		UserID: st.UserID,
		Typing: &st,
	}
	if err := t.bus.Publish(ctx, ev); err != nil {
		logger.Errorf("presence broadcast %s user=%s: %v", st.ConversationKey, st.UserID, err)
	}
}

func ensure(m map[string]model.TypingState) map[string]model.TypingState {
	if m == nil {
		return make(map[string]model.TypingState, 4)
	}
	return m
}
