package view

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/convo/internal/engine"
	"github.com/convo/internal/feed"
	feedmemory "github.com/convo/internal/feed/memory"
	"github.com/convo/internal/model"
	"github.com/convo/internal/presence"
	"github.com/convo/internal/store"
	"github.com/convo/internal/store/memory"
)

type fixture struct {
	svc     *engine.Service
	bus     *feedmemory.Bus
	tracker *presence.Tracker
	store   *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	bus := feedmemory.New()
	t.Cleanup(func() { bus.Close() })
	svc := engine.NewService(st, st, st.Notifications(), st, bus, nil)
	tracker := presence.NewTracker(bus, 2*time.Second)
	return &fixture{svc: svc, bus: bus, tracker: tracker, store: st}
}

func (f *fixture) controller(t *testing.T, key model.ConversationKey, userID, name string) *Controller {
	t.Helper()
	c := NewController(Config{Key: key, UserID: userID, DisplayName: name}, f.svc, f.bus, f.tracker)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open %s: %v", userID, err)
	}
	t.Cleanup(c.Close)
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOptimisticSendConfirms(t *testing.T) {
	f := newFixture(t)
	key := model.DirectKey("a", "b")
	c := f.controller(t, key, "a", "Ana")

	tempID, err := c.Send(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}

	// The placeholder is visible immediately, before the durable write returns.
	msgs := c.Rendered()
	if len(msgs) != 1 {
		t.Fatalf("rendered = %v, want the placeholder", msgs)
	}

	waitFor(t, "placeholder confirmation", func() bool {
		msgs := c.Rendered()
		return len(msgs) == 1 && msgs[0].ID != tempID && msgs[0].Seq < placeholderSeqBase
	})
	// No duplicate: the confirmed row replaced the placeholder, not joined it.
	if msgs := c.Rendered(); len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("rendered after confirm = %v", msgs)
	}
}

func TestTwoControllersConverge(t *testing.T) {
	f := newFixture(t)
	key := model.DirectKey("a", "b")
	ca := f.controller(t, key, "a", "Ana")
	cb := f.controller(t, key, "b", "Ben")

	if _, err := ca.Send(context.Background(), "from a"); err != nil {
		t.Fatal(err)
	}
	if _, err := cb.Send(context.Background(), "from b"); err != nil {
		t.Fatal(err)
	}

	sameView := func() bool {
		ma, mb := ca.Rendered(), cb.Rendered()
		if len(ma) != 2 || len(mb) != 2 {
			return false
		}
		for i := range ma {
			if ma[i].ID != mb[i].ID || ma[i].Seq >= placeholderSeqBase {
				return false
			}
		}
		return true
	}
	waitFor(t, "both controllers to converge on the same order", sameView)
}

func TestFailedSendRestoresCompose(t *testing.T) {
	f := newFixture(t)
	// Malformed key: history load and subscribe still work, the durable write
	// is rejected by the store.
	key := model.ConversationKey("bogus")
	c := NewController(Config{Key: key, UserID: "a"}, f.svc, f.bus, f.tracker)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	tempID, err := c.Send(context.Background(), "doomed text")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "failed send to clear the placeholder", func() bool {
		return len(c.Rendered()) == 0
	})
	if got := c.Compose(); got != "doomed text" {
		t.Fatalf("compose = %q, want the failed text restored", got)
	}

	// The failed input is retryable under its temp id.
	if _, err := c.RetryFailed(context.Background(), tempID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := c.RetryFailed(context.Background(), tempID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second retry of same id: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateForUnknownIsInsert(t *testing.T) {
	f := newFixture(t)
	key := model.DirectKey("a", "b")
	c := f.controller(t, key, "a", "Ana")

	// An update that outran its insert: fold it in as a full row.
	row := model.Message{ID: "m9", ConversationKey: key, Seq: 9, SenderID: "b", Content: "edited", CreatedAt: time.Now().UTC()}
	c.applyEvent(feed.Event{Op: feed.OpUpdate, Entity: feed.EntityMessage, Key: key, MessageID: "m9", Message: &row})

	msgs := c.Rendered()
	if len(msgs) != 1 || msgs[0].ID != "m9" || msgs[0].Content != "edited" {
		t.Fatalf("rendered = %v, want the update folded in as insert", msgs)
	}
}

func TestDuplicateInsertIsIdempotent(t *testing.T) {
	f := newFixture(t)
	key := model.DirectKey("a", "b")
	c := f.controller(t, key, "a", "Ana")

	row := model.Message{ID: "m1", ConversationKey: key, Seq: 1, SenderID: "b", Content: "once", CreatedAt: time.Now().UTC()}
	ev := feed.Event{Op: feed.OpInsert, Entity: feed.EntityMessage, Key: key, MessageID: "m1", Message: &row}
	c.applyEvent(ev)
	c.applyEvent(ev)

	if msgs := c.Rendered(); len(msgs) != 1 {
		t.Fatalf("duplicate insert doubled the row: %v", msgs)
	}
}

func TestReadFlagMonotone(t *testing.T) {
	f := newFixture(t)
	key := model.DirectKey("a", "b")
	c := f.controller(t, key, "a", "Ana")

	row := model.Message{ID: "m1", ConversationKey: key, Seq: 1, SenderID: "a", Content: "mine", CreatedAt: time.Now().UTC()}
	c.applyEvent(feed.Event{Op: feed.OpInsert, Entity: feed.EntityMessage, Key: key, MessageID: "m1", Message: &row})

	// Peer acknowledged the conversation.
	c.applyEvent(feed.Event{Op: feed.OpUpdate, Entity: feed.EntityRead, Key: key, UserID: "b"})
	if msgs := c.Rendered(); !msgs[0].Read {
		t.Fatal("read event did not flip the flag")
	}

	// A stale full-row update without the flag must not un-read it.
	stale := row
	stale.Read = false
	c.applyEvent(feed.Event{Op: feed.OpUpdate, Entity: feed.EntityMessage, Key: key, MessageID: "m1", Message: &stale})
	if msgs := c.Rendered(); !msgs[0].Read {
		t.Fatal("read flag regressed from true to false")
	}
}

func TestReactionEventsFold(t *testing.T) {
	f := newFixture(t)
	key := model.DirectKey("a", "b")
	c := f.controller(t, key, "a", "Ana")

	row := model.Message{ID: "m1", ConversationKey: key, Seq: 1, SenderID: "b", Content: "react", CreatedAt: time.Now().UTC()}
	c.applyEvent(feed.Event{Op: feed.OpInsert, Entity: feed.EntityMessage, Key: key, MessageID: "m1", Message: &row})

	rc := model.Reaction{MessageID: "m1", UserID: "a", Emoji: "👍"}
	add := feed.Event{Op: feed.OpInsert, Entity: feed.EntityReaction, Key: key, MessageID: "m1", Reaction: &rc}
	c.applyEvent(add)
	c.applyEvent(add) // at-least-once duplicate
	if msgs := c.Rendered(); len(msgs[0].Reactions) != 1 {
		t.Fatalf("reactions = %v, want deduplicated single entry", msgs[0].Reactions)
	}

	c.applyEvent(feed.Event{Op: feed.OpDelete, Entity: feed.EntityReaction, Key: key, MessageID: "m1", Reaction: &rc})
	if msgs := c.Rendered(); len(msgs[0].Reactions) != 0 {
		t.Fatalf("reactions after delete = %v, want none", msgs[0].Reactions)
	}
}

func TestSendStopsTyping(t *testing.T) {
	f := newFixture(t)
	key := model.DirectKey("a", "b")
	c := f.controller(t, key, "a", "Ana")

	c.InputChanged(context.Background(), "typi")
	if got := f.tracker.Typing(key, "b"); len(got) != 1 {
		t.Fatalf("heartbeat not recorded: %v", got)
	}
	c.mu.Lock()
	armed := c.typingTimer != nil
	c.mu.Unlock()
	if !armed {
		t.Fatal("silence timer not armed on input")
	}

	if _, err := c.Send(context.Background(), "typing done"); err != nil {
		t.Fatal(err)
	}
	if got := f.tracker.Typing(key, "b"); len(got) != 0 {
		t.Fatalf("still typing after send: %v", got)
	}
	c.mu.Lock()
	armed = c.typingTimer != nil
	c.mu.Unlock()
	if armed {
		t.Fatal("silence timer survived the send")
	}
}

func TestDeleteRaceDropsLocalRef(t *testing.T) {
	f := newFixture(t)
	key := model.DirectKey("a", "b")
	c := f.controller(t, key, "a", "Ana")

	m, err := f.svc.Send(context.Background(), engine.SendInput{Key: key, SenderID: "a", Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "insert to arrive", func() bool { return len(c.Rendered()) == 1 })

	// Another session already deleted the row.
	if err := f.svc.Delete(context.Background(), m.ID, "a"); err != nil {
		t.Fatal(err)
	}
	err = c.Edit(context.Background(), m.ID, "new text")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("edit of deleted: err = %v, want ErrNotFound", err)
	}
	waitFor(t, "local reference to drop", func() bool { return len(c.Rendered()) == 0 })
}

// sendAfterListStore fires a callback right after the first history query
// returns, simulating a message committed while Open is still in flight.
type sendAfterListStore struct {
	*memory.Store
	send func()
	once sync.Once
}

func (s *sendAfterListStore) List(ctx context.Context, key model.ConversationKey) ([]model.Message, error) {
	msgs, err := s.Store.List(ctx, key)
	s.once.Do(s.send)
	return msgs, err
}

func TestMessageCommittedDuringOpenRenders(t *testing.T) {
	st := memory.New()
	bus := feedmemory.New()
	t.Cleanup(func() { bus.Close() })
	ms := &sendAfterListStore{Store: st}
	svc := engine.NewService(ms, st, st.Notifications(), st, bus, nil)
	tracker := presence.NewTracker(bus, 2*time.Second)

	key := model.DirectKey("a", "b")
	ms.send = func() {
		if _, err := svc.Send(context.Background(), engine.SendInput{Key: key, SenderID: "b", Content: "in flight"}); err != nil {
			t.Errorf("send during open: %v", err)
		}
	}

	// The message lands after the history snapshot; it must still arrive via
	// the already-established subscription.
	c := NewController(Config{Key: key, UserID: "a"}, svc, bus, tracker)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	waitFor(t, "in-flight message to render", func() bool {
		msgs := c.Rendered()
		return len(msgs) == 1 && msgs[0].Content == "in flight"
	})
}

func TestRenderedSnapshotUnaffectedByLaterEvents(t *testing.T) {
	f := newFixture(t)
	key := model.DirectKey("a", "b")
	c := f.controller(t, key, "a", "Ana")

	row := model.Message{ID: "m1", ConversationKey: key, Seq: 1, SenderID: "b", Content: "snap", CreatedAt: time.Now().UTC()}
	c.applyEvent(feed.Event{Op: feed.OpInsert, Entity: feed.EntityMessage, Key: key, MessageID: "m1", Message: &row})
	up := model.Reaction{MessageID: "m1", UserID: "a", Emoji: "👍"}
	heart := model.Reaction{MessageID: "m1", UserID: "b", Emoji: "❤️"}
	c.applyEvent(feed.Event{Op: feed.OpInsert, Entity: feed.EntityReaction, Key: key, MessageID: "m1", Reaction: &up})
	c.applyEvent(feed.Event{Op: feed.OpInsert, Entity: feed.EntityReaction, Key: key, MessageID: "m1", Reaction: &heart})

	snap := c.Rendered()
	if len(snap) != 1 || len(snap[0].Reactions) != 2 {
		t.Fatalf("snapshot = %v, want one message with two reactions", snap)
	}

	c.applyEvent(feed.Event{Op: feed.OpDelete, Entity: feed.EntityReaction, Key: key, MessageID: "m1", Reaction: &up})

	// The earlier snapshot keeps what it saw; only fresh renders see the delete.
	if got := snap[0].Reactions; len(got) != 2 || got[0].UserID != "a" || got[1].UserID != "b" {
		t.Fatalf("snapshot mutated by later delete: %v", got)
	}
	if msgs := c.Rendered(); len(msgs[0].Reactions) != 1 || msgs[0].Reactions[0].UserID != "b" {
		t.Fatalf("reactions after delete = %v, want only b's", msgs[0].Reactions)
	}
}

func TestOpenTwiceFails(t *testing.T) {
	f := newFixture(t)
	key := model.DirectKey("a", "b")
	c := f.controller(t, key, "a", "Ana")
	if err := c.Open(context.Background()); err == nil {
		t.Fatal("second Open succeeded")
	}
}

func TestCloseIdempotent(t *testing.T) {
	f := newFixture(t)
	key := model.DirectKey("a", "b")
	c := NewController(Config{Key: key, UserID: "a"}, f.svc, f.bus, f.tracker)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Close()
	c.Close()
}
