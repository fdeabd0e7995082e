package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/convo/internal/feed"
	feedmemory "github.com/convo/internal/feed/memory"
	"github.com/convo/internal/model"
	"github.com/convo/internal/store"
	"github.com/convo/internal/store/memory"
)

type recordingSink struct {
	mu    sync.Mutex
	items []model.Notification
}

func (rs *recordingSink) Deliver(ctx context.Context, n model.Notification) {
	rs.mu.Lock()
	rs.items = append(rs.items, n)
	rs.mu.Unlock()
}

func (rs *recordingSink) snapshot() []model.Notification {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]model.Notification, len(rs.items))
	copy(out, rs.items)
	return out
}

func newTestService(t *testing.T) (*Service, *memory.Store, *feedmemory.Bus, *recordingSink) {
	t.Helper()
	st := memory.New()
	bus := feedmemory.New()
	t.Cleanup(func() { bus.Close() })
	sink := &recordingSink{}
	svc := NewService(st, st, st.Notifications(), st, bus, sink)
	return svc, st, bus, sink
}

func recvEvent(t *testing.T, sub feed.Subscription) feed.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("feed closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for feed event")
	}
	return feed.Event{}
}

func TestSendPublishesInsert(t *testing.T) {
	svc, _, bus, _ := newTestService(t)
	key := model.DirectKey("a", "b")
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	m, err := svc.Send(ctx, SendInput{Key: key, SenderID: "a", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	ev := recvEvent(t, sub)
	if ev.Op != feed.OpInsert || ev.Entity != feed.EntityMessage || ev.MessageID != m.ID {
		t.Fatalf("published %+v, want insert of %s", ev, m.ID)
	}
	if ev.Message == nil || ev.Message.Content != "hello" {
		t.Fatalf("insert event carries no full row: %+v", ev.Message)
	}
}

func TestSendRejectsEmptyPayload(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Send(context.Background(), SendInput{Key: model.DirectKey("a", "b"), SenderID: "a"})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSendFansOutMentions(t *testing.T) {
	svc, st, _, sink := newTestService(t)
	key := model.ChainKey("team")
	st.SetRoster(key, []model.Participant{
		{UserID: "u1", DisplayName: "Ana"},
		{UserID: "u2", DisplayName: "Ben"},
		{UserID: "u3", DisplayName: "Carl"},
	})
	ctx := context.Background()

	// Ана упоминает Ben и несуществующего Dave; сама себя — не считается.
	if _, err := svc.Send(ctx, SendInput{Key: key, SenderID: "u1", Content: "@Ben @Dave @Ana see this"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got []model.Notification
	for time.Now().Before(deadline) {
		got, _ = st.Notifications().ListByUser(ctx, "u2", true)
		if len(got) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 1 {
		t.Fatalf("Ben notifications = %v, want exactly 1", got)
	}
	if got[0].Type != model.NotificationMention || got[0].EntityType != "message" {
		t.Fatalf("bad notification: %+v", got[0])
	}

	// Sender never notifies themselves, unmatched token is silent.
	if self, _ := st.Notifications().ListByUser(ctx, "u1", false); len(self) != 0 {
		t.Fatalf("sender self-notified: %v", self)
	}
	if carl, _ := st.Notifications().ListByUser(ctx, "u3", false); len(carl) != 0 {
		t.Fatalf("unmentioned participant notified: %v", carl)
	}

	delivered := sink.snapshot()
	if len(delivered) != 1 || delivered[0].UserID != "u2" {
		t.Fatalf("sink deliveries = %v, want one for u2", delivered)
	}
}

func TestMarkReadPublishesOnlyWhenChanged(t *testing.T) {
	svc, _, bus, _ := newTestService(t)
	key := model.DirectKey("a", "b")
	ctx := context.Background()

	if _, err := svc.Send(ctx, SendInput{Key: key, SenderID: "a", Content: "unread"}); err != nil {
		t.Fatal(err)
	}

	sub, _ := bus.Subscribe(ctx, key)
	defer sub.Close()

	if err := svc.MarkRead(ctx, key, "b"); err != nil {
		t.Fatal(err)
	}
	ev := recvEvent(t, sub)
	if ev.Entity != feed.EntityRead || ev.UserID != "b" {
		t.Fatalf("published %+v, want read event for b", ev)
	}

	// Second ack changes nothing — no event.
	if err := svc.MarkRead(ctx, key, "b"); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("idempotent MarkRead published %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestToggleReactionPublishesBothDirections(t *testing.T) {
	svc, _, bus, _ := newTestService(t)
	key := model.DirectKey("a", "b")
	ctx := context.Background()

	m, err := svc.Send(ctx, SendInput{Key: key, SenderID: "a", Content: "react to me"})
	if err != nil {
		t.Fatal(err)
	}
	sub, _ := bus.Subscribe(ctx, key)
	defer sub.Close()

	added, err := svc.ToggleReaction(ctx, m.ID, "b", "👍")
	if err != nil || !added {
		t.Fatalf("toggle on: added=%v err=%v", added, err)
	}
	if ev := recvEvent(t, sub); ev.Entity != feed.EntityReaction || ev.Op != feed.OpInsert {
		t.Fatalf("published %+v, want reaction insert", ev)
	}

	added, err = svc.ToggleReaction(ctx, m.ID, "b", "👍")
	if err != nil || added {
		t.Fatalf("toggle off: added=%v err=%v", added, err)
	}
	if ev := recvEvent(t, sub); ev.Entity != feed.EntityReaction || ev.Op != feed.OpDelete {
		t.Fatalf("published %+v, want reaction delete", ev)
	}
}

func TestDeletePublishesAndEditLosesRace(t *testing.T) {
	svc, _, bus, _ := newTestService(t)
	key := model.DirectKey("a", "b")
	ctx := context.Background()

	m, _ := svc.Send(ctx, SendInput{Key: key, SenderID: "a", Content: "doomed"})
	sub, _ := bus.Subscribe(ctx, key)
	defer sub.Close()

	if err := svc.Delete(ctx, m.ID, "a"); err != nil {
		t.Fatal(err)
	}
	if ev := recvEvent(t, sub); ev.Op != feed.OpDelete || ev.MessageID != m.ID {
		t.Fatalf("published %+v, want delete of %s", ev, m.ID)
	}

	if _, err := svc.Edit(ctx, m.ID, "too late", "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("edit after delete: err = %v, want ErrNotFound", err)
	}
}

func TestMessagesAttachesReactions(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	key := model.DirectKey("a", "b")
	ctx := context.Background()

	m, _ := svc.Send(ctx, SendInput{Key: key, SenderID: "a", Content: "hello"})
	svc.ToggleReaction(ctx, m.ID, "b", "👍")

	msgs, err := svc.Messages(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || len(msgs[0].Reactions) != 1 {
		t.Fatalf("messages = %+v, want one row with one reaction", msgs)
	}
}
