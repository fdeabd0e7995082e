package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/convo/internal/feed"
	"github.com/convo/internal/model"
)

func recv(t *testing.T, sub feed.Subscription) feed.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return feed.Event{}
}

func TestPublishReachesAllSubscribersOfKey(t *testing.T) {
	b := New()
	defer b.Close()
	key := model.DirectKey("a", "b")
	ctx := context.Background()

	s1, err := b.Subscribe(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := b.Subscribe(ctx, key)
	if err != nil {
		t.Fatal(err)
	}

	want := feed.Event{Op: feed.OpInsert, Entity: feed.EntityMessage, Key: key, MessageID: "m1"}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []feed.Subscription{s1, s2} {
		if got := recv(t, sub); got.MessageID != "m1" {
			t.Fatalf("got %+v, want message m1", got)
		}
	}
}

func TestNoCrossConversationLeak(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	mine, _ := b.Subscribe(ctx, model.DirectKey("a", "b"))
	other, _ := b.Subscribe(ctx, model.ChainKey("team"))

	b.Publish(ctx, feed.Event{Op: feed.OpInsert, Entity: feed.EntityMessage, Key: model.DirectKey("a", "b"), MessageID: "m1"})

	recv(t, mine)
	select {
	case ev := <-other.Events():
		t.Fatalf("event leaked across conversations: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseReleasesSubscription(t *testing.T) {
	b := New()
	defer b.Close()
	key := model.DirectKey("a", "b")
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, key)
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	// Double close must be safe.
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("events channel not closed after Close")
	}

	// Publishing after release must not panic or block.
	if err := b.Publish(ctx, feed.Event{Op: feed.OpInsert, Entity: feed.EntityMessage, Key: key}); err != nil {
		t.Fatal(err)
	}
}

func TestBusCloseStopsSubscribeAndDrainsSubs(t *testing.T) {
	b := New()
	key := model.DirectKey("a", "b")
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, key)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("subscriber channel open after bus close")
	}
	if _, err := b.Subscribe(ctx, key); err != feed.ErrBusClosed {
		t.Fatalf("Subscribe after close: err = %v, want ErrBusClosed", err)
	}
}

// Closing a subscription while another goroutine publishes to the same key
// must never panic: closing a channel races with the send unless the bus makes
// them mutually exclusive.
func TestConcurrentPublishAndClose(t *testing.T) {
	b := New()
	defer b.Close()
	key := model.DirectKey("a", "b")
	ctx := context.Background()
	ev := feed.Event{Op: feed.OpInsert, Entity: feed.EntityMessage, Key: key, MessageID: "m1"}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		sub, err := b.Subscribe(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.Publish(ctx, ev)
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	defer b.Close()
	key := model.DirectKey("a", "b")
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, key)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subBufSize+10; i++ {
			b.Publish(ctx, feed.Event{Op: feed.OpInsert, Entity: feed.EntityMessage, Key: key})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	sub.Close()
}
