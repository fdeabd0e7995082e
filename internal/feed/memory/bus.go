// Package memory реализует feed.Bus внутри процесса — для режима -dev и тестов.
package memory

import (
	"context"
	"sync"

	"github.com/convo/internal/feed"
	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
)

const subBufSize = 256

type Bus struct {
	mu     sync.RWMutex
	subs   map[model.ConversationKey]map[*subscription]struct{}
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[model.ConversationKey]map[*subscription]struct{})}
}

type subscription struct {
	bus  *Bus
	key  model.ConversationKey
	ch   chan feed.Event
	once sync.Once
}

func (s *subscription) Events() <-chan feed.Event { return s.ch }

// Close removes the subscription and closes its channel while holding the bus
// write lock, so it cannot interleave with a send in Publish.
func (s *subscription) Close() error {
	s.bus.mu.Lock()
	if set, ok := s.bus.subs[s.key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.key)
		}
	}
	s.once.Do(func() { close(s.ch) })
	s.bus.mu.Unlock()
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, key model.ConversationKey) (feed.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, feed.ErrBusClosed
	}
	s := &subscription{bus: b, key: key, ch: make(chan feed.Event, subBufSize)}
	if _, ok := b.subs[key]; !ok {
		b.subs[key] = make(map[*subscription]struct{})
	}
	b.subs[key][s] = struct{}{}
	return s, nil
}

// Publish delivers to every subscriber of the event's key. Delivery is
// non-blocking: a subscriber whose buffer is full loses the event (best-effort
// stream; recovery is a full re-list on the consumer side). Sends happen under
// the read lock: a channel still present in the map is guaranteed open, because
// close only happens under the write lock after removal from the map.
func (b *Bus) Publish(ctx context.Context, ev feed.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[ev.Key] {
		select {
		case s.ch <- ev:
		default:
			logger.Errorf("feed: subscriber buffer full, dropping %s/%s for %s", ev.Entity, ev.Op, ev.Key)
		}
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			s.once.Do(func() { close(s.ch) })
		}
	}
	b.subs = make(map[model.ConversationKey]map[*subscription]struct{})
	return nil
}
