// Package redis реализует feed.Bus поверх Redis Pub/Sub: события беседы идут в
// канал feed:{key}, что даёт фан-аут между процессами движка.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/convo/internal/feed"
	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
)

const channelPrefix = "feed:"

type Bus struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("feed redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("feed redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("feed redis ping: %w", err)
	}
	return &Bus{cli: cli}, nil
}

// NewFromClient wraps an existing client (shared with other Redis consumers).
func NewFromClient(cli *redis.Client) *Bus {
	return &Bus{cli: cli}
}

func (b *Bus) Publish(ctx context.Context, ev feed.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed redis marshal: %w", err)
	}
	if err := b.cli.Publish(ctx, channelPrefix+string(ev.Key), data).Err(); err != nil {
		return fmt.Errorf("feed redis publish: %w", err)
	}
	return nil
}

type subscription struct {
	ps   *redis.PubSub
	ch   chan feed.Event
	once sync.Once
	wg   sync.WaitGroup
}

func (s *subscription) Events() <-chan feed.Event { return s.ch }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		s.wg.Wait()
		close(s.ch)
	})
	return err
}

func (b *Bus) Subscribe(ctx context.Context, key model.ConversationKey) (feed.Subscription, error) {
	ps := b.cli.Subscribe(ctx, channelPrefix+string(key))
	// Wait for the subscription to be confirmed so no events are lost between
	// the durable write that prompted the subscribe and the first delivery.
	if _, err := ps.Receive(ctx); err != nil {
		if closeErr := ps.Close(); closeErr != nil {
			return nil, fmt.Errorf("feed redis subscribe: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("feed redis subscribe: %w", err)
	}

	s := &subscription{ps: ps, ch: make(chan feed.Event, 256)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range ps.Channel() {
			var ev feed.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Errorf("feed redis unmarshal: %v", err)
				continue
			}
			select {
			case s.ch <- ev:
			default:
				logger.Errorf("feed redis: subscriber buffer full, dropping %s/%s for %s", ev.Entity, ev.Op, ev.Key)
			}
		}
	}()
	return s, nil
}

func (b *Bus) Close() error {
	return b.cli.Close()
}
