package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus backed by Redis pub/sub channels.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to the Redis instance at url.
func NewRedisBus(url string) (*RedisBus, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBus{client: redis.NewClient(options)}, nil
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.client.Publish(ctx, subjectPrefix+event.Name, raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, name string) (<-chan Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, subjectPrefix+name)
	raw := pubsub.Channel()
	out := make(chan Event, 64)
	stop := make(chan struct{})
	var once sync.Once

	unsubscribe := func() {
		once.Do(func() {
			_ = pubsub.Close()
			close(stop)
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return
			case <-stop:
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-stop:
					return
				}
			}
		}
	}()

	return out, unsubscribe, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
