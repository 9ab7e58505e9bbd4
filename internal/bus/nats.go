package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "storyloop.pipeline."

// NATSBus is a Bus backed by NATS pub/sub. Event names map to subjects
// under the storyloop.pipeline prefix.
type NATSBus struct {
	conn *nats.Conn
}

// NewNATSBus connects to the NATS server at url. An empty url uses the
// default local server.
func NewNATSBus(url string) (*NATSBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return b.conn.Publish(subjectPrefix+event.Name, raw)
}

func (b *NATSBus) Subscribe(_ context.Context, name string) (<-chan Event, func(), error) {
	out := make(chan Event, 64)
	var once sync.Once
	var sub *nats.Subscription

	unsubscribe := func() {
		once.Do(func() {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			close(out)
		})
	}

	sub, err := b.conn.Subscribe(subjectPrefix+name, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return // malformed events are dropped, not fatal
		}
		select {
		case out <- event:
		default:
			// Slow consumer: drop rather than block the NATS callback.
			// The substrate's at-least-once redelivery covers the gap.
		}
	})
	if err != nil {
		close(out)
		return nil, nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	return out, unsubscribe, nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
