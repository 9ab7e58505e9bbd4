// Package bus carries pipeline events between stage functions. The
// transport is a swappable concern: an in-process bus for tests and
// single-process loops, plus NATS and Redis pub/sub transports for
// distributed deployments. All transports deliver at-least-once; the
// stages' lease and idempotency discipline makes duplicates safe.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event is the envelope published for every pipeline transition.
type Event struct {
	Name      string          `json:"name"`
	LoopID    string          `json:"loopId"`
	Project   string          `json:"project"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with the payload JSON-encoded.
func NewEvent(name, loopID, project string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Event{
		Name:      name,
		LoopID:    loopID,
		Project:   project,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// Bus publishes and subscribes events by name.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a channel of events matching name and an
	// unsubscribe func. The channel closes on unsubscribe or bus close.
	Subscribe(ctx context.Context, name string) (<-chan Event, func(), error)
	Close() error
}

// MemoryBus is an in-process Bus backed by buffered channels.
type MemoryBus struct {
	mu        sync.RWMutex
	channels  map[string][]chan Event
	closed    bool
	closeOnce sync.Once
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{channels: make(map[string][]chan Event)}
}

func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}
	subscribers := append([]chan Event{}, b.channels[event.Name]...)
	b.mu.RUnlock()

	for _, ch := range subscribers {
		ch <- event
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, name string) (<-chan Event, func(), error) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return nil, nil, fmt.Errorf("bus closed")
	}
	b.channels[name] = append(b.channels[name], ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subscribers := b.channels[name]
		for i, candidate := range subscribers {
			if candidate == ch {
				b.channels[name] = append(subscribers[:i], subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe, nil
}

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for name, subscribers := range b.channels {
			for _, ch := range subscribers {
				close(ch)
			}
			delete(b.channels, name)
		}
		b.mu.Unlock()
	})
	return nil
}
