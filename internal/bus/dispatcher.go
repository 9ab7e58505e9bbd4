package bus

import (
	"context"
	"sync"
)

// Handler processes one delivered event. Returning an error only logs;
// the substrate's redelivery is what drives retries, and handlers are
// required to be idempotent.
type Handler func(ctx context.Context, event Event) error

// ErrorFunc receives handler errors for logging.
type ErrorFunc func(event Event, err error)

// Dispatcher subscribes stage handlers to the bus and invokes them with
// per-project serialization: stages for the same project run one at a
// time while different projects progress in parallel.
type Dispatcher struct {
	bus      Bus
	handlers map[string]Handler
	limiter  *KeyLimiter
	onError  ErrorFunc

	mu        sync.Mutex
	pending   sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
}

// NewDispatcher creates a Dispatcher over the given transport.
func NewDispatcher(transport Bus, onError ErrorFunc) *Dispatcher {
	if onError == nil {
		onError = func(Event, error) {}
	}
	return &Dispatcher{
		bus:      transport,
		handlers: make(map[string]Handler),
		limiter:  NewKeyLimiter(1),
		onError:  onError,
		ready:    make(chan struct{}),
	}
}

// Ready is closed once Run has subscribed every registered handler:
// events published after that point will be seen. It also closes when
// Run gives up on subscribing, so waiters never block forever.
func (d *Dispatcher) Ready() <-chan struct{} {
	return d.ready
}

func (d *Dispatcher) signalReady() {
	d.readyOnce.Do(func() { close(d.ready) })
}

// Handle registers the handler for an event name. Must be called before
// Run. Registering the same name twice keeps the last handler.
func (d *Dispatcher) Handle(name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = handler
}

// Run subscribes every registered handler and delivers events until ctx
// is done. It blocks; callers usually run it in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	d.mu.Unlock()

	var unsubscribes []func()
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
		d.pending.Wait()
	}()

	merged := make(chan Event, 64)
	var fanIn sync.WaitGroup
	for _, name := range names {
		ch, unsubscribe, err := d.bus.Subscribe(ctx, name)
		if err != nil {
			d.signalReady()
			return err
		}
		unsubscribes = append(unsubscribes, unsubscribe)
		fanIn.Add(1)
		go func() {
			defer fanIn.Done()
			for event := range ch {
				select {
				case merged <- event:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		fanIn.Wait()
		close(merged)
	}()
	d.signalReady()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-merged:
			if !ok {
				return nil
			}
			d.deliver(ctx, event)
		}
	}
}

// deliver runs the handler for an event under the project limiter.
func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	d.mu.Lock()
	handler := d.handlers[event.Name]
	d.mu.Unlock()
	if handler == nil {
		return
	}

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		release, err := d.limiter.Acquire(ctx, event.Project)
		if err != nil {
			return
		}
		defer release()
		if err := handler(ctx, event); err != nil {
			d.onError(event, err)
		}
	}()
}

// KeyLimiter bounds concurrent work per key. The pipeline uses limit 1
// keyed by project, which serializes story work within a project.
type KeyLimiter struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	limit int
}

// NewKeyLimiter creates a limiter allowing limit concurrent holders per
// key. A non-positive limit is treated as 1.
func NewKeyLimiter(limit int) *KeyLimiter {
	if limit < 1 {
		limit = 1
	}
	return &KeyLimiter{slots: make(map[string]chan struct{}), limit: limit}
}

// Acquire blocks until a slot for key is free or ctx is done. The
// returned func releases the slot.
func (l *KeyLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, l.limit)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
