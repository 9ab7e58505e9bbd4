package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	ch, unsubscribe, err := b.Subscribe(ctx, "loop.plan")
	require.NoError(t, err)
	defer unsubscribe()

	event, err := NewEvent("loop.plan", "loop-1", "demo", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, event))

	select {
	case got := <-ch:
		assert.Equal(t, "loop.plan", got.Name)
		assert.Equal(t, "loop-1", got.LoopID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBusSubjectIsolation(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	planCh, unsubPlan, err := b.Subscribe(ctx, "loop.plan")
	require.NoError(t, err)
	defer unsubPlan()
	judgeCh, unsubJudge, err := b.Subscribe(ctx, "loop.judge")
	require.NoError(t, err)
	defer unsubJudge()

	event, err := NewEvent("loop.judge", "loop-1", "demo", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, event))

	select {
	case <-judgeCh:
	case <-time.After(time.Second):
		t.Fatal("judge subscriber should receive the event")
	}
	select {
	case got := <-planCh:
		t.Fatalf("plan subscriber should not receive %q", got.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventDecode(t *testing.T) {
	type payload struct {
		StoryID string `json:"storyId"`
	}
	event, err := NewEvent("loop.story.dispatched", "loop-1", "demo", payload{StoryID: "S1"})
	require.NoError(t, err)

	var got payload
	require.NoError(t, event.Decode(&got))
	assert.Equal(t, "S1", got.StoryID)
}

func TestKeyLimiterSerializesPerKey(t *testing.T) {
	limiter := NewKeyLimiter(1)
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := limiter.Acquire(ctx, "project-a")
			if err != nil {
				t.Error(err)
				return
			}
			defer release()
			current := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&maxActive)
				if current <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive),
		"same-key work must be serialized")
}

func TestKeyLimiterIndependentKeys(t *testing.T) {
	limiter := NewKeyLimiter(1)
	ctx := context.Background()

	releaseA, err := limiter.Acquire(ctx, "project-a")
	require.NoError(t, err)
	defer releaseA()

	// A held slot for project-a must not block project-b.
	done := make(chan struct{})
	go func() {
		releaseB, err := limiter.Acquire(ctx, "project-b")
		if err == nil {
			releaseB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different keys should not contend")
	}
}

func TestDispatcherRoutesEvents(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var handled int32
	d := NewDispatcher(b, nil)
	d.Handle("loop.plan", func(ctx context.Context, event Event) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// Publishing immediately after Ready must be delivered: the signal
	// fires only once every subscription is in place.
	select {
	case <-d.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never signalled ready")
	}

	event, err := NewEvent("loop.plan", "loop-1", "demo", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, event))

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&handled) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))
}
