package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/storyloop/internal/lease"
)

func newStepRunner(t *testing.T, store lease.Store, token string) *StepRunner {
	t.Helper()
	return &StepRunner{
		Store:   store,
		LoopID:  "loop-1",
		StoryID: "S1",
		Token:   token,
		Stage:   "implement",
		Attempt: 1,
		TTL:     time.Minute,
	}
}

func TestStepRunnerMemoizesResults(t *testing.T) {
	store := lease.NewMemoryStore()
	ctx := context.Background()
	_, _, err := store.Acquire(ctx, "loop-1", "S1", "token-a", time.Minute)
	require.NoError(t, err)

	runner := newStepRunner(t, store, "token-a")

	calls := 0
	step := func(context.Context) (string, error) {
		calls++
		return "sha-123", nil
	}

	value, err := runner.Do(ctx, "commit", step)
	require.NoError(t, err)
	assert.Equal(t, "sha-123", value)

	// Redelivered stage re-runs the step name: the recorded result is
	// reused and fn is not invoked again.
	value, err = runner.Do(ctx, "commit", step)
	require.NoError(t, err)
	assert.Equal(t, "sha-123", value)
	assert.Equal(t, 1, calls)
}

func TestStepRunnerBlockedWithoutLease(t *testing.T) {
	store := lease.NewMemoryStore()
	ctx := context.Background()
	_, _, err := store.Acquire(ctx, "loop-1", "S1", "token-live", time.Minute)
	require.NoError(t, err)

	stale := newStepRunner(t, store, "token-stale")

	ran := false
	_, err = stale.Do(ctx, "commit", func(context.Context) (string, error) {
		ran = true
		return "sha-should-not-exist", nil
	})
	assert.ErrorIs(t, err, lease.ErrLeaseLost)
	assert.False(t, ran, "a non-holder must perform no side effect")

	_, ok, err := store.GetArtifact(ctx, lease.ArtifactKey("loop-1", "S1", 1, "implement", "commit"))
	require.NoError(t, err)
	assert.False(t, ok, "no artifact should be recorded by the blocked runner")
}

func TestStepRunnerRenewsAfterStep(t *testing.T) {
	store := lease.NewMemoryStore()
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	_, _, err := store.Acquire(ctx, "loop-1", "S1", "token-a", time.Minute)
	require.NoError(t, err)

	runner := newStepRunner(t, store, "token-a")
	runner.TTL = time.Minute

	// Move close to expiry, then run a step: the completion renewal
	// should push the deadline out again.
	now = now.Add(50 * time.Second)
	_, err = runner.Do(ctx, "gate", func(context.Context) (string, error) { return "", nil })
	require.NoError(t, err)

	now = now.Add(30 * time.Second) // 80s after acquire, 30s after renew
	holder, err := store.Holder(ctx, "loop-1", "S1")
	require.NoError(t, err)
	assert.Equal(t, "token-a", holder, "lease should have been renewed by the step")
}

func TestStepRunnerDistinctStepsRunIndependently(t *testing.T) {
	store := lease.NewMemoryStore()
	ctx := context.Background()
	_, _, err := store.Acquire(ctx, "loop-1", "S1", "token-a", time.Minute)
	require.NoError(t, err)

	runner := newStepRunner(t, store, "token-a")

	var order []string
	for _, name := range []string{"prompt", "invoke", "commit"} {
		name := name
		_, err := runner.Do(ctx, name, func(context.Context) (string, error) {
			order = append(order, name)
			return name + "-done", nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"prompt", "invoke", "commit"}, order)
}
