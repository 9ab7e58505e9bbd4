package stage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/storyloop/internal/bus"
	"github.com/harrison/storyloop/internal/lease"
	"github.com/harrison/storyloop/internal/models"
	"github.com/harrison/storyloop/internal/progress"
	"github.com/harrison/storyloop/internal/retro"
)

const pipelinePRD = `---
checks:
  - typecheck
  - lint
  - test
---

# Demo PRD

## Story S1: Login form

Status: pending

Users can sign in with email and password.

Acceptance criteria:
- renders the form
- validates email

## Story S2: Logout

Status: pending

Users can end their session.

Acceptance criteria:
- clears the session cookie
`

func writeTestPRD(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prd.md")
	require.NoError(t, os.WriteFile(path, []byte(pipelinePRD), 0o644))
	return path
}

func setProgress(t *testing.T, s *Stages) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "progress.log")
	s.Progress = progress.NewWriter(path)
	return path
}

func readProgress(t *testing.T, path string) []progress.Entry {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return progress.Parse(string(content))
}

// TestPipelineEndToEnd drives a two-story loop through the real
// dispatcher and in-memory transport: S1 fails its first attempt and
// passes on retry with the escalated tool, S2 passes first try, then the
// loop completes and flushes statuses to the PRD.
func TestPipelineEndToEnd(t *testing.T) {
	transport := bus.NewMemoryBus()
	defer transport.Close()

	gates := &fakeGates{results: []models.TestResults{
		{TestsFailed: 1, TypecheckOK: true, LintOK: true, Details: "✗ renders the form"},
		{TestsPassed: 4, TypecheckOK: true, LintOK: true},
		{TestsPassed: 2, TypecheckOK: true, LintOK: true},
	}}
	repo := newFakeRepo()
	repo.dirty = true
	tools := &fakeTools{}
	prdPath := writeTestPRD(t)

	s := &Stages{
		Store: lease.NewMemoryStore(),
		Bus:   transport,
		Tools: tools,
		Gates: gates,
		Repo:  repo,
	}
	logPath := setProgress(t, s)
	retroDir := t.TempDir()
	s.Retro = &retro.Builder{Store: s.Store, ProgressPath: logPath, OutputDir: retroDir}

	dispatcher := bus.NewDispatcher(transport, func(event bus.Event, err error) {
		t.Errorf("handler error for %s: %v", event.Name, err)
	})
	s.Register(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done, unsubscribe, err := transport.Subscribe(ctx, models.EventRetro)
	require.NoError(t, err)
	defer unsubscribe()

	go dispatcher.Run(ctx)
	select {
	case <-dispatcher.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never subscribed")
	}

	plan, err := bus.NewEvent(models.EventPlan, "loop-e2e", "demo", models.PlanPayload{
		LoopID:      "loop-e2e",
		Project:     "demo",
		PRDPath:     prdPath,
		MaxRetries:  2,
		RetryLadder: []string{"codex", "claude"},
		Checks:      models.ChecksFull,
		StartedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, transport.Publish(ctx, plan))

	select {
	case event := <-done:
		var p models.CompletePayload
		require.NoError(t, event.Decode(&p))
		assert.Equal(t, 2, p.StoriesCompleted)
		assert.Equal(t, 0, p.StoriesFailed)

		// Running the retrospective synchronously, as the run command
		// does, guarantees the artifacts exist before shutdown.
		status, err := s.RunRetro(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, StatusOK, status)
		_, err = os.Stat(filepath.Join(retroDir, "retro-loop-e2e.md"))
		assert.NoError(t, err, "retrospective report written before the loop run returns")
		_, err = os.Stat(filepath.Join(retroDir, "recommendations.json"))
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("loop did not complete")
	}

	stories, err := s.Store.ReadStories(context.Background(), "loop-e2e")
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, models.StoryPassed, stories[0].Status)
	assert.Equal(t, models.StoryPassed, stories[1].Status)

	content, err := os.ReadFile(prdPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(content), "Status: passed"))

	entries := readProgress(t, logPath)
	require.Len(t, entries, 3)
	assert.Equal(t, "retry", entries[0].Outcome)
	assert.Equal(t, "codex", entries[0].Tool)
	assert.Equal(t, "pass", entries[1].Outcome)
	assert.Equal(t, "claude", entries[1].Tool, "retry escalated the ladder")
	assert.Equal(t, "pass", entries[2].Outcome)
}

// TestPipelineCancellation publishes loop.cancelled and verifies planning
// afterwards produces no dispatches: the chain breaks silently.
func TestPipelineCancellation(t *testing.T) {
	transport := bus.NewMemoryBus()
	defer transport.Close()

	s := &Stages{
		Store: lease.NewMemoryStore(),
		Bus:   transport,
		Tools: &fakeTools{},
		Gates: &fakeGates{results: []models.TestResults{{TypecheckOK: true, LintOK: true}}},
		Repo:  newFakeRepo(),
	}
	prdPath := writeTestPRD(t)

	dispatcher := bus.NewDispatcher(transport, func(event bus.Event, err error) {
		t.Errorf("handler error for %s: %v", event.Name, err)
	})
	s.Register(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatched, unsubscribe, err := transport.Subscribe(ctx, models.EventStoryDispatched)
	require.NoError(t, err)
	defer unsubscribe()

	go dispatcher.Run(ctx)
	select {
	case <-dispatcher.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never subscribed")
	}

	cancelEvent, err := bus.NewEvent(models.EventCancelled, "loop-c", "demo", models.CancelledPayload{
		LoopID: "loop-c", Reason: "operator request",
	})
	require.NoError(t, err)
	require.NoError(t, transport.Publish(ctx, cancelEvent))

	// Give the cancellation rule time to set the flag.
	require.Eventually(t, func() bool {
		flagged, err := s.Store.Cancelled(context.Background(), "loop-c")
		return err == nil && flagged
	}, 2*time.Second, 10*time.Millisecond)

	plan, err := bus.NewEvent(models.EventPlan, "loop-c", "demo", models.PlanPayload{
		LoopID: "loop-c", Project: "demo", PRDPath: prdPath, MaxRetries: 2,
	})
	require.NoError(t, err)
	require.NoError(t, transport.Publish(ctx, plan))

	select {
	case event := <-dispatched:
		t.Fatalf("cancelled loop dispatched %s", event.Name)
	case <-time.After(300 * time.Millisecond):
	}
}
