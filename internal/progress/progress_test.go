package progress

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/storyloop/internal/models"
)

func TestAppendAndParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.log")
	w := NewWriter(path)
	w.SetClock(func() time.Time {
		return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	err := w.AppendOutcome("S1", 0, "codex", "pass", models.TestResults{
		TestsPassed: 8, TypecheckOK: true, LintOK: true,
	}, "")
	require.NoError(t, err)

	err = w.AppendOutcome("S2", 2, "claude", "fail", models.TestResults{
		TestsPassed: 3, TestsFailed: 2, TypecheckOK: true,
	}, "lint gate failed")
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	entries := Parse(string(content))
	require.Len(t, entries, 2)

	assert.Equal(t, "S1", entries[0].StoryID)
	assert.Equal(t, 0, entries[0].Attempt)
	assert.Equal(t, "codex", entries[0].Tool)
	assert.Equal(t, "pass", entries[0].Outcome)
	assert.Equal(t, 8, entries[0].Passed)
	assert.True(t, entries[0].Typecheck)
	assert.True(t, entries[0].Lint)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), entries[0].Time)

	assert.Equal(t, "S2", entries[1].StoryID)
	assert.Equal(t, "claude", entries[1].Tool)
	assert.Equal(t, 2, entries[1].Failed)
	assert.False(t, entries[1].Lint)
	assert.Equal(t, "lint gate failed", entries[1].Note)
}

func TestParseTolerance(t *testing.T) {
	content := strings.Join([]string{
		"# manual header someone added",
		"",
		"[2025-03-01T12:00:00Z] story=S1 attempt=0 tool=codex outcome=pass tests=4/0 typecheck=true lint=true",
		"garbage line with no fields at all",
		"story=S3 outcome=skip",
		"[not-a-timestamp] story=S4 attempt=1 tool=pi outcome=retry tests=1/3 typecheck=false lint=false",
	}, "\n")

	entries := Parse(content)
	require.Len(t, entries, 3)

	assert.Equal(t, "S1", entries[0].StoryID)

	// No timestamp bracket at all: fields still land.
	assert.Equal(t, "S3", entries[1].StoryID)
	assert.Equal(t, "skip", entries[1].Outcome)
	assert.True(t, entries[1].Time.IsZero())

	// Unparseable timestamp: zero time, rest intact.
	assert.Equal(t, "S4", entries[2].StoryID)
	assert.True(t, entries[2].Time.IsZero())
	assert.Equal(t, 3, entries[2].Failed)
}

func TestExplicitTimestampWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.log")
	w := NewWriter(path)
	w.SetClock(func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) })

	when := time.Date(2025, 6, 15, 8, 30, 0, 0, time.UTC)
	require.NoError(t, w.Append(Entry{Time: when, StoryID: "S9", Tool: "codex", Outcome: "pass"}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	entries := Parse(string(content))
	require.Len(t, entries, 1)
	assert.Equal(t, when, entries[0].Time)
}
