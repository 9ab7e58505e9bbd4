package checks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/storyloop/internal/models"
)

// scriptedRunner returns canned gate results keyed by the command's
// first argv element.
func scriptedRunner(outputs map[string]string, failures map[string]bool) func(context.Context, string, []string) (string, bool, error) {
	return func(_ context.Context, _ string, argv []string) (string, bool, error) {
		key := argv[0]
		return outputs[key], !failures[key], nil
	}
}

func newTestRunner(outputs map[string]string, failures map[string]bool) *Runner {
	r := NewRunner("/work", Commands{
		Typecheck: []string{"tsc"},
		Lint:      []string{"eslint"},
		Test:      []string{"vitest"},
	})
	r.runCommand = scriptedRunner(outputs, failures)
	return r
}

func TestRunAllGatesClean(t *testing.T) {
	r := newTestRunner(map[string]string{"vitest": "12 passed"}, nil)

	results, err := r.Run(context.Background(), models.ChecksFull)
	require.NoError(t, err)
	assert.True(t, results.TypecheckOK)
	assert.True(t, results.LintOK)
	assert.Equal(t, 12, results.TestsPassed)
	assert.Equal(t, 0, results.TestsFailed)
	assert.Empty(t, results.Details)
}

func TestRunCollectsFailureDetails(t *testing.T) {
	r := newTestRunner(
		map[string]string{
			"tsc":    "src/a.ts(3,1): error TS2322",
			"vitest": "✗ login works\n1 failed, 4 passed",
		},
		map[string]bool{"tsc": true, "vitest": true},
	)

	results, err := r.Run(context.Background(), models.ChecksFull)
	require.NoError(t, err)
	assert.False(t, results.TypecheckOK)
	assert.True(t, results.LintOK)
	assert.Equal(t, 4, results.TestsPassed)
	assert.Equal(t, 1, results.TestsFailed)
	assert.Contains(t, results.Details, "error TS2322")
	assert.Contains(t, results.Details, "✗ login works")
}

func TestRunTestOnlyModeSkipsStaticGates(t *testing.T) {
	var ran []string
	r := NewRunner("/work", Commands{
		Typecheck: []string{"tsc"},
		Lint:      []string{"eslint"},
		Test:      []string{"vitest"},
	})
	r.runCommand = func(_ context.Context, _ string, argv []string) (string, bool, error) {
		ran = append(ran, argv[0])
		return "3 passed", true, nil
	}

	results, err := r.Run(context.Background(), models.ChecksTestOnly)
	require.NoError(t, err)
	assert.Equal(t, []string{"vitest"}, ran)
	assert.True(t, results.TypecheckOK, "skipped gates report clean")
	assert.True(t, results.LintOK)
}

func TestRunNonZeroExitWithoutCounts(t *testing.T) {
	r := newTestRunner(
		map[string]string{"vitest": "segmentation fault"},
		map[string]bool{"vitest": true},
	)

	results, err := r.Run(context.Background(), models.ChecksFull)
	require.NoError(t, err)
	assert.Equal(t, 1, results.TestsFailed,
		"a crashed suite must not satisfy the pass criterion")
}

func TestRunUnrunnableCommandFailsGate(t *testing.T) {
	r := NewRunner("/work", Commands{Test: []string{"vitest"}})
	r.runCommand = func(context.Context, string, []string) (string, bool, error) {
		return "", false, errors.New(`exec: "vitest": executable file not found in $PATH`)
	}

	results, err := r.Run(context.Background(), models.ChecksTestOnly)
	require.NoError(t, err, "a gate that cannot start is a failed gate, not a pipeline error")
	assert.Equal(t, 1, results.TestsFailed)
	assert.Contains(t, results.Details, "executable file not found")

	// A cancelled context still surfaces as an error.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx, models.ChecksTestOnly)
	assert.Error(t, err)
}

func TestRunEmptyCommandPasses(t *testing.T) {
	r := NewRunner("/work", Commands{Test: []string{"vitest"}})
	r.runCommand = scriptedRunner(map[string]string{"vitest": "2 passed"}, nil)

	results, err := r.Run(context.Background(), models.ChecksFull)
	require.NoError(t, err)
	assert.True(t, results.TypecheckOK)
	assert.True(t, results.LintOK)
}

func TestParseTestCounts(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantPassed int
		wantFailed int
	}{
		{"vitest summary", "Tests  2 failed | 14 passed (16)", 14, 2},
		{"jest summary", "Tests: 1 failed, 9 passed, 10 total", 9, 1},
		{"plural tests wording", "4 tests passed, 2 tests failed", 4, 2},
		{"only failing names", "✗ a\n✗ b", 0, 2},
		{"clean run", "10 passed", 10, 0},
		{"garbage", "cannot connect to display", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, failed := ParseTestCounts(tt.output)
			assert.Equal(t, tt.wantPassed, passed, "passed count")
			assert.Equal(t, tt.wantFailed, failed, "failed count")
		})
	}
}

func TestDefaultCommands(t *testing.T) {
	commands := DefaultCommands()
	assert.True(t, strings.HasPrefix(strings.Join(commands.Typecheck, " "), "npx tsc"))
	assert.NotEmpty(t, commands.Test)
}
