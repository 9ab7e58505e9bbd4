package tool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeBuildsCommand(t *testing.T) {
	var gotName, gotDir string
	var gotArgs []string

	inv := NewInvoker()
	inv.runCommand = func(_ context.Context, name string, dir string, args ...string) ([]byte, error) {
		gotName, gotDir, gotArgs = name, dir, args
		return []byte("done"), nil
	}

	result, err := inv.Invoke(context.Background(), Request{
		Tool:   "codex",
		Prompt: "implement the story",
		Dir:    "/work",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Output)
	assert.Equal(t, "codex", gotName)
	assert.Equal(t, "/work", gotDir)
	assert.Equal(t, []string{"-p", "implement the story"}, gotArgs)
}

func TestInvokePathOverride(t *testing.T) {
	var gotName string
	inv := NewInvoker()
	inv.PathFor = func(tool string) string { return "/opt/bin/" + tool }
	inv.runCommand = func(_ context.Context, name string, _ string, _ ...string) ([]byte, error) {
		gotName = name
		return nil, nil
	}

	_, err := inv.Invoke(context.Background(), Request{Tool: "claude", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "/opt/bin/claude", gotName)
}

func TestInvokeValidation(t *testing.T) {
	inv := NewInvoker()

	_, err := inv.Invoke(context.Background(), Request{Prompt: "p"})
	assert.Error(t, err, "missing tool name")

	_, err = inv.Invoke(context.Background(), Request{Tool: "codex", Prompt: "  "})
	assert.Error(t, err, "blank prompt")
}

func TestInvokeProcessFailure(t *testing.T) {
	inv := NewInvoker()
	inv.runCommand = func(context.Context, string, string, ...string) ([]byte, error) {
		return []byte("stack trace"), fmt.Errorf("exit status 1")
	}

	_, err := inv.Invoke(context.Background(), Request{Tool: "pi", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pi invocation failed")
	assert.Contains(t, err.Error(), "stack trace")
}
