package gitx

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records git invocations and plays back canned responses
// keyed by the leading subcommand.
type fakeRunner struct {
	responses map[string]string
	errors    map[string]error
	calls     [][]string
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	key := args[0]
	if err, ok := f.errors[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

func TestIdempotencyTag(t *testing.T) {
	tag := IdempotencyTag("loop-1", "S1", 2)
	assert.Equal(t, "[loop:loop-1 story:S1 attempt:2]", tag)
}

func TestIsDirty(t *testing.T) {
	clean := NewRepoWithRunner("/repo", &fakeRunner{responses: map[string]string{"status": ""}})
	dirty, err := clean.IsDirty(context.Background())
	require.NoError(t, err)
	assert.False(t, dirty)

	modified := NewRepoWithRunner("/repo", &fakeRunner{responses: map[string]string{"status": " M main.go"}})
	dirty, err = modified.IsDirty(context.Background())
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestCommitStagesAndReturnsHead(t *testing.T) {
	runner := &fakeRunner{responses: map[string]string{"rev-parse": "abc123"}}
	repo := NewRepoWithRunner("/repo", runner)

	sha, err := repo.Commit(context.Background(), "message [loop:l story:s attempt:1]")
	require.NoError(t, err)
	assert.Equal(t, "abc123", sha)

	require.Len(t, runner.calls, 3)
	assert.Equal(t, "add", runner.calls[0][0])
	assert.Equal(t, "commit", runner.calls[1][0])
	assert.Contains(t, strings.Join(runner.calls[1], " "), "[loop:l story:s attempt:1]")
	assert.Equal(t, "rev-parse", runner.calls[2][0])
}

func TestFindCommitByTag(t *testing.T) {
	runner := &fakeRunner{responses: map[string]string{"log": "deadbeef"}}
	repo := NewRepoWithRunner("/repo", runner)

	sha, err := repo.FindCommitByTag(context.Background(), IdempotencyTag("l", "s", 1))
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", sha)

	// The tag must be matched literally, not as a regex.
	joined := strings.Join(runner.calls[0], " ")
	assert.Contains(t, joined, "--fixed-strings")
	assert.Contains(t, joined, "[loop:l story:s attempt:1]")
}

func TestFindCommitByTagMissing(t *testing.T) {
	repo := NewRepoWithRunner("/repo", &fakeRunner{responses: map[string]string{"log": ""}})
	sha, err := repo.FindCommitByTag(context.Background(), "[loop:x story:y attempt:9]")
	require.NoError(t, err)
	assert.Empty(t, sha)
}

func TestRunnerErrorsPropagate(t *testing.T) {
	runner := &fakeRunner{errors: map[string]error{"commit": fmt.Errorf("nothing to commit")}}
	repo := NewRepoWithRunner("/repo", runner)

	_, err := repo.Commit(context.Background(), "msg")
	assert.Error(t, err)
}
