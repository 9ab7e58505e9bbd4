// Package gitx wraps the git operations the Implement stage needs:
// head/dirty inspection, harness commits, and the idempotency-tag
// history search that prevents double commits for a redelivered attempt.
package gitx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a git command in a directory. Abstracted so tests can
// fake git without a repository.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// CLIRunner runs the real git binary.
type CLIRunner struct{}

func (CLIRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// IdempotencyTag is the (loop, story, attempt) marker embedded in every
// harness commit message. Searching history for this exact string tells
// a redelivered Implement invocation the work is already committed.
func IdempotencyTag(loopID, storyID string, attempt int) string {
	return fmt.Sprintf("[loop:%s story:%s attempt:%d]", loopID, storyID, attempt)
}

// Repo operates on one working tree.
type Repo struct {
	Dir string
	run Runner
}

// NewRepo creates a Repo over dir using the real git CLI.
func NewRepo(dir string) *Repo {
	return &Repo{Dir: dir, run: CLIRunner{}}
}

// NewRepoWithRunner creates a Repo with a custom Runner. Test hook.
func NewRepoWithRunner(dir string, runner Runner) *Repo {
	return &Repo{Dir: dir, run: runner}
}

// Head returns the current HEAD commit SHA.
func (r *Repo) Head(ctx context.Context) (string, error) {
	return r.run.Run(ctx, r.Dir, "rev-parse", "HEAD")
}

// IsDirty reports whether the working tree has uncommitted changes,
// including untracked files.
func (r *Repo) IsDirty(ctx context.Context) (bool, error) {
	output, err := r.run.Run(ctx, r.Dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output != "", nil
}

// Commit stages everything and creates one commit with the given
// message, returning the new HEAD SHA.
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	if _, err := r.run.Run(ctx, r.Dir, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := r.run.Run(ctx, r.Dir, "commit", "-m", message); err != nil {
		return "", err
	}
	return r.Head(ctx)
}

// FindCommitByTag searches history for a commit whose message contains
// tag as a fixed string. Returns "" when no commit matches.
func (r *Repo) FindCommitByTag(ctx context.Context, tag string) (string, error) {
	output, err := r.run.Run(ctx, r.Dir,
		"log", "--fixed-strings", "--grep", tag, "-n", "1", "--format=%H")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}
