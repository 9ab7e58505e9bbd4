// Package models defines the core data types shared across the storyloop
// pipeline: loop runs, stories, attempts, test results, pipeline events,
// and retrospective artifacts.
package models

import (
	"errors"
	"time"
)

// ChecksMode selects which validation gates Review applies to a commit.
type ChecksMode string

const (
	// ChecksFull runs typecheck, lint, and the automated test suite.
	ChecksFull ChecksMode = "full"
	// ChecksTestOnly runs only the test gate. Used for non-code artifacts
	// where typecheck/lint are meaningless.
	ChecksTestOnly ChecksMode = "test-only"
)

// DefaultRetryLadder is used when a loop is started without an explicit
// ladder. Position i is the tool for attempt i+1.
var DefaultRetryLadder = []string{"codex", "claude", "pi"}

// LoopRun describes one execution of the pipeline over a PRD.
// It is created when a loop is started and archived when Retro completes.
type LoopRun struct {
	ID            string     `json:"loopId"`
	Project       string     `json:"project"`
	PRDPath       string     `json:"prdPath"`
	BranchName    string     `json:"branchName,omitempty"`
	MaxRetries    int        `json:"maxRetries"`
	MaxIterations int        `json:"maxIterations"`
	RetryLadder   []string   `json:"retryLadder"`
	Checks        ChecksMode `json:"checks"`
	StartedAt     time.Time  `json:"startedAt"`
}

// Validate checks that the loop run carries everything the pipeline needs.
func (lr *LoopRun) Validate() error {
	if lr.ID == "" {
		return errors.New("loop id is required")
	}
	if lr.Project == "" {
		return errors.New("loop project is required")
	}
	if lr.PRDPath == "" {
		return errors.New("loop prd path is required")
	}
	if lr.MaxRetries < 1 {
		return errors.New("loop max retries must be at least 1")
	}
	return nil
}

// Ladder returns the configured retry ladder, falling back to
// DefaultRetryLadder when none was set.
func (lr *LoopRun) Ladder() []string {
	if len(lr.RetryLadder) == 0 {
		return DefaultRetryLadder
	}
	return lr.RetryLadder
}

// LoopSummary is the terminal aggregate emitted with loop.complete.
type LoopSummary struct {
	StoriesCompleted int           `json:"storiesCompleted"`
	StoriesFailed    int           `json:"storiesFailed"`
	StoriesSkipped   int           `json:"storiesSkipped"`
	Cancelled        bool          `json:"cancelled"`
	Duration         time.Duration `json:"duration"`
	Notes            string        `json:"notes,omitempty"`
}
