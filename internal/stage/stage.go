// Package stage implements the pipeline's stage functions: Plan,
// TestWriter, Implement, Review, Judge, Complete, and Retro. Every stage
// follows the same discipline: check the loop's cancellation flag first
// (cancelled invocations emit nothing), validate lease holdership for
// effectful work, execute named memoized steps, then emit exactly one
// follow-up event. The substrate may redeliver any event; the step
// memoization and commit idempotency make redelivery harmless.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/storyloop/internal/bus"
	"github.com/harrison/storyloop/internal/lease"
	"github.com/harrison/storyloop/internal/logger"
	"github.com/harrison/storyloop/internal/models"
	"github.com/harrison/storyloop/internal/progress"
	"github.com/harrison/storyloop/internal/tool"
)

// Status is the outcome of one stage invocation.
type Status int

const (
	// StatusOK means the stage ran and emitted its follow-up event.
	StatusOK Status = iota
	// StatusBlocked means the run token no longer holds the story lease;
	// the stage stopped without emitting. Another worker owns the story.
	StatusBlocked
	// StatusCancelled means the loop's cancellation flag is set; the
	// stage stopped without emitting.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusBlocked:
		return "blocked"
	case StatusCancelled:
		return "cancelled"
	default:
		return "ok"
	}
}

// ToolInvoker runs a coding-agent CLI. Satisfied by *tool.Invoker.
type ToolInvoker interface {
	Invoke(ctx context.Context, req tool.Request) (*tool.Result, error)
}

// GateRunner executes the review validation gates. Satisfied by
// *checks.Runner.
type GateRunner interface {
	Run(ctx context.Context, mode models.ChecksMode) (models.TestResults, error)
}

// Repo is the git surface Implement needs. Satisfied by *gitx.Repo.
type Repo interface {
	Head(ctx context.Context) (string, error)
	IsDirty(ctx context.Context) (bool, error)
	Commit(ctx context.Context, message string) (string, error)
	FindCommitByTag(ctx context.Context, tag string) (string, error)
}

// Retrospector builds and writes the end-of-loop artifacts. Satisfied by
// *retro.Builder.
type Retrospector interface {
	Run(ctx context.Context, done models.CompletePayload) error
}

// StoryUpdater flushes a story's status back to the PRD document.
// Satisfied by prd.UpdateStoryStatus via UpdaterFunc.
type StoryUpdater func(path, storyID string, status models.StoryStatus) error

// Stages bundles the dependencies shared by all stage functions.
type Stages struct {
	Store    lease.Store
	Bus      bus.Bus
	Log      logger.Logger
	Tools    ToolInvoker
	Gates    GateRunner
	Repo     Repo
	Progress *progress.Writer
	Retro    Retrospector

	// Workdir is the project working tree tools and gates run in.
	Workdir string

	// Instructions is the project-instructions prompt section, if any.
	Instructions string

	// RecommendationsPath points at a prior loop's recommendations JSON.
	// Missing or unreadable content is ignored; recommendations are
	// advisory only.
	RecommendationsPath string

	// UpdatePRDStatus flushes one story status to the PRD document.
	// Defaults to prd.UpdateStoryStatus when nil.
	UpdatePRDStatus StoryUpdater

	// TTL is the story lease duration. Zero means lease.DefaultTTL.
	TTL time.Duration

	// SelectStory picks the next story to dispatch. Defaults to
	// document order (models.NextPending).
	SelectStory func([]models.Story) *models.Story

	// NewToken mints run tokens. Defaults to uuid.NewString.
	NewToken func() string

	// Clock is the time source. Defaults to time.Now.
	Clock func() time.Time
}

func (s *Stages) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return lease.DefaultTTL
}

func (s *Stages) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func (s *Stages) token() string {
	if s.NewToken != nil {
		return s.NewToken()
	}
	return uuid.NewString()
}

func (s *Stages) selectStory(stories []models.Story) *models.Story {
	if s.SelectStory != nil {
		return s.SelectStory(stories)
	}
	return models.NextPending(stories)
}

func (s *Stages) log() logger.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logger.NewNoOpLogger()
}

// cancelled reports the loop's cancellation flag. Every stage calls this
// before any other work.
func (s *Stages) cancelled(ctx context.Context, loopID string) (bool, error) {
	flagged, err := s.Store.Cancelled(ctx, loopID)
	if err != nil {
		return false, fmt.Errorf("read cancellation flag: %w", err)
	}
	return flagged, nil
}

// runner builds the memoized step runner for one stage invocation.
func (s *Stages) runner(loopID, storyID, token, stage string, attempt int) *bus.StepRunner {
	return &bus.StepRunner{
		Store:   s.Store,
		LoopID:  loopID,
		StoryID: storyID,
		Token:   token,
		Stage:   stage,
		Attempt: attempt,
		TTL:     s.ttl(),
	}
}

// emit publishes the stage's single follow-up event.
func (s *Stages) emit(ctx context.Context, name, loopID, project string, payload any) error {
	event, err := bus.NewEvent(name, loopID, project, payload)
	if err != nil {
		return err
	}
	if err := s.Bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

// blockedOr maps a lost lease to StatusBlocked and anything else to an
// error result.
func blockedOr(err error) (Status, error) {
	if errors.Is(err, lease.ErrLeaseLost) {
		return StatusBlocked, nil
	}
	return StatusOK, err
}

// toolFailure marks a failed tool process (crash, non-zero exit,
// timeout). Stages route it to Judge as a failed attempt so it counts
// against the retry ladder like any validation failure, instead of
// stalling the chain with an unemitted error.
type toolFailure struct {
	context string
	err     error
}

func (f *toolFailure) Error() string { return f.context + ": " + f.err.Error() }
func (f *toolFailure) Unwrap() error { return f.err }

// failAttempt forwards a tool failure to Judge with a synthetic failing
// result carrying the error as the attempt's details. Judge then
// escalates or exhausts the ladder exactly as for failing checks.
func (s *Stages) failAttempt(ctx context.Context, p models.DispatchPayload, failure *toolFailure) (Status, error) {
	s.log().Warnf("story %s attempt %d: %v", p.StoryID, p.Attempt, failure)
	judge := models.JudgePayload{
		CommittedPayload: models.CommittedPayload{
			DispatchPayload: p,
			PriorFeedback:   p.Feedback,
		},
		TestResults: models.TestResults{
			TypecheckOK: true,
			LintOK:      true,
			TestsFailed: 1,
			Details:     failure.Error(),
		},
	}
	return StatusOK, s.emit(ctx, models.EventJudge, p.LoopID, p.Project, judge)
}

// appendProgress writes a progress entry when a writer is configured.
func (s *Stages) appendProgress(entry progress.Entry) {
	if s.Progress == nil {
		return
	}
	if err := s.Progress.Append(entry); err != nil {
		s.log().Warnf("progress log append failed: %v", err)
	}
}
