package stage

import (
	"context"
	"fmt"

	"github.com/harrison/storyloop/internal/models"
	"github.com/harrison/storyloop/internal/policy"
	"github.com/harrison/storyloop/internal/prd"
	"github.com/harrison/storyloop/internal/progress"
)

// retryFeedbackLimit bounds the accumulated feedback carried into the
// next attempt.
const retryFeedbackLimit = 4000

// failReasonLimit bounds the failure reason carried on loop.story.fail.
const failReasonLimit = 600

// Judge applies the pass criterion and the retry policy to the review
// results: pass finalizes the story, a retryable failure escalates the
// tool ladder, and an exhausted story is skipped so the loop continues.
// Consumes loop.judge.
func (s *Stages) Judge(ctx context.Context, p models.JudgePayload) (Status, error) {
	if flagged, err := s.cancelled(ctx, p.LoopID); err != nil {
		return StatusOK, err
	} else if flagged {
		return StatusCancelled, nil
	}

	runner := s.runner(p.LoopID, p.StoryID, p.RunToken, "judge", p.Attempt)

	if policy.Passed(p.TestResults) {
		return s.judgePass(ctx, runner.Do, p)
	}
	if p.Attempt < p.MaxRetries {
		return s.judgeRetry(ctx, runner.Do, p)
	}
	return s.judgeExhausted(ctx, runner.Do, p)
}

type stepFunc = func(ctx context.Context, name string, fn func(context.Context) (string, error)) (string, error)

func (s *Stages) judgePass(ctx context.Context, step stepFunc, p models.JudgePayload) (Status, error) {
	_, err := step(ctx, "finalize-pass", func(ctx context.Context) (string, error) {
		if err := s.Store.TransitionStory(ctx, p.LoopID, p.StoryID, models.StoryPassed); err != nil {
			return "", fmt.Errorf("transition %s to passed: %w", p.StoryID, err)
		}
		if err := s.updatePRD(p.PRDPath, p.StoryID, models.StoryPassed); err != nil {
			return "", err
		}
		s.appendProgress(progress.Entry{
			StoryID:   p.StoryID,
			Attempt:   p.Attempt,
			Tool:      p.Tool,
			Outcome:   "pass",
			Passed:    p.TestResults.TestsPassed,
			Failed:    p.TestResults.TestsFailed,
			Typecheck: p.TestResults.TypecheckOK,
			Lint:      p.TestResults.LintOK,
		})
		return "", nil
	})
	if err != nil {
		return blockedOr(err)
	}

	if err := s.Store.Release(ctx, p.LoopID, p.StoryID, p.RunToken); err != nil {
		s.log().Warnf("release lease for %s: %v", p.StoryID, err)
	}

	duration := s.now().Sub(p.StoryStart)
	s.log().Infof("story %s passed on attempt %d (%s)", p.StoryID, p.Attempt, duration)

	pass := models.StoryPassPayload{
		LoopID:    p.LoopID,
		StoryID:   p.StoryID,
		CommitSHA: p.CommitSHA,
		Attempt:   p.Attempt,
		Duration:  duration,
		NextPlan:  s.nextPlan(p),
	}
	return StatusOK, s.emit(ctx, models.EventStoryPass, p.LoopID, p.Project, pass)
}

func (s *Stages) judgeRetry(ctx context.Context, step stepFunc, p models.JudgePayload) (Status, error) {
	classification := policy.Classify(p.PriorFeedback, p.TestResults.Details)
	feedback := policy.BuildFeedback(p.TestResults)
	if p.PriorFeedback != "" {
		feedback = policy.Truncate(p.PriorFeedback+"\n\n"+feedback, retryFeedbackLimit)
	}
	nextTool := policy.NextTool(p.RetryLadder, p.Attempt)

	_, err := step(ctx, "record-retry", func(ctx context.Context) (string, error) {
		s.appendProgress(progress.Entry{
			StoryID:   p.StoryID,
			Attempt:   p.Attempt,
			Tool:      p.Tool,
			Outcome:   "retry",
			Passed:    p.TestResults.TestsPassed,
			Failed:    p.TestResults.TestsFailed,
			Typecheck: p.TestResults.TypecheckOK,
			Lint:      p.TestResults.LintOK,
			Note:      classification + " failure, escalating to " + nextTool,
		})
		return "", nil
	})
	if err != nil {
		return blockedOr(err)
	}

	retry := p.DispatchPayload
	retry.Attempt = p.Attempt + 1
	retry.Tool = nextTool
	retry.Feedback = feedback
	// A repeated failure means the same tests keep failing; ask
	// TestWriter for a fresh angle before the next implementation pass.
	retry.FreshTests = classification == policy.Repeated

	s.log().Infof("story %s attempt %d failed (%s), retrying with %s", p.StoryID, p.Attempt, classification, nextTool)
	return StatusOK, s.emit(ctx, models.EventStoryRetried, p.LoopID, p.Project, retry)
}

func (s *Stages) judgeExhausted(ctx context.Context, step stepFunc, p models.JudgePayload) (Status, error) {
	_, err := step(ctx, "finalize-skip", func(ctx context.Context) (string, error) {
		if err := s.Store.TransitionStory(ctx, p.LoopID, p.StoryID, models.StorySkipped); err != nil {
			return "", fmt.Errorf("transition %s to skipped: %w", p.StoryID, err)
		}
		if err := s.updatePRD(p.PRDPath, p.StoryID, models.StorySkipped); err != nil {
			return "", err
		}
		s.appendProgress(progress.Entry{
			StoryID:   p.StoryID,
			Attempt:   p.Attempt,
			Tool:      p.Tool,
			Outcome:   "skip",
			Passed:    p.TestResults.TestsPassed,
			Failed:    p.TestResults.TestsFailed,
			Typecheck: p.TestResults.TypecheckOK,
			Lint:      p.TestResults.LintOK,
			Note:      "needs human review",
		})
		return "", nil
	})
	if err != nil {
		return blockedOr(err)
	}

	if err := s.Store.Release(ctx, p.LoopID, p.StoryID, p.RunToken); err != nil {
		s.log().Warnf("release lease for %s: %v", p.StoryID, err)
	}

	s.log().Warnf("story %s exhausted %d attempts, skipping; needs human review", p.StoryID, p.Attempt)

	fail := models.StoryFailPayload{
		LoopID:   p.LoopID,
		StoryID:  p.StoryID,
		Reason:   policy.Truncate(p.TestResults.Details, failReasonLimit),
		Attempts: p.Attempt,
		Duration: s.now().Sub(p.StoryStart),
		NextPlan: s.nextPlan(p),
	}
	return StatusOK, s.emit(ctx, models.EventStoryFail, p.LoopID, p.Project, fail)
}

// nextPlan carries the loop configuration into the continuation event so
// planning resumes without shared state.
func (s *Stages) nextPlan(p models.JudgePayload) models.PlanPayload {
	return models.PlanPayload{
		LoopID:        p.LoopID,
		Project:       p.Project,
		PRDPath:       p.PRDPath,
		MaxRetries:    p.MaxRetries,
		MaxIterations: p.MaxIterations,
		Checks:        p.Checks,
		RetryLadder:   p.RetryLadder,
		Iteration:     p.Iteration,
		StartedAt:     p.LoopStart,
	}
}

// updatePRD flushes one story status back to the PRD document.
func (s *Stages) updatePRD(path, storyID string, status models.StoryStatus) error {
	update := s.UpdatePRDStatus
	if update == nil {
		update = prd.UpdateStoryStatus
	}
	if err := update(path, storyID, status); err != nil {
		return fmt.Errorf("flush %s status to PRD: %w", storyID, err)
	}
	return nil
}
