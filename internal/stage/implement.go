package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/harrison/storyloop/internal/gitx"
	"github.com/harrison/storyloop/internal/lease"
	"github.com/harrison/storyloop/internal/models"
	"github.com/harrison/storyloop/internal/prompt"
	"github.com/harrison/storyloop/internal/tool"
)

// Implement drives the assigned tool to produce a commit for the
// attempt. A redelivered invocation finds the prior commit through the
// idempotency tag in git history (or the memoized step) and never
// commits twice. Consumes loop.tests.written and loop.implement.
func (s *Stages) Implement(ctx context.Context, p models.DispatchPayload) (Status, error) {
	if flagged, err := s.cancelled(ctx, p.LoopID); err != nil {
		return StatusOK, err
	} else if flagged {
		return StatusCancelled, nil
	}

	runner := s.runner(p.LoopID, p.StoryID, p.RunToken, "implement", p.Attempt)

	sha, err := runner.Do(ctx, "commit", func(ctx context.Context) (string, error) {
		return s.implementAndCommit(ctx, p)
	})
	if err != nil {
		var failure *toolFailure
		if errors.As(err, &failure) {
			return s.failAttempt(ctx, p, failure)
		}
		return blockedOr(err)
	}

	// Cross-stage commit record; write-once, so a redelivery racing the
	// memoized step above still converges on one SHA.
	if err := s.Store.PutArtifact(ctx, lease.CommitKey(p.LoopID, p.StoryID, p.Attempt), sha); err != nil {
		return StatusOK, fmt.Errorf("record commit artifact: %w", err)
	}

	committed := models.CommittedPayload{
		DispatchPayload: p,
		CommitSHA:       sha,
		PriorFeedback:   p.Feedback,
	}
	return StatusOK, s.emit(ctx, models.EventCodeCommitted, p.LoopID, p.Project, committed)
}

// implementAndCommit is the effectful body of the Implement stage: find
// an existing tagged commit, or invoke the tool and reconcile the
// working tree into exactly one commit.
func (s *Stages) implementAndCommit(ctx context.Context, p models.DispatchPayload) (string, error) {
	tag := gitx.IdempotencyTag(p.LoopID, p.StoryID, p.Attempt)

	if sha, err := s.Repo.FindCommitByTag(ctx, tag); err != nil {
		return "", fmt.Errorf("search history for %s: %w", tag, err)
	} else if sha != "" {
		s.log().Infof("story %s attempt %d already committed as %s, reusing", p.StoryID, p.Attempt, sha[:min(12, len(sha))])
		return sha, nil
	}

	result, err := s.Tools.Invoke(ctx, tool.Request{
		Tool:   p.Tool,
		Prompt: s.implementPrompt(p),
		Dir:    s.Workdir,
	})
	if err != nil {
		return "", &toolFailure{context: "implement via " + p.Tool, err: err}
	}
	s.log().Debugf("story %s attempt %d tool run took %s", p.StoryID, p.Attempt, result.Duration)

	dirty, err := s.Repo.IsDirty(ctx)
	if err != nil {
		return "", err
	}
	if !dirty {
		// The tool either committed its own work or made no change;
		// either way the current head is the attempt's commit.
		return s.Repo.Head(ctx)
	}

	message := fmt.Sprintf("story %s: %s (attempt %d)\n\n%s", p.StoryID, p.Story.Title, p.Attempt, tag)
	return s.Repo.Commit(ctx, message)
}

// implementPrompt assembles the prioritized implementation prompt. The
// story is never dropped; advisory sections trim first.
func (s *Stages) implementPrompt(p models.DispatchPayload) string {
	builder := prompt.NewBuilder(prompt.DefaultBudget)
	builder.Add("Story", prompt.PriorityStory, storySection(p.Story))
	builder.Add("Previous attempt feedback", prompt.PriorityFeedback, p.Feedback)
	builder.Add("Project instructions", prompt.PriorityInstructions, s.Instructions)
	builder.Add("Recommendations from previous runs", prompt.PriorityRecommendations, s.readRecommendations())
	return builder.Build()
}

// readRecommendations loads the prior loop's advisory recommendations.
// Any failure to read or decode yields "" so a stale or corrupt file can
// never stall the pipeline.
func (s *Stages) readRecommendations() string {
	if s.RecommendationsPath == "" {
		return ""
	}
	raw, err := os.ReadFile(s.RecommendationsPath)
	if err != nil {
		return ""
	}
	var recs models.Recommendations
	if err := json.Unmarshal(raw, &recs); err != nil {
		return ""
	}

	var sb strings.Builder
	for _, pattern := range recs.RetryPatterns {
		sb.WriteString("- " + pattern + "\n")
	}
	if len(recs.SuggestedRetryLadder) > 0 {
		sb.WriteString("- Tools ranked by past performance: " + strings.Join(recs.SuggestedRetryLadder, ", ") + "\n")
	}
	return sb.String()
}
