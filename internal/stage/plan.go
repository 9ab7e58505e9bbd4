package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/harrison/storyloop/internal/lease"
	"github.com/harrison/storyloop/internal/models"
	"github.com/harrison/storyloop/internal/policy"
	"github.com/harrison/storyloop/internal/prd"
)

// Plan selects the next pending story, leases it under a fresh run
// token, and dispatches it. With no pending stories left, or with the
// iteration cap reached, it completes the loop instead.
func (s *Stages) Plan(ctx context.Context, p models.PlanPayload) (Status, error) {
	if flagged, err := s.cancelled(ctx, p.LoopID); err != nil {
		return StatusOK, err
	} else if flagged {
		return StatusCancelled, nil
	}

	stories, err := s.loadStories(ctx, p.LoopID, p.PRDPath)
	if err != nil {
		return StatusOK, err
	}

	if p.MaxIterations > 0 && p.Iteration >= p.MaxIterations {
		note := fmt.Sprintf("stopped at iteration cap (%d dispatches)", p.MaxIterations)
		return s.completeLoop(ctx, p, stories, note)
	}

	story := s.selectStory(stories)
	if story == nil {
		return s.completeLoop(ctx, p, stories, "")
	}

	token := s.token()
	acquired, holder, err := s.Store.Acquire(ctx, p.LoopID, story.ID, token, s.ttl())
	if err != nil {
		return StatusOK, fmt.Errorf("acquire lease for %s: %w", story.ID, err)
	}
	if !acquired {
		s.log().Debugf("story %s already leased (holder %s), not dispatching", story.ID, holder)
		return StatusBlocked, nil
	}

	loopStart := p.StartedAt
	if loopStart.IsZero() {
		loopStart = s.now()
	}

	dispatch := models.DispatchPayload{
		LoopID:        p.LoopID,
		Project:       p.Project,
		PRDPath:       p.PRDPath,
		StoryID:       story.ID,
		RunToken:      token,
		Tool:          policy.NextTool(p.RetryLadder, 0),
		Attempt:       1,
		MaxRetries:    p.MaxRetries,
		MaxIterations: p.MaxIterations,
		Checks:        p.Checks,
		RetryLadder:   p.RetryLadder,
		Story:         *story,
		Iteration:     p.Iteration + 1,
		StoryStart:    s.now(),
		LoopStart:     loopStart,
	}

	s.log().Infof("dispatching story %s (%s) to %s, attempt 1", story.ID, story.Title, dispatch.Tool)
	if err := s.emit(ctx, models.EventStoryDispatched, p.LoopID, p.Project, dispatch); err != nil {
		return StatusOK, err
	}
	return StatusOK, nil
}

// loadStories returns the loop's working copy, parsing the PRD to seed
// it on first use.
func (s *Stages) loadStories(ctx context.Context, loopID, prdPath string) ([]models.Story, error) {
	stories, err := s.Store.ReadStories(ctx, loopID)
	if err == nil {
		return stories, nil
	}
	if !errors.Is(err, lease.ErrNotFound) {
		return nil, fmt.Errorf("read stories: %w", err)
	}

	doc, err := prd.NewParser().ParseFile(prdPath)
	if err != nil {
		return nil, fmt.Errorf("parse PRD %s: %w", prdPath, err)
	}
	if err := s.Store.PutStories(ctx, loopID, doc.Stories); err != nil {
		return nil, fmt.Errorf("seed stories: %w", err)
	}
	return doc.Stories, nil
}

// completeLoop emits the terminal loop.complete event with the final
// summary counts.
func (s *Stages) completeLoop(ctx context.Context, p models.PlanPayload, stories []models.Story, note string) (Status, error) {
	summary := summarize(stories, note)
	if !p.StartedAt.IsZero() {
		summary.Duration = s.now().Sub(p.StartedAt)
	}

	done := models.CompletePayload{
		LoopID:           p.LoopID,
		Project:          p.Project,
		PRDPath:          p.PRDPath,
		Summary:          summary,
		StoriesCompleted: summary.StoriesCompleted,
		StoriesFailed:    summary.StoriesSkipped,
	}

	s.log().Infof("loop %s complete: %d passed, %d skipped", p.LoopID, summary.StoriesCompleted, summary.StoriesSkipped)
	if err := s.emit(ctx, models.EventComplete, p.LoopID, p.Project, done); err != nil {
		return StatusOK, err
	}
	return StatusOK, nil
}

func summarize(stories []models.Story, note string) models.LoopSummary {
	var summary models.LoopSummary
	summary.Notes = note
	for _, story := range stories {
		switch story.Status {
		case models.StoryPassed:
			summary.StoriesCompleted++
		case models.StorySkipped:
			summary.StoriesSkipped++
			summary.StoriesFailed++
		}
	}
	return summary
}
