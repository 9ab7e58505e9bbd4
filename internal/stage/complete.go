package stage

import (
	"context"
	"errors"

	"github.com/harrison/storyloop/internal/lease"
	"github.com/harrison/storyloop/internal/models"
	"github.com/harrison/storyloop/internal/prd"
)

// Complete finalizes the loop: it reconciles the summary counts against
// the story working copy, flushes all story statuses to the PRD, and
// triggers the retrospective. Consumes loop.complete.
func (s *Stages) Complete(ctx context.Context, p models.CompletePayload) (Status, error) {
	if flagged, err := s.cancelled(ctx, p.LoopID); err != nil {
		return StatusOK, err
	} else if flagged {
		return StatusCancelled, nil
	}

	stories, err := s.Store.ReadStories(ctx, p.LoopID)
	if err != nil && !errors.Is(err, lease.ErrNotFound) {
		return StatusOK, err
	}
	if len(stories) > 0 {
		recounted := summarize(stories, p.Summary.Notes)
		recounted.Duration = p.Summary.Duration
		recounted.Cancelled = p.Summary.Cancelled
		p.Summary = recounted
		p.StoriesCompleted = recounted.StoriesCompleted
		p.StoriesFailed = recounted.StoriesSkipped

		if err := prd.Flush(p.PRDPath, stories); err != nil {
			s.log().Warnf("flush statuses to PRD: %v", err)
		}
	}

	return StatusOK, s.emit(ctx, models.EventRetro, p.LoopID, p.Project, p)
}

// RunRetro builds and writes the retrospective artifacts. Terminal
// stage: emits nothing. Consumes loop.retro.
func (s *Stages) RunRetro(ctx context.Context, p models.CompletePayload) (Status, error) {
	if flagged, err := s.cancelled(ctx, p.LoopID); err != nil {
		return StatusOK, err
	} else if flagged {
		return StatusCancelled, nil
	}

	if s.Retro == nil {
		return StatusOK, nil
	}
	if err := s.Retro.Run(ctx, p); err != nil {
		return StatusOK, err
	}
	s.log().Infof("retrospective written for loop %s", p.LoopID)
	return StatusOK, nil
}
