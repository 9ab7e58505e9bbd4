package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harrison/storyloop/internal/models"
)

// Review runs the validation gates against the attempt's commit and
// forwards the structured results to Judge. The gate run is a memoized
// step: a redelivered review reuses the recorded results rather than
// re-running the suite. Consumes loop.code.committed.
func (s *Stages) Review(ctx context.Context, p models.CommittedPayload) (Status, error) {
	if flagged, err := s.cancelled(ctx, p.LoopID); err != nil {
		return StatusOK, err
	} else if flagged {
		return StatusCancelled, nil
	}

	runner := s.runner(p.LoopID, p.StoryID, p.RunToken, "review", p.Attempt)

	encoded, err := runner.Do(ctx, "gates", func(ctx context.Context) (string, error) {
		results, err := s.Gates.Run(ctx, p.Checks)
		if err != nil {
			return "", fmt.Errorf("run gates: %w", err)
		}
		raw, err := json.Marshal(results)
		if err != nil {
			return "", fmt.Errorf("encode gate results: %w", err)
		}
		return string(raw), nil
	})
	if err != nil {
		return blockedOr(err)
	}

	var results models.TestResults
	if err := json.Unmarshal([]byte(encoded), &results); err != nil {
		return StatusOK, fmt.Errorf("decode recorded gate results: %w", err)
	}

	s.log().Infof("story %s attempt %d gates: typecheck=%v lint=%v tests=%d/%d",
		p.StoryID, p.Attempt, results.TypecheckOK, results.LintOK, results.TestsPassed, results.TestsFailed)

	judge := models.JudgePayload{
		CommittedPayload: p,
		TestResults:      results,
	}
	return StatusOK, s.emit(ctx, models.EventJudge, p.LoopID, p.Project, judge)
}
