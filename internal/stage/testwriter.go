package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harrison/storyloop/internal/models"
	"github.com/harrison/storyloop/internal/prompt"
	"github.com/harrison/storyloop/internal/tool"
)

// TestWriter ensures test fixtures exist for the dispatched story. It
// invokes the assigned tool in test-authoring mode on a story's first
// attempt and again when a retry asks for fresh tests; otherwise it is a
// pass-through. Consumes loop.story.dispatched and loop.story.retried.
func (s *Stages) TestWriter(ctx context.Context, p models.DispatchPayload) (Status, error) {
	if flagged, err := s.cancelled(ctx, p.LoopID); err != nil {
		return StatusOK, err
	} else if flagged {
		return StatusCancelled, nil
	}

	needsTests := p.Attempt == 1 || p.FreshTests
	if !needsTests {
		return StatusOK, s.emit(ctx, models.EventImplement, p.LoopID, p.Project, p)
	}

	runner := s.runner(p.LoopID, p.StoryID, p.RunToken, "test-writer", p.Attempt)
	_, err := runner.Do(ctx, "author-tests", func(ctx context.Context) (string, error) {
		result, err := s.Tools.Invoke(ctx, tool.Request{
			Tool:   p.Tool,
			Prompt: testAuthoringPrompt(p),
			Dir:    s.Workdir,
		})
		if err != nil {
			return "", &toolFailure{context: "test authoring via " + p.Tool, err: err}
		}
		s.log().Debugf("story %s test authoring took %s", p.StoryID, result.Duration)
		return "", nil
	})
	if err != nil {
		var failure *toolFailure
		if errors.As(err, &failure) {
			return s.failAttempt(ctx, p, failure)
		}
		return blockedOr(err)
	}

	return StatusOK, s.emit(ctx, models.EventTestsWritten, p.LoopID, p.Project, p)
}

// testAuthoringPrompt builds the prompt for the test-authoring
// invocation. The story definition always survives trimming.
func testAuthoringPrompt(p models.DispatchPayload) string {
	builder := prompt.NewBuilder(prompt.DefaultBudget)
	builder.Add("Story", prompt.PriorityStory, storySection(p.Story))
	builder.Add("Task", prompt.PriorityInstructions,
		"Write automated tests covering the acceptance criteria above. "+
			"Do not implement the feature itself; new tests are expected to fail until it is implemented.")
	if p.FreshTests {
		builder.Add("Context", prompt.PriorityFeedback,
			"Previous attempts kept failing the same tests. Replace or rewrite the existing tests for this story so they exercise the criteria differently.\n\n"+p.Feedback)
	}
	return builder.Build()
}

// storySection renders a story for prompt use.
func storySection(story models.Story) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Story %s: %s\n", story.ID, story.Title)
	if story.Description != "" {
		sb.WriteString("\n" + story.Description + "\n")
	}
	if len(story.AcceptanceCriteria) > 0 {
		sb.WriteString("\nAcceptance criteria:\n")
		for _, criterion := range story.AcceptanceCriteria {
			sb.WriteString("- " + criterion + "\n")
		}
	}
	return sb.String()
}
