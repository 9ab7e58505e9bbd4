// Package retro builds the end-of-loop retrospective: a human-readable
// markdown report and a machine-readable recommendations file the next
// loop reads as advisory prompt context. Both artifacts are derived from
// the progress log and the story working copy; unparseable log lines are
// skipped, never fatal.
package retro

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"encoding/json"

	"github.com/harrison/storyloop/internal/filelock"
	"github.com/harrison/storyloop/internal/lease"
	"github.com/harrison/storyloop/internal/models"
	"github.com/harrison/storyloop/internal/progress"
)

// Builder assembles and writes retrospective artifacts for one loop.
type Builder struct {
	Store        lease.Store
	ProgressPath string
	// OutputDir receives retro-<loopID>.md and recommendations.json.
	OutputDir string
	Clock     func() time.Time
}

func (b *Builder) now() time.Time {
	if b.Clock != nil {
		return b.Clock()
	}
	return time.Now().UTC()
}

// Run builds the report for a completed loop and writes both artifacts.
func (b *Builder) Run(ctx context.Context, done models.CompletePayload) error {
	var entries []progress.Entry
	if b.ProgressPath != "" {
		if raw, err := os.ReadFile(b.ProgressPath); err == nil {
			entries = progress.Parse(string(raw))
		}
	}

	var stories []models.Story
	if b.Store != nil {
		loaded, err := b.Store.ReadStories(ctx, done.LoopID)
		if err != nil && !errors.Is(err, lease.ErrNotFound) {
			return fmt.Errorf("read stories for retro: %w", err)
		}
		stories = loaded
	}

	report := b.Build(done, stories, entries)

	if err := os.MkdirAll(b.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create retro dir: %w", err)
	}

	reportPath := filepath.Join(b.OutputDir, fmt.Sprintf("retro-%s.md", done.LoopID))
	if err := filelock.WriteFile(reportPath, []byte(renderMarkdown(report))); err != nil {
		return fmt.Errorf("write retro report: %w", err)
	}

	recsRaw, err := json.MarshalIndent(report.Recommendations, "", "  ")
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}
	recsPath := filepath.Join(b.OutputDir, "recommendations.json")
	if err := filelock.WriteFile(recsPath, recsRaw); err != nil {
		return fmt.Errorf("write recommendations: %w", err)
	}
	return nil
}

// Build aggregates the loop's outcome into a RetrospectiveReport.
func (b *Builder) Build(done models.CompletePayload, stories []models.Story, entries []progress.Entry) models.RetrospectiveReport {
	byStory := groupByStory(entries)

	outcomes := make([]models.StoryOutcome, 0, len(stories))
	var patterns []string
	for _, story := range stories {
		storyEntries := byStory[story.ID]
		outcome := models.StoryOutcome{
			StoryID:  story.ID,
			Title:    story.Title,
			Attempts: maxAttempt(storyEntries),
			Tools:    toolsUsed(storyEntries),
			Outcome:  outcomeOf(story),
		}
		outcomes = append(outcomes, outcome)

		switch {
		case story.Status == models.StorySkipped:
			patterns = append(patterns, fmt.Sprintf("story %s was skipped after %d attempts and needs human review", story.ID, outcome.Attempts))
		case outcome.Attempts > 1:
			patterns = append(patterns, fmt.Sprintf("story %s needed %d attempts before passing", story.ID, outcome.Attempts))
		}
		if hasRepeatedFailure(storyEntries) {
			patterns = append(patterns, fmt.Sprintf("story %s hit the same failing tests on consecutive attempts", story.ID))
		}
	}

	rankings := rankTools(entries)

	ladder := make([]string, 0, len(rankings))
	for _, ranking := range rankings {
		ladder = append(ladder, ranking.Tool)
	}
	if len(ladder) == 0 {
		ladder = models.DefaultRetryLadder
	}

	report := models.RetrospectiveReport{
		LoopID:           done.LoopID,
		Project:          done.Project,
		StoriesCompleted: done.StoriesCompleted,
		StoriesFailed:    done.StoriesFailed,
		StoriesSkipped:   done.Summary.StoriesSkipped,
		Stories:          outcomes,
		Narrative:        narrative(done, outcomes),
		Recommendations: models.Recommendations{
			ToolRankings:         rankings,
			RetryPatterns:        patterns,
			SuggestedRetryLadder: ladder,
			LastUpdated:          b.now(),
			SourceLoopID:         done.LoopID,
		},
		GeneratedAt: b.now(),
	}
	return report
}

func groupByStory(entries []progress.Entry) map[string][]progress.Entry {
	grouped := make(map[string][]progress.Entry)
	for _, entry := range entries {
		grouped[entry.StoryID] = append(grouped[entry.StoryID], entry)
	}
	return grouped
}

func maxAttempt(entries []progress.Entry) int {
	highest := 0
	for _, entry := range entries {
		if entry.Attempt > highest {
			highest = entry.Attempt
		}
	}
	return highest
}

func toolsUsed(entries []progress.Entry) []string {
	var tools []string
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.Tool == "" || seen[entry.Tool] {
			continue
		}
		seen[entry.Tool] = true
		tools = append(tools, entry.Tool)
	}
	return tools
}

func outcomeOf(story models.Story) string {
	switch story.Status {
	case models.StoryPassed:
		return "passed"
	case models.StorySkipped:
		return "skipped"
	default:
		return "pending"
	}
}

func hasRepeatedFailure(entries []progress.Entry) bool {
	for _, entry := range entries {
		if entry.Outcome == "retry" && strings.Contains(entry.Note, "repeated") {
			return true
		}
	}
	return false
}

// rankTools scores each tool by pass rate (descending), breaking ties by
// the average attempt number at which it passed (ascending: a tool that
// cleans up early attempts beats one only winning late) and finally by
// name for stability.
func rankTools(entries []progress.Entry) []models.ToolRanking {
	type tally struct {
		uses       int
		passes     int
		attemptSum int
	}
	tallies := make(map[string]*tally)
	for _, entry := range entries {
		if entry.Tool == "" {
			continue
		}
		score := tallies[entry.Tool]
		if score == nil {
			score = &tally{}
			tallies[entry.Tool] = score
		}
		score.uses++
		if entry.Outcome == "pass" {
			score.passes++
			score.attemptSum += entry.Attempt
		}
	}

	rankings := make([]models.ToolRanking, 0, len(tallies))
	for tool, score := range tallies {
		ranking := models.ToolRanking{
			Tool:     tool,
			Uses:     score.uses,
			Passes:   score.passes,
			PassRate: float64(score.passes) / float64(score.uses),
		}
		if score.passes > 0 {
			ranking.AvgAttempts = float64(score.attemptSum) / float64(score.passes)
		}
		rankings = append(rankings, ranking)
	}

	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].PassRate != rankings[j].PassRate {
			return rankings[i].PassRate > rankings[j].PassRate
		}
		if rankings[i].AvgAttempts != rankings[j].AvgAttempts {
			return rankings[i].AvgAttempts < rankings[j].AvgAttempts
		}
		return rankings[i].Tool < rankings[j].Tool
	})
	return rankings
}

func narrative(done models.CompletePayload, outcomes []models.StoryOutcome) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Loop %s finished with %d stories passed and %d skipped.",
		done.LoopID, done.StoriesCompleted, done.Summary.StoriesSkipped)
	if done.Summary.Cancelled {
		sb.WriteString(" The loop was cancelled before all stories ran.")
	}
	if done.Summary.Notes != "" {
		sb.WriteString(" " + done.Summary.Notes + ".")
	}
	retried := 0
	for _, outcome := range outcomes {
		if outcome.Attempts > 1 {
			retried++
		}
	}
	if retried > 0 {
		fmt.Fprintf(&sb, " %d stories needed more than one attempt.", retried)
	}
	return sb.String()
}

func renderMarkdown(report models.RetrospectiveReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Retrospective: loop %s\n\n", report.LoopID)
	fmt.Fprintf(&sb, "%s\n\n", report.Narrative)

	sb.WriteString("## Stories\n\n")
	sb.WriteString("| Story | Title | Outcome | Attempts | Tools |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, story := range report.Stories {
		fmt.Fprintf(&sb, "| %s | %s | %s | %d | %s |\n",
			story.StoryID, story.Title, story.Outcome, story.Attempts, strings.Join(story.Tools, ", "))
	}

	sb.WriteString("\n## Tool rankings\n\n")
	sb.WriteString("| Tool | Pass rate | Avg attempts | Uses |\n")
	sb.WriteString("|---|---|---|---|\n")
	for _, ranking := range report.Recommendations.ToolRankings {
		fmt.Fprintf(&sb, "| %s | %.0f%% | %.1f | %d |\n",
			ranking.Tool, ranking.PassRate*100, ranking.AvgAttempts, ranking.Uses)
	}

	if len(report.Recommendations.RetryPatterns) > 0 {
		sb.WriteString("\n## Retry patterns\n\n")
		for _, pattern := range report.Recommendations.RetryPatterns {
			sb.WriteString("- " + pattern + "\n")
		}
	}

	fmt.Fprintf(&sb, "\nSuggested retry ladder: %s\n",
		strings.Join(report.Recommendations.SuggestedRetryLadder, " -> "))
	return sb.String()
}
