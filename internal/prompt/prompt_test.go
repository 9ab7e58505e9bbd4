package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildOrdersByPriority(t *testing.T) {
	b := NewBuilder(0)
	b.Add("File Listing", PriorityFileListing, "a.go\nb.go")
	b.Add("Story", PriorityStory, "Implement login")
	b.Add("Feedback", PriorityFeedback, "tests failed last time")

	out := b.Build()
	storyAt := strings.Index(out, "## Story")
	feedbackAt := strings.Index(out, "## Feedback")
	listingAt := strings.Index(out, "## File Listing")

	assert.True(t, storyAt >= 0 && feedbackAt >= 0 && listingAt >= 0, "all sections fit under the default budget")
	assert.Less(t, storyAt, feedbackAt)
	assert.Less(t, feedbackAt, listingAt)
}

func TestBuildDropsLowestPriorityFirst(t *testing.T) {
	filler := strings.Repeat("p", 900)
	b := NewBuilder(1000)
	b.Add("Story", PriorityStory, filler)
	b.Add("File Listing", PriorityFileListing, strings.Repeat("f", 500))

	out := b.Build()
	assert.Contains(t, out, "## Story")
	assert.Contains(t, out, filler, "highest-priority section is never trimmed while it fits")
	assert.NotContains(t, out, "## File Listing", "lowest priority dropped when over budget")
}

func TestBuildTruncatesBoundarySection(t *testing.T) {
	b := NewBuilder(1200)
	b.Add("Story", PriorityStory, strings.Repeat("s", 400))
	b.Add("Patterns", PriorityPatterns, strings.Repeat("p", 5000))

	out := b.Build()
	assert.Contains(t, out, "## Story")
	assert.Contains(t, out, "## Patterns")
	assert.Contains(t, out, "(trimmed)")
	assert.Less(t, len(out), 1300)
}

func TestBuildSkipsEmptySections(t *testing.T) {
	b := NewBuilder(0)
	b.Add("Story", PriorityStory, "content")
	b.Add("Lessons", PriorityLessons, "   \n")

	out := b.Build()
	assert.Contains(t, out, "## Story")
	assert.NotContains(t, out, "## Lessons")
}

func TestBuildStableForEqualPriorities(t *testing.T) {
	b := NewBuilder(0)
	b.Add("First", 50, "one")
	b.Add("Second", 50, "two")

	out := b.Build()
	assert.Less(t, strings.Index(out, "## First"), strings.Index(out, "## Second"))
}
