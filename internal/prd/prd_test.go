package prd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/storyloop/internal/models"
)

const samplePRD = `---
checks: [typecheck, lint, test]
owner: platform-team
---
# Billing revamp

Intro prose that is not a story.

## Story S1: Add invoice export
Status: pending

Users need CSV export of invoices.

Acceptance criteria:
- exports all visible columns
- respects the active filter

## Story S2: Email receipts
Status: passed

Send a receipt email after payment.

Acceptance criteria:
- [ ] email sent within a minute
- [x] template matches brand

## Appendix

Not a story either.
`

func TestParseStories(t *testing.T) {
	doc, err := NewParser().Parse([]byte(samplePRD))
	require.NoError(t, err)

	assert.Equal(t, "Billing revamp", doc.Title)
	assert.Equal(t, models.ChecksFull, doc.Checks)
	require.Len(t, doc.Stories, 2, "non-story sections are skipped")

	s1 := doc.Stories[0]
	assert.Equal(t, "S1", s1.ID)
	assert.Equal(t, "Add invoice export", s1.Title)
	assert.Equal(t, models.StoryPending, s1.Status)
	assert.Contains(t, s1.Description, "CSV export")
	assert.Equal(t, []string{"exports all visible columns", "respects the active filter"}, s1.AcceptanceCriteria)

	s2 := doc.Stories[1]
	assert.Equal(t, models.StoryPassed, s2.Status)
	assert.Equal(t, []string{"email sent within a minute", "template matches brand"}, s2.AcceptanceCriteria)
}

func TestParseChecksModes(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want models.ChecksMode
	}{
		{"no frontmatter", "# T\n\n## Story S1: a\nbody\n", models.ChecksFull},
		{"full gates", "---\nchecks: [typecheck, lint, test]\n---\n# T\n", models.ChecksFull},
		{"test only", "---\nchecks: [test]\n---\n# T\n", models.ChecksTestOnly},
		{"unknown gates ignored", "---\nchecks: [test, coverage]\n---\n# T\n", models.ChecksTestOnly},
		{"empty list", "---\nchecks: []\n---\n# T\n", models.ChecksFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := NewParser().Parse([]byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.want, doc.Checks)
		})
	}
}

func TestParseMissingStatusDefaultsPending(t *testing.T) {
	doc, err := NewParser().Parse([]byte("# T\n\n## Story S9: no status\n\njust a description\n"))
	require.NoError(t, err)
	require.Len(t, doc.Stories, 1)
	assert.Equal(t, models.StoryPending, doc.Stories[0].Status)
}

func TestParseUnknownFrontmatterIgnored(t *testing.T) {
	doc, err := NewParser().Parse([]byte("---\nchecks: [test]\nfuture_field: 42\n---\n# T\n"))
	require.NoError(t, err)
	assert.Equal(t, models.ChecksTestOnly, doc.Checks)
}

func TestUpdateStoryStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prd.md")
	require.NoError(t, os.WriteFile(path, []byte(samplePRD), 0644))

	require.NoError(t, UpdateStoryStatus(path, "S1", models.StoryPassed))

	doc, err := NewParser().ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, models.StoryPassed, doc.Stories[0].Status)
	assert.Equal(t, models.StoryPassed, doc.Stories[1].Status, "other stories untouched")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(content), "Status: passed"))
	assert.Equal(t, 0, strings.Count(string(content), "Status: pending"))
}

func TestUpdateStoryStatusInsertsMissingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prd.md")
	require.NoError(t, os.WriteFile(path, []byte("# T\n\n## Story S1: a\n\nbody\n"), 0644))

	require.NoError(t, UpdateStoryStatus(path, "S1", models.StorySkipped))

	doc, err := NewParser().ParseFile(path)
	require.NoError(t, err)
	require.Len(t, doc.Stories, 1)
	assert.Equal(t, models.StorySkipped, doc.Stories[0].Status)
}

func TestUpdateStoryStatusUnknownStory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prd.md")
	require.NoError(t, os.WriteFile(path, []byte(samplePRD), 0644))

	err := UpdateStoryStatus(path, "S404", models.StoryPassed)
	assert.Error(t, err)
}

func TestFlushWritesAllStatuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prd.md")
	require.NoError(t, os.WriteFile(path, []byte(samplePRD), 0644))

	stories := []models.Story{
		{ID: "S1", Status: models.StoryPassed},
		{ID: "S2", Status: models.StorySkipped},
	}
	require.NoError(t, Flush(path, stories))

	doc, err := NewParser().ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, models.StoryPassed, doc.Stories[0].Status)
	assert.Equal(t, models.StorySkipped, doc.Stories[1].Status)
}
