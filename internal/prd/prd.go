// Package prd reads and updates the PRD document: a markdown file of
// stories with optional YAML frontmatter selecting which validation
// gates apply. The document is the source of truth; the pipeline keeps
// a working copy in the lease store and flushes status changes back
// here through flock-guarded atomic writes.
//
// Document shape:
//
//	---
//	checks: [typecheck, lint, test]
//	---
//	# Project name
//
//	## Story S1: Short title
//	Status: pending
//
//	Free-form description.
//
//	Acceptance criteria:
//	- first criterion
//	- second criterion
//
// Unknown frontmatter fields are ignored for forward compatibility.
package prd

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/harrison/storyloop/internal/filelock"
	"github.com/harrison/storyloop/internal/models"
)

var storyHeadingPattern = regexp.MustCompile(`^Story\s+([A-Za-z0-9_.-]+):\s+(.+)$`)

// Document is a parsed PRD.
type Document struct {
	Title   string
	Checks  models.ChecksMode
	Stories []models.Story
}

// frontmatter is the YAML block between --- delimiters. Only the fields
// the pipeline understands are decoded; everything else is ignored.
type frontmatter struct {
	Checks []string `yaml:"checks"`
}

// Parser parses PRD markdown documents.
type Parser struct {
	markdown goldmark.Markdown
}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{markdown: goldmark.New()}
}

// ParseFile reads and parses the PRD at path.
func (p *Parser) ParseFile(path string) (*Document, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prd: %w", err)
	}
	return p.Parse(source)
}

// Parse parses PRD content.
func (p *Parser) Parse(source []byte) (*Document, error) {
	doc := &Document{Checks: models.ChecksFull}

	body, fm := extractFrontmatter(source)
	if fm != nil {
		var meta frontmatter
		if err := yaml.Unmarshal(fm, &meta); err != nil {
			return nil, fmt.Errorf("parse frontmatter: %w", err)
		}
		doc.Checks = checksMode(meta.Checks)
	}

	root := p.markdown.Parser().Parse(text.NewReader(body))

	type headingSpan struct {
		text      string
		bodyStart int
	}
	var spans []headingSpan

	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		if heading.Level == 1 && doc.Title == "" {
			doc.Title = string(headingText(heading, body))
			return ast.WalkSkipChildren, nil
		}
		if heading.Level == 2 {
			lines := heading.Lines()
			if lines.Len() > 0 {
				spans = append(spans, headingSpan{
					text:      string(headingText(heading, body)),
					bodyStart: lines.At(lines.Len() - 1).Stop,
				})
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk prd: %w", err)
	}

	for i, span := range spans {
		matches := storyHeadingPattern.FindStringSubmatch(strings.TrimSpace(span.text))
		if matches == nil {
			continue // non-story section
		}
		bodyEnd := len(body)
		if i+1 < len(spans) {
			bodyEnd = sectionEnd(body, spans[i+1].bodyStart)
		}
		story := parseStoryBody(string(body[span.bodyStart:bodyEnd]))
		story.ID = matches[1]
		story.Title = strings.TrimSpace(matches[2])
		doc.Stories = append(doc.Stories, story)
	}
	return doc, nil
}

// headingText extracts the literal heading text from the source.
func headingText(heading *ast.Heading, source []byte) []byte {
	lines := heading.Lines()
	if lines.Len() == 0 {
		return nil
	}
	segment := lines.At(0)
	return segment.Value(source)
}

// sectionEnd walks back from the next heading's text offset to the start
// of its line, so the previous story body excludes the "## " marker.
func sectionEnd(source []byte, nextHeadingStart int) int {
	if idx := bytes.LastIndexByte(source[:nextHeadingStart], '\n'); idx >= 0 {
		return idx
	}
	return nextHeadingStart
}

var criteriaHeaderPattern = regexp.MustCompile(`(?i)^acceptance criteria\b`)

// parseStoryBody extracts status, description, and acceptance criteria
// from a story section's raw markdown.
func parseStoryBody(body string) models.Story {
	story := models.Story{Status: models.StoryPending}
	var description []string
	inCriteria := false

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(strings.ToLower(trimmed), "status:"):
			status := strings.TrimSpace(trimmed[len("status:"):])
			if status != "" {
				story.Status = models.StoryStatus(strings.ToLower(status))
			}
		case criteriaHeaderPattern.MatchString(trimmed):
			inCriteria = true
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			item := strings.TrimSpace(trimmed[2:])
			// Tolerate checkbox syntax.
			item = strings.TrimPrefix(item, "[ ] ")
			item = strings.TrimPrefix(item, "[x] ")
			item = strings.TrimPrefix(item, "[X] ")
			story.AcceptanceCriteria = append(story.AcceptanceCriteria, item)
		default:
			if !inCriteria {
				description = append(description, trimmed)
			}
		}
	}
	story.Description = strings.Join(description, "\n")
	return story
}

// checksMode maps the frontmatter checks list onto a ChecksMode. Any
// static gate being requested means full mode; a list naming only the
// test gate selects test-only. Unknown entries are ignored.
func checksMode(requested []string) models.ChecksMode {
	if len(requested) == 0 {
		return models.ChecksFull
	}
	testOnly := true
	for _, gate := range requested {
		switch strings.ToLower(strings.TrimSpace(gate)) {
		case "typecheck", "lint":
			testOnly = false
		}
	}
	if testOnly {
		return models.ChecksTestOnly
	}
	return models.ChecksFull
}

// extractFrontmatter splits a leading --- delimited YAML block from the
// document body. Returns the body and nil when no frontmatter exists.
func extractFrontmatter(source []byte) ([]byte, []byte) {
	const delimiter = "---"
	s := string(source)
	if !strings.HasPrefix(s, delimiter+"\n") && s != delimiter {
		return source, nil
	}
	rest := s[len(delimiter)+1:]
	end := strings.Index(rest, "\n"+delimiter)
	if end < 0 {
		return source, nil
	}
	fm := rest[:end]
	body := rest[end+1+len(delimiter):]
	body = strings.TrimPrefix(body, "\n")
	return []byte(body), []byte(fm)
}

// UpdateStoryStatus rewrites the Status line of one story in the PRD at
// path, inserting one when the section has none. The whole operation is
// lock-guarded and atomic.
func UpdateStoryStatus(path, storyID string, status models.StoryStatus) error {
	headingPattern := regexp.MustCompile(`^##\s+Story\s+` + regexp.QuoteMeta(storyID) + `:\s`)

	return filelock.UpdateFile(path, func(current []byte) ([]byte, error) {
		lines := strings.Split(string(current), "\n")
		inSection := false
		updated := false

		for i, line := range lines {
			if strings.HasPrefix(line, "## ") {
				if inSection && !updated {
					// Section ended without a Status line: insert one
					// right after the heading.
					break
				}
				inSection = headingPattern.MatchString(line)
				continue
			}
			if inSection && strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "status:") {
				lines[i] = "Status: " + string(status)
				updated = true
				break
			}
		}

		if !updated {
			inserted, ok := insertStatusLine(lines, headingPattern, status)
			if !ok {
				return nil, fmt.Errorf("story %s not found in %s", storyID, path)
			}
			lines = inserted
		}
		return []byte(strings.Join(lines, "\n")), nil
	})
}

// insertStatusLine adds a Status line after the story's heading.
func insertStatusLine(lines []string, headingPattern *regexp.Regexp, status models.StoryStatus) ([]string, bool) {
	for i, line := range lines {
		if headingPattern.MatchString(line) {
			out := make([]string, 0, len(lines)+1)
			out = append(out, lines[:i+1]...)
			out = append(out, "Status: "+string(status))
			out = append(out, lines[i+1:]...)
			return out, true
		}
	}
	return nil, false
}

// Flush writes every story's current status back to the document. Used
// when the loop completes to reconcile the working copy.
func Flush(path string, stories []models.Story) error {
	for _, story := range stories {
		if err := UpdateStoryStatus(path, story.ID, storyStatusOrPending(story)); err != nil {
			return err
		}
	}
	return nil
}

func storyStatusOrPending(story models.Story) models.StoryStatus {
	if story.Status == "" {
		return models.StoryPending
	}
	return story.Status
}
