// Package prompt assembles size-bounded tool prompts from prioritized
// sections. Sections are ordered by priority so the highest-priority
// content is never dropped; when the character budget is exceeded the
// lowest-priority sections are trimmed first, truncated before being
// dropped entirely.
package prompt

import (
	"sort"
	"strings"
)

// DefaultBudget is the prompt character budget used when none is
// configured.
const DefaultBudget = 24000

// Section priorities, highest first. Priority ties keep insertion order.
const (
	PriorityStory           = 100 // story definition, never dropped
	PriorityFeedback        = 90  // prior-attempt failure feedback
	PriorityInstructions    = 80  // project instructions
	PriorityPatterns        = 60  // codebase patterns
	PriorityRecommendations = 50  // prior-loop recommendations (advisory)
	PriorityLessons         = 40
	PriorityFileListing     = 20
)

// Section is one named block of prompt content.
type Section struct {
	Name     string
	Priority int
	Content  string
}

// Builder accumulates sections and renders them within a budget.
type Builder struct {
	budget   int
	sections []Section
}

// NewBuilder creates a Builder with the given character budget. A
// non-positive budget falls back to DefaultBudget.
func NewBuilder(budget int) *Builder {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Builder{budget: budget}
}

// Add appends a section. Empty content is ignored.
func (b *Builder) Add(name string, priority int, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	b.sections = append(b.sections, Section{Name: name, Priority: priority, Content: content})
}

// sectionOverhead approximates the header and spacing cost per section.
const sectionOverhead = 16

// minKeepLen is the smallest truncated section worth keeping; below this
// the section is dropped instead.
const minKeepLen = 200

// Build renders the sections ordered by descending priority. Sections
// are admitted greedily from highest priority down; when the budget runs
// out, the section at the boundary is truncated (if enough room remains
// to be useful) and everything lower is dropped.
func (b *Builder) Build() string {
	ordered := make([]Section, len(b.sections))
	copy(ordered, b.sections)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	var sb strings.Builder
	remaining := b.budget
	for _, section := range ordered {
		cost := len(section.Content) + len(section.Name) + sectionOverhead
		switch {
		case cost <= remaining:
			writeSection(&sb, section.Name, section.Content)
			remaining -= cost
		case remaining-len(section.Name)-sectionOverhead >= minKeepLen:
			keep := remaining - len(section.Name) - sectionOverhead
			writeSection(&sb, section.Name, section.Content[:keep]+"\n... (trimmed)")
			remaining = 0
		default:
			// No useful room left; this and all lower-priority sections
			// are dropped.
			remaining = 0
		}
		if remaining == 0 {
			break
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeSection(sb *strings.Builder, name, content string) {
	sb.WriteString("## ")
	sb.WriteString(name)
	sb.WriteString("\n\n")
	sb.WriteString(content)
	sb.WriteString("\n\n")
}
