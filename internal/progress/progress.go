// Package progress maintains the append-only, human-readable progress
// log: one line per story outcome. The retrospective builder reads it
// back through a tolerant extractor; lines it cannot interpret are
// skipped, never errors, because the log is shared with humans and not
// a strict schema.
package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/harrison/storyloop/internal/filelock"
	"github.com/harrison/storyloop/internal/models"
)

// Entry is one story-outcome record.
type Entry struct {
	Time      time.Time
	StoryID   string
	Attempt   int
	Tool      string
	Outcome   string // pass, fail, retry, skip
	Passed    int
	Failed    int
	Typecheck bool
	Lint      bool
	Note      string
}

// Writer appends entries to the progress log at Path.
type Writer struct {
	Path string

	// clock is injectable for deterministic timestamps in tests.
	clock func() time.Time
}

// NewWriter creates a Writer for path.
func NewWriter(path string) *Writer {
	return &Writer{Path: path, clock: time.Now}
}

// SetClock replaces the time source. Test hook.
func (w *Writer) SetClock(clock func() time.Time) {
	w.clock = clock
}

// Append writes one entry. Timestamp comes from the writer's clock when
// the entry carries none.
func (w *Writer) Append(entry Entry) error {
	ts := entry.Time
	if ts.IsZero() {
		ts = w.clock()
	}
	line := fmt.Sprintf("[%s] story=%s attempt=%d tool=%s outcome=%s tests=%d/%d typecheck=%v lint=%v",
		ts.UTC().Format(time.RFC3339), entry.StoryID, entry.Attempt, entry.Tool,
		entry.Outcome, entry.Passed, entry.Failed, entry.Typecheck, entry.Lint)
	if entry.Note != "" {
		line += " note=" + strconv.Quote(entry.Note)
	}
	return filelock.AppendLine(w.Path, line)
}

// AppendOutcome is a convenience wrapper building an Entry from an
// attempt's results.
func (w *Writer) AppendOutcome(storyID string, attempt int, tool, outcome string, tr models.TestResults, note string) error {
	return w.Append(Entry{
		StoryID:   storyID,
		Attempt:   attempt,
		Tool:      tool,
		Outcome:   outcome,
		Passed:    tr.TestsPassed,
		Failed:    tr.TestsFailed,
		Typecheck: tr.TypecheckOK,
		Lint:      tr.LintOK,
		Note:      note,
	})
}

var (
	linePattern  = regexp.MustCompile(`^\[([^\]]+)\]\s+(.*)$`)
	fieldPattern = regexp.MustCompile(`(\w+)=("(?:[^"\\]|\\.)*"|\S+)`)
)

// Parse extracts whatever entries it can from log content. Fields a
// line is missing stay zero-valued; lines with no story field at all
// are skipped.
func Parse(content string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry, ok := parseLine(line)
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

func parseLine(line string) (Entry, bool) {
	var entry Entry

	rest := line
	if matches := linePattern.FindStringSubmatch(line); matches != nil {
		if ts, err := time.Parse(time.RFC3339, matches[1]); err == nil {
			entry.Time = ts
		}
		rest = matches[2]
	}

	for _, kv := range fieldPattern.FindAllStringSubmatch(rest, -1) {
		key, value := kv[1], kv[2]
		if unquoted, err := strconv.Unquote(value); err == nil && strings.HasPrefix(value, `"`) {
			value = unquoted
		}
		switch key {
		case "story":
			entry.StoryID = value
		case "attempt":
			entry.Attempt, _ = strconv.Atoi(value)
		case "tool":
			entry.Tool = value
		case "outcome":
			entry.Outcome = value
		case "tests":
			if parts := strings.SplitN(value, "/", 2); len(parts) == 2 {
				entry.Passed, _ = strconv.Atoi(parts[0])
				entry.Failed, _ = strconv.Atoi(parts[1])
			}
		case "typecheck":
			entry.Typecheck = value == "true"
		case "lint":
			entry.Lint = value == "true"
		case "note":
			entry.Note = value
		}
	}

	return entry, entry.StoryID != ""
}
