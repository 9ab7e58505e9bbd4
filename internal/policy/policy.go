// Package policy holds the Judge stage's pure decision logic: the pass
// criterion, retry-ladder tool selection, and fresh-vs-repeated failure
// classification. Nothing here performs I/O.
package policy

import (
	"fmt"
	"strings"

	"github.com/harrison/storyloop/internal/failparse"
	"github.com/harrison/storyloop/internal/models"
)

// Passed is the single pass criterion for a review: clean typecheck,
// clean lint, and zero failing tests. TestsPassed is deliberately not
// consulted; a suite with zero tests still passes.
func Passed(tr models.TestResults) bool {
	return tr.TypecheckOK && tr.LintOK && tr.TestsFailed == 0
}

// NextTool selects the tool for the attempt after failedAttempt
// (1-based). The ladder is indexed by the upcoming attempt number minus
// one, clamped to the last entry, so exhausting the ladder keeps using
// its strongest tool.
func NextTool(ladder []string, failedAttempt int) string {
	if len(ladder) == 0 {
		ladder = models.DefaultRetryLadder
	}
	index := failedAttempt
	if index > len(ladder)-1 {
		index = len(ladder) - 1
	}
	if index < 0 {
		index = 0
	}
	return ladder[index]
}

// Classification of a failed attempt relative to its predecessor.
const (
	// Fresh means the failing tests changed (or could not be compared):
	// the previous approach made some difference.
	Fresh = "fresh"
	// Repeated means the exact same tests are still failing: the
	// prompting strategy should change rather than re-attempt.
	Repeated = "repeated"
)

// Classify compares the failing tests in the current failure details
// against those named in the previous attempt's feedback. The failure is
// repeated only when both extracted sets are non-empty and identical.
func Classify(priorFeedback, currentDetails string) string {
	previous := failparse.FailingTests(priorFeedback)
	current := failparse.FailingTests(currentDetails)
	if failparse.SameSet(previous, current) {
		return Repeated
	}
	return Fresh
}

// maxFeedbackLen bounds the failure detail carried between attempts so
// prompts and events stay within reasonable sizes.
const maxFeedbackLen = 4000

// BuildFeedback produces the failure summary carried to the next attempt
// when no prior feedback exists.
func BuildFeedback(tr models.TestResults) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Previous attempt failed checks: typecheck=%v lint=%v testsFailed=%d.\n",
		tr.TypecheckOK, tr.LintOK, tr.TestsFailed)
	if names := failparse.FailingTests(tr.Details); len(names) > 0 {
		sb.WriteString("Failing tests:\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "  - %s\n", name)
		}
	}
	if tr.Details != "" {
		sb.WriteString("Raw output:\n")
		sb.WriteString(tr.Details)
	}
	return Truncate(sb.String(), maxFeedbackLen)
}

// Truncate cuts s to at most limit runes, appending a marker when
// anything was dropped.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "\n... (truncated)"
}
