// Package failparse extracts failing-test names from raw check output.
//
// Accepted line patterns, matched after trimming leading whitespace:
//
//	✗ name            (unicode cross, common in vitest/mocha reporters)
//	x name            (ascii cross used by some reporters)
//	FAIL name         (jest/go test style)
//	● name            (jest failure detail headers)
//	not ok 12 name    (TAP)
//
// Anything after a separator (" > ", " – ", or a trailing duration in
// parentheses) is kept as part of the name; names are normalized to
// lowercase with inner whitespace collapsed so the same failure reported
// with different spacing compares equal.
//
// The parser never errors: unrecognized input yields an empty result.
// Parsing failures must not propagate as pipeline errors.
package failparse

import (
	"regexp"
	"strings"
)

var tapPattern = regexp.MustCompile(`^not ok\s+\d+\s*-?\s*(.+)$`)

// FailingTests returns the normalized set of failing-test names found in
// text, in first-seen order with duplicates removed. Returns nil when
// nothing matches.
func FailingTests(text string) []string {
	if text == "" {
		return nil
	}

	var names []string
	seen := make(map[string]bool)
	add := func(raw string) {
		name := Normalize(raw)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "✗"):
			add(strings.TrimPrefix(line, "✗"))
		case strings.HasPrefix(line, "x "):
			add(strings.TrimPrefix(line, "x "))
		case strings.HasPrefix(line, "FAIL "):
			add(strings.TrimPrefix(line, "FAIL "))
		case strings.HasPrefix(line, "●"):
			add(strings.TrimPrefix(line, "●"))
		default:
			if matches := tapPattern.FindStringSubmatch(line); matches != nil {
				add(matches[1])
			}
		}
	}
	return names
}

// Normalize lowercases a test name and collapses runs of whitespace so
// spacing differences between reporters do not defeat comparison.
func Normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// SameSet reports whether a and b contain the same normalized names:
// both non-empty, equal in size, and identical regardless of order.
// Either side being empty means the comparison is inconclusive and
// returns false.
func SameSet(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, name := range a {
		set[Normalize(name)] = true
	}
	for _, name := range b {
		if !set[Normalize(name)] {
			return false
		}
	}
	return true
}
