// Package checks runs the validation gates Review applies to a commit
// (typecheck, lint, tests) and folds their output into a structured
// TestResults. Gate commands are project configuration; the parsers are
// deliberately tolerant because check output is not a strict schema.
package checks

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/harrison/storyloop/internal/failparse"
	"github.com/harrison/storyloop/internal/models"
)

// Commands holds the gate commands as argv slices. An empty command
// means the gate is skipped and reported as passing.
type Commands struct {
	Typecheck []string `yaml:"typecheck"`
	Lint      []string `yaml:"lint"`
	Test      []string `yaml:"test"`
}

// DefaultCommands covers the common TypeScript project layout the
// pipeline most often drives.
func DefaultCommands() Commands {
	return Commands{
		Typecheck: []string{"npx", "tsc", "--noEmit"},
		Lint:      []string{"npx", "eslint", "."},
		Test:      []string{"npm", "test", "--silent"},
	}
}

// Runner executes gate commands in a working directory.
type Runner struct {
	Commands Commands
	Dir      string

	// runCommand is swapped in tests. Returns combined output and
	// whether the command exited zero.
	runCommand func(ctx context.Context, dir string, argv []string) (string, bool, error)
}

// NewRunner creates a Runner for dir.
func NewRunner(dir string, commands Commands) *Runner {
	return &Runner{
		Commands: commands,
		Dir:      dir,
		runCommand: func(ctx context.Context, dir string, argv []string) (string, bool, error) {
			cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
			cmd.Dir = dir
			output, err := cmd.CombinedOutput()
			if err != nil {
				if _, ok := err.(*exec.ExitError); ok {
					return string(output), false, nil
				}
				return string(output), false, err
			}
			return string(output), true, nil
		},
	}
}

// Run executes the gates selected by mode and returns the combined
// structured result. ChecksTestOnly runs only the test gate; typecheck
// and lint are reported clean in that mode.
func (r *Runner) Run(ctx context.Context, mode models.ChecksMode) (models.TestResults, error) {
	results := models.TestResults{TypecheckOK: true, LintOK: true}
	var details []string

	if mode != models.ChecksTestOnly {
		if output, ok, err := r.runGate(ctx, r.Commands.Typecheck); err != nil {
			return results, fmt.Errorf("typecheck gate: %w", err)
		} else if !ok {
			results.TypecheckOK = false
			details = append(details, "typecheck output:\n"+output)
		}

		if output, ok, err := r.runGate(ctx, r.Commands.Lint); err != nil {
			return results, fmt.Errorf("lint gate: %w", err)
		} else if !ok {
			results.LintOK = false
			details = append(details, "lint output:\n"+output)
		}
	}

	output, ok, err := r.runGate(ctx, r.Commands.Test)
	if err != nil {
		return results, fmt.Errorf("test gate: %w", err)
	}
	passed, failed := ParseTestCounts(output)
	results.TestsPassed = passed
	results.TestsFailed = failed
	if !ok && results.TestsFailed == 0 {
		// The suite exited non-zero without a parseable count. Count it
		// as one failure so the pass criterion cannot be satisfied.
		results.TestsFailed = 1
	}
	if !ok || results.TestsFailed > 0 {
		details = append(details, "test output:\n"+output)
	}

	results.Details = strings.Join(details, "\n\n")
	return results, nil
}

// runGate executes one gate command. A nil/empty command passes. A
// command that cannot run at all (missing binary, spawn failure) is a
// failed gate, not a pipeline error: the failure must reach Judge and
// count against the retry ladder like any other validation failure.
// Only a cancelled context still surfaces as an error.
func (r *Runner) runGate(ctx context.Context, argv []string) (string, bool, error) {
	if len(argv) == 0 {
		return "", true, nil
	}
	output, ok, err := r.runCommand(ctx, r.Dir, argv)
	if err != nil {
		if ctx.Err() != nil {
			return output, false, err
		}
		if output != "" {
			output += "\n"
		}
		return output + err.Error(), false, nil
	}
	return output, ok, nil
}

var (
	passedPattern = regexp.MustCompile(`(?i)\b(\d+)\s+(?:tests?\s+)?pass(?:ed|ing)?\b`)
	failedPattern = regexp.MustCompile(`(?i)\b(\d+)\s+(?:tests?\s+)?fail(?:ed|ing)?\b`)
)

// ParseTestCounts extracts passed/failed counts from reporter summary
// lines like "12 passed, 2 failed" or "Tests: 2 failed, 12 passed".
// When no failed count is reported, the number of failing-test names in
// the output is used instead. Unparseable output yields zeros.
func ParseTestCounts(output string) (passed, failed int) {
	if matches := passedPattern.FindStringSubmatch(output); matches != nil {
		passed, _ = strconv.Atoi(matches[1])
	}
	if matches := failedPattern.FindStringSubmatch(output); matches != nil {
		failed, _ = strconv.Atoi(matches[1])
	} else if names := failparse.FailingTests(output); len(names) > 0 {
		failed = len(names)
	}
	return passed, failed
}
