// Package tool invokes the coding-agent CLIs named in a loop's retry
// ladder. It follows the http.Client pattern: create one Invoker, use it
// for every invocation. Thread-safe for concurrent use.
package tool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result holds the raw output of one tool invocation.
type Result struct {
	// Output is the combined stdout/stderr from the tool process.
	Output string
	// Duration is the wall-clock time the process ran.
	Duration time.Duration
}

// Request configures one tool invocation.
type Request struct {
	// Tool is the CLI name from the retry ladder (e.g. "codex",
	// "claude", "pi"). Required.
	Tool string
	// Prompt is the full prompt passed via -p. Required.
	Prompt string
	// Dir is the working directory the tool runs in.
	Dir string
	// ExtraArgs are appended after the standard flags.
	ExtraArgs []string
}

// Invoker runs ladder tools as external processes.
type Invoker struct {
	// Timeout bounds each invocation. Zero means no timeout beyond the
	// caller's context.
	Timeout time.Duration

	// PathFor overrides tool-name-to-binary resolution. Defaults to the
	// tool name itself (found in PATH).
	PathFor func(tool string) string

	// runCommand is swapped in tests to avoid spawning processes.
	runCommand func(ctx context.Context, name string, dir string, args ...string) ([]byte, error)
}

// NewInvoker creates an Invoker with default settings.
func NewInvoker() *Invoker {
	return &Invoker{
		runCommand: func(ctx context.Context, name string, dir string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			cmd.Dir = dir
			return cmd.CombinedOutput()
		},
	}
}

// Invoke runs the requested tool and returns its combined output. A
// non-zero exit or a timeout is returned as an error; the Judge counts
// these the same as validation failures for ladder purposes.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.Tool == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	binary := req.Tool
	if inv.PathFor != nil {
		if resolved := inv.PathFor(req.Tool); resolved != "" {
			binary = resolved
		}
	}

	args := []string{"-p", req.Prompt}
	args = append(args, req.ExtraArgs...)

	run := inv.runCommand
	if run == nil {
		run = NewInvoker().runCommand
	}

	start := time.Now()
	output, err := run(ctx, binary, req.Dir, args...)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%s invocation failed: %w (output: %s)",
			req.Tool, err, truncateOutput(string(output)))
	}

	return &Result{Output: string(output), Duration: elapsed}, nil
}

func truncateOutput(s string) string {
	const limit = 2000
	if len(s) <= limit {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[:limit]) + "..."
}
