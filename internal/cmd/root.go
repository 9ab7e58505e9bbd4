// Package cmd wires the storyloop CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for storyloop
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storyloop",
		Short: "PRD-driven agent coding pipeline",
		Long: `Storyloop drives an AI-agent coding pipeline over a PRD of stories.

Each pending story is dispatched through test-writing, implementation,
review and judgment stages, escalating through a ladder of agent tools
on failure and producing a retrospective when the loop completes.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewCancelCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewRetroCommand())

	return cmd
}
