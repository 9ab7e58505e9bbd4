package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/storyloop/internal/lease"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <loop-id>",
		Short: "Show the story statuses of a loop",
		Args:  cobra.ExactArgs(1),
		RunE:  statusCommand,
	}
	cmd.Flags().String("config", "", "Path to config file (default: .storyloop/config.yaml)")
	return cmd
}

func statusCommand(cmd *cobra.Command, args []string) error {
	loopID := args[0]
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stories, err := store.ReadStories(cmd.Context(), loopID)
	if errors.Is(err, lease.ErrNotFound) {
		return fmt.Errorf("no state for loop %s in the %s store", loopID, cfg.Store.Backend)
	}
	if err != nil {
		return err
	}

	cancelled, err := store.Cancelled(cmd.Context(), loopID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Loop %s", loopID)
	if cancelled {
		fmt.Fprintf(out, " (cancelled)")
	}
	fmt.Fprintln(out)

	passed, skipped, pending := 0, 0, 0
	for _, story := range stories {
		status := story.Status
		if status == "" {
			status = "pending"
		}
		switch status {
		case "passed":
			passed++
		case "skipped":
			skipped++
		default:
			pending++
		}
		fmt.Fprintf(out, "  %-10s %-9s %s\n", story.ID, status, story.Title)
	}
	fmt.Fprintf(out, "%d passed, %d skipped, %d pending\n", passed, skipped, pending)
	return nil
}
