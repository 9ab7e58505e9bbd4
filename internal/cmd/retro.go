package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harrison/storyloop/internal/models"
	"github.com/harrison/storyloop/internal/retro"
)

// NewRetroCommand creates the retro command
func NewRetroCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retro <loop-id>",
		Short: "Build the retrospective for a loop",
		Long: `Build (or rebuild) the retrospective report and recommendations for a
loop from its stored state and the progress log. Useful after an
interrupted loop, where the automatic end-of-loop retrospective never
ran.`,
		Args: cobra.ExactArgs(1),
		RunE: retroCommand,
	}
	cmd.Flags().String("config", "", "Path to config file (default: .storyloop/config.yaml)")
	return cmd
}

func retroCommand(cmd *cobra.Command, args []string) error {
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
	if err != nil {
		return fmt.Errorf("no state for loop %s: %w", loopID, err)
	}

	done := models.CompletePayload{
		LoopID:  loopID,
		Project: cfg.Project,
	}
	for _, story := range stories {
		switch story.Status {
		case models.StoryPassed:
			done.StoriesCompleted++
		case models.StorySkipped:
			done.StoriesFailed++
			done.Summary.StoriesSkipped++
		}
	}
	done.Summary.StoriesCompleted = done.StoriesCompleted

	builder := &retro.Builder{
		Store:        store,
		ProgressPath: cfg.ProgressPath,
		OutputDir:    cfg.RetroDir,
	}
	if err := builder.Run(cmd.Context(), done); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n",
		filepath.Join(cfg.RetroDir, fmt.Sprintf("retro-%s.md", loopID)),
		filepath.Join(cfg.RetroDir, "recommendations.json"))
	return nil
}
