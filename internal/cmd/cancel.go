package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/storyloop/internal/bus"
	"github.com/harrison/storyloop/internal/models"
)

// NewCancelCommand creates the cancel command
func NewCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <loop-id>",
		Short: "Cancel a running loop",
		Long: `Cancel a loop cooperatively: the cancellation flag is set in the shared
store and a loop.cancelled event is published. In-flight stages observe
the flag at their next boundary and stop without emitting.

Cancellation requires a shared store backend (sqlite or redis) to reach
a loop running in another process.`,
		Args: cobra.ExactArgs(1),
		RunE: cancelCommand,
	}
	cmd.Flags().String("config", "", "Path to config file (default: .storyloop/config.yaml)")
	cmd.Flags().String("reason", "operator request", "Reason recorded with the cancellation")
	return cmd
}

func cancelCommand(cmd *cobra.Command, args []string) error {
	loopID := args[0]
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Cancel(cmd.Context(), loopID); err != nil {
		return fmt.Errorf("set cancellation flag: %w", err)
	}

	// Best effort: also publish the event so subscribed dispatchers see
	// the cancellation immediately instead of at the next flag check.
	if transport, err := openBus(cfg); err == nil {
		defer transport.Close()
		event, err := bus.NewEvent(models.EventCancelled, loopID, cfg.Project, models.CancelledPayload{
			LoopID: loopID,
			Reason: reason,
		})
		if err == nil {
			_ = transport.Publish(cmd.Context(), event)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Loop %s cancelled: %s\n", loopID, reason)
	return nil
}
