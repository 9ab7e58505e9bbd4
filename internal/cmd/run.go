package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harrison/storyloop/internal/bus"
	"github.com/harrison/storyloop/internal/checks"
	"github.com/harrison/storyloop/internal/config"
	"github.com/harrison/storyloop/internal/fallback"
	"github.com/harrison/storyloop/internal/gitx"
	"github.com/harrison/storyloop/internal/logger"
	"github.com/harrison/storyloop/internal/models"
	"github.com/harrison/storyloop/internal/progress"
	"github.com/harrison/storyloop/internal/retro"
	"github.com/harrison/storyloop/internal/stage"
	"github.com/harrison/storyloop/internal/tool"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <prd-file>",
		Short: "Run a story loop over a PRD",
		Long: `Run a story loop: every pending story in the PRD is dispatched through
the test-writer, implement, review and judge stages until it passes or
exhausts its retries, then a retrospective is written.

Configuration is loaded from .storyloop/config.yaml if present.
CLI flags override configuration file settings.

Examples:
  storyloop run prd.md
  storyloop run prd.md --max-retries 5 --ladder codex,claude
  storyloop run prd.md --checks test-only
  storyloop run prd.md --store sqlite --bus memory`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .storyloop/config.yaml)")
	cmd.Flags().String("project", "", "Project key (serializes stages per project)")
	cmd.Flags().Int("max-retries", 0, "Per-story attempt budget (0 = use config)")
	cmd.Flags().Int("max-iterations", -1, "Total dispatch cap for the loop (-1 = use config)")
	cmd.Flags().String("ladder", "", "Comma-separated tool escalation ladder")
	cmd.Flags().String("checks", "", "Validation gates: full or test-only")
	cmd.Flags().String("store", "", "State backend: memory, sqlite, or redis")
	cmd.Flags().String("bus", "", "Event transport: memory, nats, or redis")
	cmd.Flags().String("workdir", ".", "Project working tree the tools run in")

	return cmd
}

func runCommand(cmd *cobra.Command, args []string) error {
	prdPath := args[0]
	if _, err := os.Stat(prdPath); err != nil {
		return fmt.Errorf("PRD file: %w", err)
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if project, _ := cmd.Flags().GetString("project"); project != "" {
		cfg.Project = project
	}
	if maxRetries, _ := cmd.Flags().GetInt("max-retries"); maxRetries > 0 {
		cfg.MaxRetries = maxRetries
	}
	if maxIterations, _ := cmd.Flags().GetInt("max-iterations"); maxIterations >= 0 {
		cfg.MaxIterations = maxIterations
	}
	if ladder, _ := cmd.Flags().GetString("ladder"); ladder != "" {
		cfg.RetryLadder = strings.Split(ladder, ",")
	}
	if checksMode, _ := cmd.Flags().GetString("checks"); checksMode != "" {
		cfg.Checks = models.ChecksMode(checksMode)
	}
	if storeBackend, _ := cmd.Flags().GetString("store"); storeBackend != "" {
		cfg.Store.Backend = storeBackend
	}
	if busBackend, _ := cmd.Flags().GetString("bus"); busBackend != "" {
		cfg.Bus.Backend = busBackend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	workdir, _ := cmd.Flags().GetString("workdir")

	log := logger.NewConsoleLogger(os.Stdout, cfg.LogLevel)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	transport, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.ProgressPath), 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}

	invoker := tool.NewInvoker()
	invoker.Timeout = cfg.ToolTimeout

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tools stage.ToolInvoker = invoker
	if cfg.Fallback.Enabled {
		tools = monitoredTools(ctx, cfg, invoker, log)
	}

	stages := &stage.Stages{
		Store:    store,
		Bus:      transport,
		Log:      log,
		Tools:    tools,
		Gates:    checks.NewRunner(workdir, cfg.Commands),
		Repo:     gitx.NewRepo(workdir),
		Progress: progress.NewWriter(cfg.ProgressPath),
		Retro: &retro.Builder{
			Store:        store,
			ProgressPath: cfg.ProgressPath,
			OutputDir:    cfg.RetroDir,
		},
		Workdir:             workdir,
		RecommendationsPath: filepath.Join(cfg.RetroDir, "recommendations.json"),
		TTL:                 cfg.Store.LeaseTTL,
	}

	dispatcher := bus.NewDispatcher(transport, func(event bus.Event, err error) {
		log.Errorf("%s handler: %v", event.Name, err)
	})
	stages.Register(dispatcher)

	done, unsubscribe, err := transport.Subscribe(ctx, models.EventRetro)
	if err != nil {
		return err
	}
	defer unsubscribe()

	go dispatcher.Run(ctx)
	// The first publish must not race the dispatcher's subscriptions.
	select {
	case <-dispatcher.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}

	loopID := uuid.NewString()
	log.Infof("starting loop %s over %s (project %s)", loopID, prdPath, cfg.Project)

	plan, err := bus.NewEvent(models.EventPlan, loopID, cfg.Project, models.PlanPayload{
		LoopID:        loopID,
		Project:       cfg.Project,
		PRDPath:       prdPath,
		MaxRetries:    cfg.MaxRetries,
		MaxIterations: cfg.MaxIterations,
		Checks:        cfg.Checks,
		RetryLadder:   cfg.RetryLadder,
		StartedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := transport.Publish(ctx, plan); err != nil {
		return err
	}

	select {
	case event := <-done:
		var p models.CompletePayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		// The dispatcher handles loop.retro on its own goroutine, which
		// would race the deferred store/bus close. Run the retrospective
		// to completion here; the artifact writes are atomic, so a
		// concurrent handler run converges on the same files.
		if _, err := stages.RunRetro(ctx, p); err != nil {
			log.Warnf("retrospective: %v", err)
		}
		printSummary(cmd, p)
		return nil
	case <-ctx.Done():
		log.Warnf("interrupted; loop %s state is preserved in the store", loopID)
		return ctx.Err()
	}
}

// monitoredTools wraps the invoker with the model fallback controller:
// invocation lifecycle feeds the controller, and an activation routes
// subsequent tool calls to the fallback model via --model. The ticker
// drives timeout firing and recovery probes until ctx ends.
func monitoredTools(ctx context.Context, cfg *config.Config, invoker *tool.Invoker, log logger.Logger) stage.ToolInvoker {
	monitored := &tool.MonitoredInvoker{Inner: invoker}

	const primary = "default"
	controller := fallback.New(fallback.Config{
		FallbackProvider: cfg.Fallback.Provider,
		FallbackModel:    cfg.Fallback.Model,
		Timeout:          cfg.Fallback.Timeout,
		AfterFailures:    cfg.Fallback.AfterFailures,
		ProbeInterval:    cfg.Fallback.ProbeInterval,
	}, primary,
		fallback.ResolverFunc(func(provider, model string) (string, error) {
			if provider == "" || model == "" {
				return "", fmt.Errorf("no fallback model configured")
			}
			return provider + "/" + model, nil
		}),
		fallback.NotifierFunc(func(message string) {
			log.Warnf("fallback: %s", message)
		}),
		func(model string) error {
			if model == primary {
				monitored.UseModel("")
			} else {
				monitored.UseModel(model)
			}
			return nil
		})
	monitored.Watch = controller

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				controller.Tick(now)
			}
		}
	}()

	return monitored
}

func printSummary(cmd *cobra.Command, p models.CompletePayload) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nLoop summary:\n")
	fmt.Fprintf(out, "  Stories passed:  %d\n", p.StoriesCompleted)
	fmt.Fprintf(out, "  Stories skipped: %d\n", p.Summary.StoriesSkipped)
	if p.Summary.Duration > 0 {
		fmt.Fprintf(out, "  Duration:        %s\n", p.Summary.Duration.Round(time.Second))
	}
	if p.Summary.Notes != "" {
		fmt.Fprintf(out, "  Notes:           %s\n", p.Summary.Notes)
	}
}
