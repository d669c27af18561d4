package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/johndauphine/legacy-migrate/internal/config"
	"github.com/johndauphine/legacy-migrate/internal/exitcodes"
	"github.com/johndauphine/legacy-migrate/internal/logging"
	"github.com/johndauphine/legacy-migrate/internal/orchestrator"
	"github.com/johndauphine/legacy-migrate/internal/planner"
	"github.com/johndauphine/legacy-migrate/internal/progress"
	"github.com/johndauphine/legacy-migrate/internal/tui"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "legacy-migrate",
		Usage:   "Incremental, resumable migration from a legacy database into the redesigned schema",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file (.yaml or .toml)",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Redirect logs to stderr when JSON output is enabled
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Detect changes since the last sync and migrate them",
				Action: runMigration,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "entities",
						Aliases: []string{"e"},
						Usage:   "Only migrate these entities (dependencies are not added)",
					},
					&cli.StringFlag{
						Name:  "since",
						Usage: "Override the sync baseline (RFC3339 or YYYY-MM-DD)",
					},
					&cli.BoolFlag{
						Name:  "full",
						Usage: "Ignore the sync baseline and compare every source record",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Detect changes and print the plan without writing anything",
					},
					&cli.BoolFlag{
						Name:  "tui",
						Usage: "Show the live watch view while running",
					},
				},
			},
			{
				Name:   "resume",
				Usage:  "Resume a paused, halted or interrupted run",
				Action: resumeMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Run ID to resume (default: latest incomplete run)",
					},
					&cli.StringFlag{
						Name:  "checkpoint",
						Usage: "Resume one entity from this checkpoint ID",
					},
					&cli.BoolFlag{
						Name:  "tui",
						Usage: "Show the live watch view while running",
					},
				},
			},
			{
				Name:   "pause",
				Usage:  "Ask a running migration to pause at the next batch boundary",
				Action: pauseMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Usage: "Run ID (default: latest incomplete run)"},
				},
			},
			{
				Name:   "cancel",
				Usage:  "Ask a running migration to stop without a checkpoint",
				Action: cancelMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Usage: "Run ID (default: latest incomplete run)"},
				},
			},
			{
				Name:   "status",
				Usage:  "Show status of current/last run",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Usage: "Run ID (default: current/last run)"},
					&cli.BoolFlag{Name: "detailed", Aliases: []string{"d"}, Usage: "Show per-entity status"},
					&cli.BoolFlag{Name: "json", Usage: "Output status as JSON"},
				},
			},
			{
				Name:  "history",
				Usage: "List all migration runs, or view details of a specific run",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Usage: "Show details for a specific run ID"},
				},
				Action: showHistory,
			},
			{
				Name:   "validate",
				Usage:  "Sample migrated records and compare them with the source",
				Action: validateMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Usage: "Run ID (default: current/last run)"},
					&cli.BoolFlag{Name: "json", Usage: "Output results as JSON"},
				},
			},
			{
				Name:   "health",
				Usage:  "Check connectivity to source, destination and state",
				Action: healthCheck,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Output results as JSON"},
				},
			},
			{
				Name:   "watch",
				Usage:  "Watch a run started by another process",
				Action: watchMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Usage: "Run ID (default: current/last run)"},
					&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "Refresh interval"},
					&cli.BoolFlag{Name: "exit", Usage: "Exit when the run stops"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Exit code %d: %s\n", code, exitcodes.Description(code))
		os.Exit(code)
	}
}

func loadConfig(c *cli.Context) (*config.Config, string, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		return nil, "", fmt.Errorf("configuration file not found: %s", configPath)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	if sf := c.String("state-file"); sf != "" {
		cfg.Migration.StateFile = sf
	}
	return cfg, configPath, nil
}

// openOrchestrator connects to every store.
func openOrchestrator(ctx context.Context, c *cli.Context) (*orchestrator.Orchestrator, *config.Config, string, error) {
	cfg, configPath, err := loadConfig(c)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return orch, cfg, configPath, nil
}

// openState only opens the state backend.
func openState(c *cli.Context) (*orchestrator.Orchestrator, error) {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return orchestrator.NewStateOnly(cfg, os.Stdout)
}

// signalContext cancels the returned context on the second SIGINT/SIGTERM.
// The first one asks the running migration to pause at a batch boundary.
func signalContext(orch *orchestrator.Orchestrator) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Fprintln(os.Stderr, "\nInterrupted. Pausing at the next batch boundary (interrupt again to cancel)...")
		go func() {
			_, err := orch.Pause(ctx)
			switch {
			case errors.Is(err, planner.ErrNotRunning):
				// still detecting; nothing to checkpoint yet
				cancel()
			case err != nil && !errors.Is(err, context.Canceled):
				logging.Warn("Pause failed: %v", err)
			}
		}()
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nCancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func parseSince(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: --since %q is not RFC3339 or YYYY-MM-DD", config.ErrInvalidConfig, s)
}

func runMigration(c *cli.Context) error {
	since, err := parseSince(c.String("since"))
	if err != nil {
		return err
	}

	orch, cfg, configPath, err := openOrchestrator(context.Background(), c)
	if err != nil {
		return err
	}
	defer orch.Close()

	opts := orchestrator.Options{
		Entities:    c.StringSlice("entities"),
		Since:       since,
		FullSync:    c.Bool("full"),
		ProfileName: cfg.Profile.Name,
		ConfigPath:  configPath,
	}

	ctx, cancel := signalContext(orch)
	defer cancel()

	if c.Bool("dry-run") {
		result, err := orch.DryRun(ctx, opts)
		if err != nil {
			return err
		}
		if c.Bool("output-json") || c.String("output-file") != "" {
			return outputJSON(c, result)
		}
		printDryRun(result)
		return nil
	}

	return execute(ctx, c, orch, cfg, opts, orch.Run)
}

func resumeMigration(c *cli.Context) error {
	orch, cfg, configPath, err := openOrchestrator(context.Background(), c)
	if err != nil {
		return err
	}
	defer orch.Close()

	opts := orchestrator.Options{
		RunID:        c.String("run"),
		CheckpointID: c.String("checkpoint"),
		ProfileName:  cfg.Profile.Name,
		ConfigPath:   configPath,
	}

	ctx, cancel := signalContext(orch)
	defer cancel()
	return execute(ctx, c, orch, cfg, opts, orch.Resume)
}

type runFunc func(ctx context.Context, opts orchestrator.Options) (*orchestrator.MigrationResult, error)

// execute runs fn with the progress display that fits the terminal, serves
// metrics while it runs and writes the JSON result if requested.
func execute(ctx context.Context, c *cli.Context, orch *orchestrator.Orchestrator, cfg *config.Config,
	opts orchestrator.Options, fn runFunc) error {

	if m := orch.Metrics(); m != nil {
		metricsCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := m.Serve(metricsCtx, cfg.Metrics.ListenAddr); err != nil {
				logging.Warn("Metrics endpoint stopped: %v", err)
			}
		}()
		logging.Info("Serving metrics on %s/metrics", cfg.Metrics.ListenAddr)
	}

	jsonOut := c.Bool("output-json") || c.String("output-file") != ""
	var program *tea.Program
	programDone := make(chan error, 1)

	switch {
	case c.Bool("tui"):
		program = tea.NewProgram(tui.New(tui.Options{
			Title: "legacy-migrate",
			Pause: func() error {
				_, err := orch.Pause(ctx)
				return err
			},
			Cancel: orch.Cancel,
		}), tea.WithAltScreen())
		// logs would tear the alternate screen
		logging.SetOutput(noopWriter{})
		opts.Watchers = append(opts.Watchers, func(ctx context.Context, t *progress.Tracker) {
			tui.Feed(ctx, program, t, 200*time.Millisecond)
		})
		go func() {
			_, err := program.Run()
			programDone <- err
		}()
	case !jsonOut && term.IsTerminal(int(os.Stdout.Fd())):
		console := progress.NewConsole(os.Stderr)
		opts.Watchers = append(opts.Watchers, console.Attach)
	default:
		reporter := progress.NewJSONReporter(os.Stderr, 2*time.Second)
		defer reporter.Close()
		opts.Watchers = append(opts.Watchers, func(ctx context.Context, t *progress.Tracker) {
			progress.Forward(ctx, t, reporter)
		})
	}

	result, runErr := fn(ctx, opts)

	if program != nil {
		program.Quit()
		if err := <-programDone; err != nil {
			logging.Warn("Watch view failed: %v", err)
		}
		if jsonOut {
			logging.SetOutput(os.Stderr)
		} else {
			logging.SetOutput(os.Stdout)
		}
	}

	if result != nil {
		if runErr != nil && result.Error == "" {
			result.Error = runErr.Error()
		}
		if jsonOut {
			if err := outputJSON(c, result); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
			}
		} else {
			printResult(result)
		}
	}
	return runErr
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func printResult(r *orchestrator.MigrationResult) {
	fmt.Printf("\nRun %s %s in %.1fs\n", r.RunID, r.Status, r.DurationSeconds)
	fmt.Printf("Entities: %d total, %d succeeded, %d failed\n", r.EntitiesTotal, r.EntitiesSuccess, r.EntitiesFailed)
	fmt.Printf("Records:  %d processed, %d written, %d deleted, %d failed (%.0f/s)\n",
		r.RecordsProcessed, r.RecordsWritten, r.RecordsDeleted, r.RecordsFailed, r.RecordsPerSecond)
	if len(r.Cycle) > 0 {
		fmt.Printf("Dependency cycle: %s\n", strings.Join(r.Cycle, " -> "))
	}
	if h := r.Halt; h != nil {
		fmt.Printf("\nHalted on %s: %s\n", h.Entity, h.Reason)
		for i, step := range h.ManualSteps {
			fmt.Printf("  %d. %s\n", i+1, step)
		}
		if h.CheckpointID != "" {
			fmt.Printf("Resume with: resume --run %s --checkpoint %s\n", r.RunID, h.CheckpointID)
		}
	}
}

func printDryRun(r *orchestrator.DryRunResult) {
	fmt.Printf("%-24s %-20s %8s %8s %8s %9s %7s %s\n", "Entity", "Since", "New", "Modified", "Deleted", "Unchanged", "Batches", "Depends on")
	fmt.Println(strings.Repeat("-", 110))
	for _, e := range r.Entities {
		since := "-"
		if !e.Since.IsZero() {
			since = e.Since.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-24s %-20s %8d %8d %8d %9d %7d %s\n",
			e.Name, since, e.New, e.Modified, e.Deleted, e.Unchanged, e.Batches, strings.Join(e.Dependencies, ","))
	}
	fmt.Printf("\n%d changes in batches of %d\n", r.TotalChanges, r.BatchSize)
	for i, level := range r.Levels {
		fmt.Printf("Level %d: %s\n", i, strings.Join(level, ", "))
	}
	if len(r.Cycle) > 0 {
		fmt.Printf("Dependency cycle: %s\n", strings.Join(r.Cycle, " -> "))
	}
}

func pauseMigration(c *cli.Context) error {
	orch, err := openState(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	runID, err := orch.RequestPause(c.String("run"))
	if err != nil {
		return err
	}
	fmt.Printf("Pause requested for run %s; it stops at the next batch boundary\n", runID)
	return nil
}

func cancelMigration(c *cli.Context) error {
	orch, err := openState(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	runID, err := orch.RequestCancel(c.String("run"))
	if err != nil {
		return err
	}
	fmt.Printf("Cancel requested for run %s\n", runID)
	return nil
}

func showStatus(c *cli.Context) error {
	orch, err := openState(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("json") {
		result, err := orch.GetStatusResult(c.String("run"))
		if err != nil {
			if !errors.Is(err, orchestrator.ErrNoRuns) {
				return err
			}
			result = &orchestrator.StatusResult{Status: "no_active_migration"}
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if c.Bool("detailed") {
		return orch.ShowDetailedStatus(c.String("run"))
	}
	return orch.ShowStatus(c.String("run"))
}

func showHistory(c *cli.Context) error {
	orch, err := openState(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if runID := c.String("run"); runID != "" {
		return orch.ShowRunDetails(runID)
	}
	return orch.ShowHistory()
}

func validateMigration(c *cli.Context) error {
	orch, _, _, err := openOrchestrator(context.Background(), c)
	if err != nil {
		return err
	}
	defer orch.Close()

	results, err := orch.ValidateRun(context.Background(), c.String("run"))
	if err != nil {
		return err
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		if results[name].MatchPercentage < 100 {
			failed = append(failed, name)
		}
	}

	if c.Bool("json") {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("%-24s %8s %8s %8s %10s %8s\n", "Entity", "Sampled", "Matched", "Missing", "Mismatched", "Match")
		fmt.Println(strings.Repeat("-", 72))
		for _, name := range names {
			r := results[name]
			fmt.Printf("%-24s %8d %8d %8d %10d %7.1f%%\n",
				name, r.Sampled, r.Matched, len(r.Missing), len(r.Mismatched), r.MatchPercentage)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("validation failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func healthCheck(c *cli.Context) error {
	orch, _, _, err := openOrchestrator(context.Background(), c)
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.HealthCheck(context.Background())
	if err != nil {
		return err
	}

	if c.Bool("json") {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal health check: %w", err)
		}
		fmt.Println(string(data))
	} else {
		printCheck("Source ("+result.SourceDBType+")", result.SourceConnected, result.SourceLatencyMs, result.SourceError)
		printCheck("Destination", result.TargetConnected, result.TargetLatencyMs, result.TargetError)
		printCheck("State", result.StateConnected, 0, result.StateError)
		fmt.Printf("Entities configured: %d\n", result.EntityCount)
		for _, ps := range result.Pools {
			fmt.Printf("Pool %s\n", ps)
		}
		for op, st := range result.CircuitBreakers {
			fmt.Printf("Breaker %-20s %s\n", op, st)
		}
	}

	if !result.Healthy {
		return exitcodes.NewExitError(errors.New("health check failed"), exitcodes.ConnectionError)
	}
	return nil
}

func printCheck(name string, ok bool, latencyMs int64, errMsg string) {
	if ok {
		fmt.Printf("%-20s OK (%dms)\n", name, latencyMs)
		return
	}
	fmt.Printf("%-20s FAILED: %s\n", name, errMsg)
}

func watchMigration(c *cli.Context) error {
	orch, err := openState(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	runID := c.String("run")
	model := tui.New(tui.Options{
		Title:    "legacy-migrate watch",
		Interval: c.Duration("interval"),
		Poll: func() (tui.Frame, error) {
			st, err := orch.GetStatusResult(runID)
			if err != nil {
				return tui.Frame{}, err
			}
			return tui.FrameFromStatus(st), nil
		},
		Pause: func() error {
			_, err := orch.RequestPause(runID)
			return err
		},
		Cancel: func() error {
			_, err := orch.RequestCancel(runID)
			return err
		},
		ExitOnDone: c.Bool("exit"),
	})

	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

// outputJSON writes a result as JSON to stdout and/or a file
func outputJSON(c *cli.Context, result any) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if c.Bool("output-json") {
		fmt.Println(string(data))
	}

	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}
	return nil
}
