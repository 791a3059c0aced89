// Package main provides the semplan binary entry point.
// Semplan runs plan/todo orchestration: it takes plans of dependent todos,
// dispatches ready todos to layer executors over NATS, gates them on human
// decisions and replans them without losing execution history.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semplan/config"
	"github.com/c360studio/semplan/source/planfile"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semplan"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type runFlags struct {
	configPath string
	logLevel   string
	natsURL    string
	embedded   bool
	plansDir   string
	storage    string
	metrics    string
}

func rootCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Plan/todo orchestration engine",
		Long: `Semplan executes plans: graphs of todos with dependencies, priorities,
retries and human-in-the-loop gates.

Plans arrive on the SEMPLAN JetStream stream or as plan.yaml files in a
watched directory. Ready todos are dispatched to executors listening on
semplan.execute.<layer>, and every state change is published on
semplan.events.<plan>.<type>.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, flags)
		},
	}
	run.Flags().StringVar(&flags.natsURL, "nats-url", "", "External NATS server URL")
	run.Flags().BoolVar(&flags.embedded, "embedded-nats", false, "Run an embedded NATS server")
	run.Flags().StringVar(&flags.plansDir, "plans", "", "Directory to watch for plan files")
	run.Flags().StringVar(&flags.storage, "storage", "", "Storage backend (memory, nats, postgres)")
	run.Flags().StringVar(&flags.metrics, "metrics-addr", "", "Listen address for /metrics")
	cmd.AddCommand(run)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <plan.yaml>...",
		Short: "Validate plan files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validatePlans(cmd, args)
		},
	})

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List pending human-in-the-loop events across plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd, flags, func(ctx context.Context, app *App) error {
				return showPending(ctx, cmd.OutOrStdout(), app.records)
			})
		},
	}
	history := &cobra.Command{
		Use:   "history <plan-id>",
		Short: "Show a plan's versions, HITL events and execution results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd, flags, func(ctx context.Context, app *App) error {
				return showHistory(ctx, cmd.OutOrStdout(), app.versions, app.records, args[0])
			})
		},
	}
	for _, c := range []*cobra.Command{pending, history} {
		c.Flags().StringVar(&flags.natsURL, "nats-url", "", "External NATS server URL")
		c.Flags().StringVar(&flags.storage, "storage", "", "Storage backend (nats, postgres)")
		cmd.AddCommand(c)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// loadConfig layers user, project and explicit config, then applies flags.
func loadConfig(flags runFlags, cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.NewLoader(nil).Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.natsURL != "" {
		cfg.NATS.URL = flags.natsURL
		cfg.NATS.Embedded = false
	}
	if cmd.Flags().Changed("embedded-nats") {
		cfg.NATS.Embedded = flags.embedded
	}
	if flags.plansDir != "" {
		cfg.Plans.Dir = flags.plansDir
	}
	if flags.storage != "" {
		cfg.Storage.Backend = flags.storage
	}
	if flags.metrics != "" {
		cfg.Metrics.Addr = flags.metrics
	}
	if envURL := os.Getenv("NATS_URL"); envURL != "" && flags.natsURL == "" && !cfg.NATS.Embedded {
		cfg.NATS.URL = envURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runEngine(cmd *cobra.Command, flags runFlags) error {
	cfg, err := loadConfig(flags, cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		app.Shutdown(10 * time.Second)
		return err
	}

	slog.Info("Semplan ready", "version", Version)
	runErr := app.Run(signalCtx)
	slog.Info("Received shutdown signal")

	app.Shutdown(30 * time.Second)
	return runErr
}

// validatePlans loads every plan file and reports construction or graph
// errors. It fails if any file is invalid.
func validatePlans(cmd *cobra.Command, paths []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range paths {
		spec, err := planfile.Load(path)
		if err == nil {
			err = planfile.Validate(spec)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (plan %s, %d todos)\n", path, spec.ID, len(spec.Todos))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d plan files invalid", failed, len(paths))
	}
	return nil
}
