package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nous-labs/understudy/internal/daemon"
	"github.com/nous-labs/understudy/pkg/credpool"
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	configPath string
	stateDir   string
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "understudy",
		Short:         "understudy - automated replies for many messaging accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&f.configPath, "config", os.Getenv("UNDERSTUDY_CONFIG_PATH"), "Path to config file (toml, yaml or json)")
	root.PersistentFlags().StringVar(&f.stateDir, "state", "", "State directory (overrides state_dir)")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "understudy %s (%s)\n", version, commit)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "bundles",
		Short: "Show credential bundles and pool capacity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return printBundles(cmd.OutOrStdout(), cfg.BundlesPath)
		},
	})
	return root
}

func loadConfig(f *flags) (*daemon.Config, error) {
	cfg, err := daemon.LoadConfig(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f.stateDir != "" {
		cfg.StateDir = f.stateDir
	}
	return cfg, nil
}

func run(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger, err := newLogger(os.Stdout, cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Info("understudy starting",
		"version", version,
		"state", cfg.StateDir,
		"postgres", cfg.PostgresURL != "",
		"http", cfg.HTTPAddr,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := daemon.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build daemon", "error", err)
		return err
	}
	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", err)
		return err
	}

	slog.Info("understudy stopped")
	return nil
}

func printBundles(out io.Writer, path string) error {
	bundles, err := credpool.LoadBundles(path)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENDPOINT\tCAPACITY")
	total := 0
	for _, b := range bundles {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", b.ID, b.Endpoint, b.Capacity)
		total += b.Capacity
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d bundles, %d tenant slots\n", len(bundles), total)
	return nil
}

func newLogger(w io.Writer, cfg daemon.LoggingConfig) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown logging.format: %s", cfg.Format)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown logging.level: %s", s)
}
