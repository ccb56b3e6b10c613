// Command markbook is the operations CLI for the offline sync engine: it
// inspects and drives the same SQLite state the mobile app embeds, so a
// stuck queue or a parked conflict can be diagnosed and resolved from a
// shell.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/markbook/markbook-go/internal/config"
	"github.com/markbook/markbook-go/internal/connectivity"
	"github.com/markbook/markbook-go/internal/engine"
	"github.com/markbook/markbook-go/internal/remote"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagStorePath  string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// Effective configuration and logger, resolved by PersistentPreRunE and
// available to all subcommands.
var (
	rootCfg     *config.Config
	rootCfgPath string
	rootLogger  *slog.Logger
)

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "markbook",
		Short:   "Offline sync engine CLI",
		Long:    "Inspect and drive the offline-first cache and sync queue for the markbook app.",
		Version: version,
		// Silence Cobra's default error/usage printing; exitOnError handles it.
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: loadRootConfig,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagStorePath, "store", "", "override the database path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDrainCmd())
	cmd.AddCommand(newDeadLetterCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

// loadRootConfig resolves the effective configuration and logger before
// every command.
func loadRootConfig(_ *cobra.Command, _ []string) error {
	rootCfgPath = flagConfigPath
	if rootCfgPath == "" {
		rootCfgPath = defaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(rootCfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if flagStorePath != "" {
		cfg.StorePath = flagStorePath
	}

	rootCfg = cfg
	rootLogger = buildLogger(cfg)
	slog.SetDefault(rootLogger)

	return nil
}

// defaultConfigPath returns the per-user config location.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "markbook.toml"
	}

	return filepath.Join(dir, "markbook", "config.toml")
}

// buildLogger creates an slog.Logger from the config, with CLI flags taking
// priority over the config-file level. Format "auto" picks text on a
// terminal and JSON otherwise, so piped output stays machine-readable.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	format := cfg.Logging.Format
	if format == "auto" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			format = "text"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openEngine wires an Engine for a one-shot command. online controls the
// manual connectivity monitor: inspection commands stay offline so they
// never trigger network traffic.
func openEngine(ctx context.Context, online bool) (*engine.Engine, error) {
	sub := remote.NewClient(remote.Config{
		BaseURL:   rootCfg.Remote.BaseURL,
		Token:     rootCfg.Remote.Token,
		Timeout:   rootCfg.Sync.Timeout(),
		UserAgent: "markbook/" + version,
	}, rootLogger)

	mon := connectivity.NewManualMonitor(online)

	eng, err := engine.New(ctx, rootCfg, mon, sub, rootLogger)
	if err != nil {
		return nil, fmt.Errorf("opening engine: %w", err)
	}

	return eng, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
