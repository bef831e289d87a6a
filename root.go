package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/moodsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// CLIFlags holds the global persistent flags.
type CLIFlags struct {
	ConfigPath string
	ServerURL  string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once in the root pre-run and handed to every
// subcommand through the command context.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
	Out    io.Writer // command results (tables, JSON)
	Err    io.Writer // status messages and logs
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. Every
// subcommand runs after that hook, so a missing value is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("moodsync: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:   "moodsync",
		Short: "Offline-first mood journal client",
		Long: `Record mood entries locally and sync them to the mood service.

Entries are saved to a local outbox first and uploaded when the service is
reachable. Run 'moodsync sync --watch' to keep the outbox drained.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main reports errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd, *flags)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.ServerURL, "server", "", "mood service URL (overrides config)")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newSignupCmd())
	cmd.AddCommand(newOTPCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newCLIContext resolves the effective configuration from the four-layer
// override chain and builds the logger.
func newCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	// Only pass --server to the resolver if the user explicitly set it.
	if cmd.Flags().Changed("server") {
		cli.ServerURL = &flags.ServerURL
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	errOut := cmd.ErrOrStderr()

	return &CLIContext{
		Flags:  flags,
		Cfg:    resolved,
		Logger: buildLogger(resolved, flags, errOut),
		Out:    cmd.OutOrStdout(),
		Err:    errOut,
	}, nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger(cfg *config.Resolved, flags CLIFlags, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	format := "auto"

	if cfg != nil {
		format = cfg.LogFormat

		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(format, w) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// useJSONLogs resolves the "auto" log format: text on a terminal, JSON when
// output is redirected to a file or a log collector.
func useJSONLogs(format string, w io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
