// Package commands implements the prguard command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/prguard/internal/infrastructure/config"
	"github.com/jbctechsolutions/prguard/internal/presentation/cli/output"
)

// Version information - set at build time via ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// GlobalFlags holds the global CLI flags.
type GlobalFlags struct {
	ConfigFile string
	Output     string
	Verbose    bool
}

// AppContext holds what every command needs after startup.
type AppContext struct {
	Config     *config.Config
	ConfigPath string // Resolved path, which may not exist yet
	Loader     *config.Loader
	Formatter  *output.Formatter
	Flags      *GlobalFlags
}

var (
	globalFlags GlobalFlags
	appCtx      *AppContext
	appCtxMu    sync.RWMutex
)

// NewRootCmd creates the root command for the prguard CLI.
func NewRootCmd() *cobra.Command {
	globalFlags = GlobalFlags{}

	rootCmd := &cobra.Command{
		Use:   "prguard",
		Short: "prguard - guarded workspaces for automated pull requests",
		Long: `prguard lets an AI agent prepare pull requests without handing it a shell.

It serves a fixed set of tools over the Model Context Protocol on stdio.
Every command runs inside a disposable workspace and passes an allowlist,
every change is checked against size limits, and nothing is pushed or
proposed until an approval gate has issued a single-use token. Each step is
written to a tamper-evident run ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			return initializeApp(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigFile, "config", "c", "", "config file path (default: ~/.prguard/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Output, "output", "o", "text", "output format: text, json")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewLedgerCmd())
	rootCmd.AddCommand(NewPolicyCmd())
	rootCmd.AddCommand(NewConfigCmd())

	return rootCmd
}

// initializeApp loads configuration and the formatter for cmd.
func initializeApp(cmd *cobra.Command) error {
	formatter, err := newFormatter(cmd)
	if err != nil {
		return err
	}

	loader, err := config.NewLoader("")
	if err != nil {
		return fmt.Errorf("failed to create config loader: %w", err)
	}
	path := globalFlags.ConfigFile
	if path == "" {
		path = loader.DefaultConfigPath()
	}
	if path, err = config.ExpandHome(path); err != nil {
		return err
	}

	cfg, err := loader.Load(path)
	if err != nil {
		return err
	}
	config.ApplyEnv(cfg, os.Getenv)

	appCtxMu.Lock()
	appCtx = &AppContext{
		Config:     cfg,
		ConfigPath: path,
		Loader:     loader,
		Formatter:  formatter,
		Flags:      &globalFlags,
	}
	appCtxMu.Unlock()
	return nil
}

// newFormatter builds a formatter on cmd's output stream.
func newFormatter(cmd *cobra.Command) (*output.Formatter, error) {
	format, err := output.ParseFormat(globalFlags.Output)
	if err != nil {
		return nil, err
	}
	out := cmd.OutOrStdout()
	color := false
	if f, ok := out.(*os.File); ok && format != output.FormatJSON {
		color = output.ColorSupported(f, os.Getenv)
	}
	return output.NewFormatter(
		output.WithWriter(out),
		output.WithFormat(format),
		output.WithColor(color),
	), nil
}

// GetAppContext returns the current application context, or nil before
// initialization.
func GetAppContext() *AppContext {
	appCtxMu.RLock()
	defer appCtxMu.RUnlock()
	return appCtx
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context so serve can tear its workspaces down before exiting.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	interrupted := ctx.Err() != nil
	stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		f := output.NewFormatter(output.WithWriter(os.Stderr), output.WithColor(output.ColorSupported(os.Stderr, os.Getenv)))
		_ = f.Error("%s", err.Error())
		os.Exit(1)
	}
	if interrupted {
		os.Exit(130)
	}
}
