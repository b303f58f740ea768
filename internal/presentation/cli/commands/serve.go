package commands

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/prguard/internal/application"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the tool protocol on stdin and stdout",
		Long: `Serve reads newline-delimited JSON-RPC requests from stdin and writes
responses to stdout. Logs go to stderr. Policy, limits and approval settings
are reloaded when the config file changes.

On exit every live workspace is torn down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	app := GetAppContext()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	container, err := application.NewContainer(ctx, app.Config, application.Options{
		Version:    Version,
		ConfigPath: app.ConfigPath,
		ConfigDir:  filepath.Dir(app.ConfigPath),
		Verbose:    app.Flags.Verbose,
		LogOutput:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer container.Close()

	if err := container.Start(ctx); err != nil {
		return err
	}
	container.Logger().Info("serving on stdio", "version", Version, "tools", len(container.Tools().List()))

	err = container.Server().Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	if errors.Is(err, context.Canceled) {
		container.Logger().Info("shutting down")
		return nil
	}
	return err
}
