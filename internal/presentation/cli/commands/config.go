package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jbctechsolutions/prguard/internal/infrastructure/config"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/crypto"
	"github.com/jbctechsolutions/prguard/internal/presentation/cli/output"
)

// NewConfigCmd creates the config command group.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigEncryptTokenCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := GetAppContext()
			if _, err := os.Stat(app.ConfigPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", app.ConfigPath)
			}
			if err := app.Loader.Save(config.NewDefaultConfig(), app.ConfigPath); err != nil {
				return err
			}
			return app.Formatter.Success("wrote %s", app.ConfigPath)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  `Show prints the configuration after defaults and environment overrides are applied.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := GetAppContext()
			cfg := *app.Config
			if cfg.GitHub.TokenEncrypted != "" {
				cfg.GitHub.TokenEncrypted = "<encrypted>"
			}
			if app.Formatter.Format() == output.FormatJSON {
				return app.Formatter.JSON(cfg)
			}
			data, err := yaml.Marshal(&cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = app.Formatter.Write(data)
			return err
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return GetAppContext().Formatter.Println("%s", GetAppContext().ConfigPath)
		},
	}
}

func newConfigEncryptTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-token",
		Short: "Store a GitHub token encrypted in the config file",
		Long: `Encrypt-token reads a token from the first line of stdin and stores it as
github.token_encrypted. The key is bound to this host and to a salt kept next
to the config file. The token variable named by github.token_env still wins
when it is set.`,
		Example: `  printf '%s\n' "$TOKEN" | prguard config encrypt-token`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := GetAppContext()

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no token on stdin")
			}
			token := strings.TrimSpace(line)
			if token == "" {
				return errors.New("no token on stdin")
			}

			enc, err := crypto.NewEncryptor(filepath.Dir(app.ConfigPath))
			if err != nil {
				return fmt.Errorf("failed to initialize encryption: %w", err)
			}
			sealed, err := enc.Encrypt(token)
			if err != nil {
				return err
			}

			// Reload without environment overrides so they are not persisted.
			cfg, err := app.Loader.Load(app.ConfigPath)
			if err != nil {
				return err
			}
			cfg.GitHub.TokenEncrypted = sealed
			if err := app.Loader.Save(cfg, app.ConfigPath); err != nil {
				return err
			}
			return app.Formatter.Success("stored encrypted token in %s", app.ConfigPath)
		},
	}
}
