package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/prguard/internal/application"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
	"github.com/jbctechsolutions/prguard/internal/presentation/cli/output"
)

// NewPolicyCmd creates the policy command group.
func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Try commands and diffs against the configured policy",
	}
	cmd.AddCommand(newPolicyCheckCmd())
	cmd.AddCommand(newPolicyDiffCmd())
	return cmd
}

// checkResult is the JSON form of policy check.
type checkResult struct {
	Command string   `json:"command"`
	Mode    string   `json:"mode"`
	Allowed bool     `json:"allowed"`
	Argv    []string `json:"argv,omitempty"`
	Shell   bool     `json:"shell,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

func newPolicyCheckCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "check [flags] -- <command>",
		Short: "Report whether a command would be allowed",
		Example: `  prguard policy check -- git status
  prguard policy check --mode expert -- 'npm test'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := policy.ParseExecMode(mode)
			if err != nil {
				return err
			}
			app := GetAppContext()
			engine := policyEngine(app)
			text := strings.Join(args, " ")

			res := checkResult{Command: text, Mode: string(m)}
			c, verr := engine.Validate(text, m)
			if verr == nil {
				res.Allowed = true
				res.Argv = c.Argv
				res.Shell = c.Shell
			} else {
				res.Reason = verr.Error()
			}

			f := app.Formatter
			if f.Format() == output.FormatJSON {
				if err := f.JSON(res); err != nil {
					return err
				}
			} else if res.Allowed {
				_ = f.Success("allowed in %s mode", m)
				_ = f.Item("argv", fmt.Sprintf("%q", res.Argv))
				if res.Shell {
					_ = f.Item("runs via", "sh -c")
				}
			}
			return verr
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "safe", "execution mode: safe, expert")
	return cmd
}

// diffResult is the JSON form of policy diff.
type diffResult struct {
	Files        []string `json:"files"`
	Insertions   int      `json:"insertions"`
	Deletions    int      `json:"deletions"`
	MaxFiles     int      `json:"max_files"`
	MaxLines     int      `json:"max_lines"`
	WithinLimits bool     `json:"within_limits"`
	Reason       string   `json:"reason,omitempty"`
}

func newPolicyDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff [file]",
		Short: "Check a unified diff against the change size limits",
		Long:  `Diff reads a unified diff from file, or from stdin when no file is given.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				file, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open diff: %w", err)
				}
				defer file.Close()
				r = file
			}
			data, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("failed to read diff: %w", err)
			}

			app := GetAppContext()
			engine := policyEngine(app)
			stats, lerr := engine.EnforceLimits(string(data))
			limits := engine.Limits()
			res := diffResult{
				Files:        stats.Files,
				Insertions:   stats.Insertions,
				Deletions:    stats.Deletions,
				MaxFiles:     limits.MaxFiles,
				MaxLines:     limits.MaxLines,
				WithinLimits: lerr == nil,
			}
			if res.Files == nil {
				res.Files = []string{}
			}
			if lerr != nil {
				res.Reason = lerr.Error()
			}

			f := app.Formatter
			if f.Format() == output.FormatJSON {
				if err := f.JSON(res); err != nil {
					return err
				}
			} else {
				_ = f.Item("files", fmt.Sprintf("%d of %d", stats.FilesChanged(), limits.MaxFiles))
				_ = f.Item("lines", fmt.Sprintf("+%d -%d of %d", stats.Insertions, stats.Deletions, limits.MaxLines))
				if lerr == nil {
					_ = f.Success("within limits")
				}
			}
			return lerr
		},
	}
}

// policyEngine builds the engine serve would start with.
func policyEngine(app *AppContext) *policy.Engine {
	secrets := app.Config.Secrets.Values(os.Getenv)
	return policy.NewEngine(application.PolicySettings(app.Config, secrets))
}
