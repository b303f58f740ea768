package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/prguard/internal/application"
	"github.com/jbctechsolutions/prguard/internal/application/ledger"
	"github.com/jbctechsolutions/prguard/internal/application/ports"
	domainLedger "github.com/jbctechsolutions/prguard/internal/domain/ledger"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
	"github.com/jbctechsolutions/prguard/internal/presentation/cli/output"
)

// NewLedgerCmd creates the ledger command group.
func NewLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the run ledger",
		Long: `Inspect the run ledger written by serve.

Only the sqlite driver persists records between runs; with the memory driver
the ledger is always empty here.`,
	}
	cmd.AddCommand(newLedgerListCmd())
	cmd.AddCommand(newLedgerVerifyCmd())
	cmd.AddCommand(newLedgerExportCmd())
	return cmd
}

func newLedgerListCmd() *cobra.Command {
	var workspace string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, svc *ledger.Service, f *output.Formatter) error {
				recs, err := svc.Records(ctx, workspace)
				if err != nil {
					return err
				}
				if limit > 0 && len(recs) > limit {
					recs = recs[len(recs)-limit:]
				}
				if recs == nil {
					recs = []domainLedger.Record{}
				}
				return f.Render(recs, recordTable(recs))
			})
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "only records for this workspace id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the newest n records")
	return cmd
}

func recordTable(recs []domainLedger.Record) output.TableData {
	table := output.TableData{Columns: []output.TableColumn{
		{Header: "SEQ", Align: output.AlignRight},
		{Header: "TIME"},
		{Header: "WORKSPACE"},
		{Header: "ACTION"},
		{Header: "HASH"},
	}}
	for _, r := range recs {
		scope := r.Scope
		if scope == "" {
			scope = "-"
		}
		table.Rows = append(table.Rows, []string{
			strconv.FormatInt(r.Seq, 10),
			r.Timestamp.UTC().Format(time.RFC3339),
			scope,
			r.Action,
			shortHash(r.Hash),
		})
	}
	return table
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// verifyResult is the JSON form of ledger verify.
type verifyResult struct {
	Valid    bool   `json:"valid"`
	Records  int    `json:"records"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newLedgerVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, svc *ledger.Service, f *output.Formatter) error {
				n, err := svc.Verify(ctx)
				res := verifyResult{Valid: err == nil, Records: n}
				var chainErr *domainLedger.ChainError
				if errors.As(err, &chainErr) {
					res.BrokenAt = chainErr.Seq
				}
				if err != nil {
					res.Error = err.Error()
				}

				if f.Format() == output.FormatJSON {
					if jerr := f.JSON(res); jerr != nil {
						return jerr
					}
				} else if err == nil {
					_ = f.Success("ledger intact: %d records verified", n)
				}
				if err != nil {
					return fmt.Errorf("ledger verification failed after %d records: %w", n, err)
				}
				return nil
			})
		},
	}
}

func newLedgerExportCmd() *cobra.Command {
	var workspace, file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export records as JSON lines",
		Long:  `Export writes one JSON object per record. Payloads are redacted again with the current secret set.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, svc *ledger.Service, f *output.Formatter) error {
				var w io.Writer = cmd.OutOrStdout()
				if file != "" {
					out, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
					if err != nil {
						return fmt.Errorf("failed to create %s: %w", file, err)
					}
					defer out.Close()
					w = out
				}
				n, err := svc.Export(ctx, w, workspace)
				if err != nil {
					return err
				}
				if file != "" {
					_ = f.Success("exported %d records to %s", n, file)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "only records for this workspace id")
	cmd.Flags().StringVarP(&file, "file", "f", "", "write to a file instead of stdout")
	return cmd
}

// withLedger opens the configured ledger store read-side and closes it after fn.
func withLedger(cmd *cobra.Command, fn func(context.Context, *ledger.Service, *output.Formatter) error) error {
	app := GetAppContext()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := application.OpenLedgerStore(app.Config.Ledger)
	if err != nil {
		return err
	}
	defer store.Close()

	secrets := app.Config.Secrets.Values(os.Getenv)
	redactor := policy.NewEngine(application.PolicySettings(app.Config, secrets))
	svc, err := ledger.NewService(ctx, store, redactor, ports.SystemClock{})
	if err != nil {
		return err
	}
	return fn(ctx, svc, app.Formatter)
}
