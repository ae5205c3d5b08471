package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pendergraft/contrascan/internal/validation"
	"github.com/pendergraft/contrascan/pkg/client"
)

func createHistoryCmd() *cobra.Command {
	var limit int
	var latest bool

	cmd := &cobra.Command{
		Use:   "history [address]",
		Short: "List stored analyses",
		Long: `List analyses the server has stored, newest first.

Without an address every contract is listed. The server must have storage
enabled.

EXAMPLES:
  # Recent analyses of every contract
  contrascan history

  # Past runs for one contract
  contrascan history 0xdAC17F958D2ee523a2206206994597C13D831ec7 --limit 5

  # Show the full latest stored report
  contrascan history 0xdAC17F958D2ee523a2206206994597C13D831ec7 --latest
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var address string
			if len(args) == 1 {
				address = args[0]
			}
			return runHistory(cmd.Context(), cmd.OutOrStdout(), address, limit, latest)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (default from config, server caps at 100)")
	cmd.Flags().BoolVar(&latest, "latest", false, "print the full latest report for the address")

	return cmd
}

func runHistory(ctx context.Context, out io.Writer, address string, limit int, latest bool) error {
	if address != "" {
		if err := validation.ValidateAddress(address); err != nil {
			return err
		}
	}
	if limit <= 0 {
		if cfg := loadProjectConfigSilent(); cfg != nil {
			limit = cfg.HistoryLimit
		}
	}

	c := client.New(getServer(), getAPIKey())

	if latest {
		if address == "" {
			return fmt.Errorf("--latest needs an address")
		}
		a, err := c.LatestAnalysis(ctx, address)
		if err != nil {
			return fmt.Errorf("fetching latest analysis: %w", err)
		}
		printReport(out, a)
		return nil
	}

	resp, err := c.ListAnalyses(ctx, address, limit)
	if err != nil {
		return fmt.Errorf("listing analyses: %w", err)
	}

	if len(resp.Data) == 0 {
		fmt.Fprintln(out, "No analyses found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tADDRESS\tCONTRACT\tSOLC\tMODE\tSTATUS\tH/M/L/I")
	for _, a := range resp.Data {
		s := a.Summary
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d/%d/%d\n",
			a.CreatedAt, truncateAddress(a.Address), a.ContractName, a.CompilerVersion,
			a.Mode, a.Status, s.High, s.Medium, s.Low, s.Info)
	}
	return w.Flush()
}
