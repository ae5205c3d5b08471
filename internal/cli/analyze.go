package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pendergraft/contrascan/internal/validation"
	"github.com/pendergraft/contrascan/pkg/client"
)

// ThresholdError is returned when a report has issues at or above the
// --fail-on severity.
type ThresholdError struct {
	Severity string
	Summary  client.Summary
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("found issues at or above %s severity (high %d, medium %d, low %d, info %d)",
		e.Severity, e.Summary.High, e.Summary.Medium, e.Summary.Low, e.Summary.Info)
}

func createAnalyzeCmd() *cobra.Command {
	var jsonOut bool
	var failOn string

	cmd := &cobra.Command{
		Use:   "analyze <address>",
		Short: "Analyze a verified contract",
		Long: `Submit a contract address for analysis and print the report.

A full analysis can take several minutes. Reports the server already holds
are returned immediately.

EXAMPLES:
  # Analyze USDT
  contrascan analyze 0xdAC17F958D2ee523a2206206994597C13D831ec7

  # Machine-readable output
  contrascan analyze 0xdAC17F958D2ee523a2206206994597C13D831ec7 --json

  # Fail a CI job on any medium or high issue
  contrascan analyze 0xdAC17F958D2ee523a2206206994597C13D831ec7 --fail-on medium
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd.Context(), cmd.OutOrStdout(), args[0], jsonOut, failOn)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw JSON response")
	cmd.Flags().StringVar(&failOn, "fail-on", "", "exit non-zero on issues at or above this severity (high, medium, low, info)")

	return cmd
}

func runAnalyze(ctx context.Context, out io.Writer, address string, jsonOut bool, failOn string) error {
	if err := validation.ValidateAddress(address); err != nil {
		return err
	}
	if failOn == "" {
		if cfg := loadProjectConfigSilent(); cfg != nil {
			failOn = cfg.FailOn
		}
	}
	if err := validateFailOn(failOn); err != nil {
		return err
	}

	c := client.New(getServer(), getAPIKey())

	stop := startSpinner(os.Stderr, "Analyzing "+truncateAddress(address), !jsonOut && term.IsTerminal(int(os.Stderr.Fd())))
	a, err := c.Analyze(ctx, address)
	stop()
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(a); err != nil {
			return err
		}
	} else {
		printReport(out, a)
	}

	if a.Report != nil && exceedsThreshold(a.Report.Summary, failOn) {
		return &ThresholdError{Severity: failOn, Summary: a.Report.Summary}
	}
	return nil
}

// startSpinner shows an indeterminate spinner on w until the returned
// function is called.
func startSpinner(w io.Writer, description string, enabled bool) func() {
	if !enabled {
		return func() {}
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bar.Add(1)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		bar.Finish()
	}
}
