package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/pendergraft/contrascan/pkg/client"
)

// severityRank orders the thresholds accepted by --fail-on.
var severityRank = map[string]int{
	"info":   1,
	"low":    2,
	"medium": 3,
	"high":   4,
}

func severityColor(severity string) *color.Color {
	switch strings.ToLower(severity) {
	case "high":
		return color.New(color.FgRed, color.Bold)
	case "medium":
		return color.New(color.FgYellow)
	case "low":
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}

// printReport renders an analysis for humans.
func printReport(w io.Writer, a *client.Analysis) {
	name := a.ContractName
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(w, "%s  %s\n", color.New(color.Bold).Sprint(name), a.Address)

	meta := []string{"mode: " + a.Mode}
	if a.CompilerVersion != "" {
		meta = append(meta, "solc: "+a.CompilerVersion)
	}
	if a.Cached {
		meta = append(meta, "cached: "+a.CreatedAt)
	}
	fmt.Fprintf(w, "  %s\n\n", strings.Join(meta, "  "))

	r := a.Report
	if r == nil {
		color.New(color.FgRed).Fprintln(w, "[-] No report returned")
		return
	}
	if r.Status != "ok" {
		color.New(color.FgRed).Fprintf(w, "[-] Analysis failed: %s\n", r.Message)
		return
	}

	s := r.Summary
	fmt.Fprintf(w, "Issues: %d  (%s  %s  %s  %s)\n",
		s.TotalIssues,
		severityColor("high").Sprintf("high %d", s.High),
		severityColor("medium").Sprintf("medium %d", s.Medium),
		severityColor("low").Sprintf("low %d", s.Low),
		severityColor("info").Sprintf("info %d", s.Info),
	)

	if len(r.Issues) == 0 {
		color.New(color.FgGreen).Fprintln(w, "\n[+] No issues found")
		return
	}

	for _, issue := range r.Issues {
		fmt.Fprintln(w)
		severityColor(issue.Severity).Fprintf(w, "[%s] ", issue.Severity)
		fmt.Fprintf(w, "%s", issue.Title)
		if issue.SWCID != "" {
			fmt.Fprintf(w, " (SWC-%s)", issue.SWCID)
		}
		fmt.Fprintln(w)

		location := issue.Contract
		if issue.Function != "" {
			location += "." + issue.Function
		}
		if issue.LineNo > 0 {
			location += fmt.Sprintf(" line %d", issue.LineNo)
		}
		if location != "" {
			fmt.Fprintf(w, "  at %s\n", location)
		}
		if issue.Code != "" {
			fmt.Fprintf(w, "  > %s\n", issue.Code)
		}
		if issue.Description != "" {
			fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(strings.TrimSpace(issue.Description), "\n", "\n  "))
		}
	}
}

// exceedsThreshold reports whether the summary has an issue at or above
// failOn. An empty failOn never fails.
func exceedsThreshold(s client.Summary, failOn string) bool {
	rank, ok := severityRank[failOn]
	if !ok {
		return false
	}
	counts := map[string]int{"high": s.High, "medium": s.Medium, "low": s.Low, "info": s.Info}
	for sev, n := range counts {
		if n > 0 && severityRank[sev] >= rank {
			return true
		}
	}
	return false
}

func validateFailOn(failOn string) error {
	if failOn == "" {
		return nil
	}
	if _, ok := severityRank[failOn]; !ok {
		return fmt.Errorf("invalid --fail-on %q: must be one of high, medium, low, info", failOn)
	}
	return nil
}

func truncateAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
