// Package mythril runs the Mythril symbolic analyzer and decodes its report.
package mythril

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pendergraft/contrascan/internal/toolexec"
)

var (
	// ErrInvalidOutput is returned when no JSON report can be recovered
	// from the analyzer's output.
	ErrInvalidOutput = errors.New("mythril produced invalid JSON")
	// ErrAnalysisFailed is returned when the analyzer reports success=false
	// for a flattened file.
	ErrAnalysisFailed = errors.New("mythril analysis failed")
)

// DefaultNoisePatterns are output lines that are never part of the report.
var DefaultNoisePatterns = []string{"pkg_resources is deprecated"}

// Output is the subset of Mythril's JSON report we consume.
type Output struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
	Issues  []Issue `json:"issues"`
}

// Issue is a single Mythril finding.
type Issue struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Contract    string `json:"contract"`
	Function    string `json:"function"`
	Severity    string `json:"severity"`
	SWCID       string `json:"swc-id"`
	LineNo      int    `json:"lineno"`
	Code        string `json:"code"`
}

// Config controls how myth is invoked.
type Config struct {
	Command       string // myth
	Dir           string
	FileTimeout   time.Duration
	DirectTimeout time.Duration
	NoisePatterns []string
}

// Analyzer invokes myth.
type Analyzer struct {
	runner toolexec.Runner
	cfg    Config
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer. Extra noise patterns in cfg are added to
// DefaultNoisePatterns.
func NewAnalyzer(runner toolexec.Runner, cfg Config, logger *slog.Logger) *Analyzer {
	if cfg.Command == "" {
		cfg.Command = "myth"
	}
	cfg.NoisePatterns = append(append([]string{}, DefaultNoisePatterns...), cfg.NoisePatterns...)
	return &Analyzer{runner: runner, cfg: cfg, logger: logger}
}

// AnalyzeFile analyzes a flattened compilation unit with the given compiler
// version. A report with success=false is an error.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path, version string) (*Output, error) {
	args := []string{"analyze", path, "-o", "json", "-t", "10", "--execution-timeout", "3"}
	if version != "" {
		args = append(args, "--solv", version)
	}

	out, clean, err := a.run(ctx, args, a.cfg.FileTimeout)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisFailed, clean)
	}
	return out, nil
}

// AnalyzeDirect analyzes an unflattened main file with whatever compiler is
// active, using a shallower search. A report with success=false is returned
// as is.
func (a *Analyzer) AnalyzeDirect(ctx context.Context, path string) (*Output, error) {
	args := []string{"analyze", path, "-o", "json", "-t", "5", "--execution-timeout", "3"}

	out, _, err := a.run(ctx, args, a.cfg.DirectTimeout)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Analyzer) run(ctx context.Context, args []string, timeout time.Duration) (*Output, string, error) {
	res, err := a.runner.Run(ctx, toolexec.Command{
		Name:    a.cfg.Command,
		Args:    args,
		Dir:     a.cfg.Dir,
		Env:     []string{"PYTHONWARNINGS=ignore"},
		Timeout: timeout,
	})
	if err != nil {
		return nil, "", fmt.Errorf("myth analyze: %w", err)
	}

	clean := Clean(res.Stdout+"\n"+res.Stderr, a.cfg.NoisePatterns)
	out, err := Parse(clean)
	if err != nil {
		a.logger.Debug("unparseable mythril output", "exit_code", res.ExitCode, "output", clean)
		return nil, clean, err
	}
	a.logger.Debug("mythril finished", "exit_code", res.ExitCode, "success", out.Success, "issues", len(out.Issues))
	return out, clean, nil
}

// Clean drops every line containing one of patterns.
func Clean(output string, patterns []string) string {
	lines := strings.Split(output, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !containsAny(line, patterns) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Parse decodes cleaned analyzer output. When the whole text is not JSON,
// the last line holding a JSON object with a "success" key is used instead.
func Parse(clean string) (*Output, error) {
	var out Output
	if err := json.Unmarshal([]byte(clean), &out); err == nil {
		return &out, nil
	}

	lines := strings.Split(clean, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var probe map[string]json.RawMessage
		if json.Unmarshal([]byte(line), &probe) != nil {
			continue
		}
		if _, ok := probe["success"]; !ok {
			continue
		}
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			continue
		}
		return &out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidOutput, clean)
}
