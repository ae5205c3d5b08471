package flatten

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pendergraft/contrascan/internal/observability/metrics"
	"github.com/pendergraft/contrascan/internal/toolexec"
)

// Kind tags an Outcome.
type Kind int

const (
	// KindFlattened means Source holds a single compilation unit.
	KindFlattened Kind = iota
	// KindSkip means flattening cannot work for this contract and the main
	// file should be analyzed as is.
	KindSkip
	// KindFailed means every strategy was exhausted.
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindFlattened:
		return "flattened"
	case KindSkip:
		return "skip"
	default:
		return "failed"
	}
}

// Strategies, as reported in Outcome.Strategy.
const (
	StrategySelfContained = "self-contained"
	StrategyHardhat       = "hardhat"
	StrategyHardhatRetry  = "hardhat-retry"
	StrategySolMerger     = "sol-merger"
)

// Outcome is the result of Flatten.
type Outcome struct {
	Kind     Kind
	Strategy string

	// Source is the flattened text, set for KindFlattened.
	Source string
	// Reason explains a KindSkip.
	Reason string
	// Cause is the last diagnostic of a KindFailed.
	Cause string
}

// Config names the commands and bounds used while flattening.
type Config struct {
	NPXCommand     string // npx
	NPMCommand     string // npm
	Dir            string // directory holding hardhat.config and node_modules
	Timeout        time.Duration
	InstallTimeout time.Duration
	// ShortCircuit returns self-contained sources without running any tool.
	ShortCircuit bool
}

// Options describe the file being flattened.
type Options struct {
	// SelfContained is set when the main file is the whole contract and has
	// no import directive.
	SelfContained bool
}

// Flattener runs the flatten strategies in order:
//
//  1. hardhat flatten
//  2. on missing libraries, npm install them and retry hardhat once
//  3. on cyclic imports, sol-merger
//  4. on cyclic imports that sol-merger could not handle, skip flattening
//
// Anything else is a failure carrying hardhat's original stderr.
type Flattener struct {
	runner toolexec.Runner
	cfg    Config
	logger *slog.Logger

	// installMu serializes npm installs, which share node_modules.
	installMu sync.Mutex
}

// New creates a flattener.
func New(runner toolexec.Runner, cfg Config, logger *slog.Logger) *Flattener {
	if cfg.NPXCommand == "" {
		cfg.NPXCommand = "npx"
	}
	if cfg.NPMCommand == "" {
		cfg.NPMCommand = "npm"
	}
	return &Flattener{runner: runner, cfg: cfg, logger: logger}
}

// Flatten produces a single compilation unit for mainFile. The error is
// reserved for tools that could not be run at all, timed out, or were
// cancelled; tool failures are reported through the Outcome.
func (f *Flattener) Flatten(ctx context.Context, mainFile string, opts Options) (Outcome, error) {
	out, err := f.flatten(ctx, mainFile, opts)
	if err != nil {
		metrics.FlattenOutcome(StrategyHardhat, "error")
		return out, err
	}
	metrics.FlattenOutcome(out.Strategy, out.Kind.String())
	return out, nil
}

func (f *Flattener) flatten(ctx context.Context, mainFile string, opts Options) (Outcome, error) {
	if opts.SelfContained && f.cfg.ShortCircuit {
		data, err := os.ReadFile(mainFile)
		if err != nil {
			return Outcome{}, fmt.Errorf("reading %s: %w", mainFile, err)
		}
		f.logger.Debug("source is self-contained, skipping flatten tools", "file", mainFile)
		return Outcome{Kind: KindFlattened, Strategy: StrategySelfContained, Source: string(data)}, nil
	}

	res, err := f.hardhat(ctx, mainFile)
	if err != nil {
		return Outcome{}, err
	}
	if flattened(res) {
		return Outcome{Kind: KindFlattened, Strategy: StrategyHardhat, Source: res.Stdout}, nil
	}

	stderr := res.Stderr
	diag := Classify(stderr)
	f.logger.Debug("hardhat flatten failed",
		"file", mainFile,
		"exit_code", res.ExitCode,
		"missing_library", diag.MissingLibrary,
		"cyclic", diag.Cyclic,
	)

	if diag.MissingLibrary && len(diag.Libraries) > 0 {
		f.logger.Info("installing missing libraries", "libraries", diag.Libraries)
		if f.installAll(ctx, diag.Libraries) {
			retry, err := f.hardhat(ctx, mainFile)
			if err != nil {
				return Outcome{}, err
			}
			if flattened(retry) {
				return Outcome{Kind: KindFlattened, Strategy: StrategyHardhatRetry, Source: retry.Stdout}, nil
			}
			f.logger.Info("hardhat flatten still failing after installs", "exit_code", retry.ExitCode)
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
	}

	// The cycle check uses the first diagnostic, not the retry's.
	if diag.Cyclic {
		f.logger.Info("cyclic imports detected, trying sol-merger", "file", mainFile)
		if f.ensureSolMerger(ctx) {
			if src, ok := f.solMerger(ctx, mainFile); ok {
				return Outcome{Kind: KindFlattened, Strategy: StrategySolMerger, Source: src}, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		f.logger.Info("skipping flatten, main file will be analyzed directly", "file", mainFile)
		return Outcome{
			Kind:     KindSkip,
			Strategy: StrategySolMerger,
			Reason:   "cyclic dependencies could not be flattened",
		}, nil
	}

	return Outcome{Kind: KindFailed, Strategy: StrategyHardhat, Cause: strings.TrimSpace(stderr)}, nil
}

func flattened(res *toolexec.Result) bool {
	return res.OK() && strings.TrimSpace(res.Stdout) != ""
}

func (f *Flattener) hardhat(ctx context.Context, mainFile string) (*toolexec.Result, error) {
	res, err := f.runner.Run(ctx, toolexec.Command{
		Name:    f.cfg.NPXCommand,
		Args:    []string{"hardhat", "flatten", mainFile},
		Dir:     f.cfg.Dir,
		Timeout: f.cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("hardhat flatten: %w", err)
	}
	return res, nil
}

// installAll installs each library in turn and stops at the first failure.
func (f *Flattener) installAll(ctx context.Context, libs []string) bool {
	f.installMu.Lock()
	defer f.installMu.Unlock()

	for _, lib := range libs {
		if !f.npmInstall(ctx, lib) {
			return false
		}
	}
	return true
}

func (f *Flattener) npmInstall(ctx context.Context, pkg string) bool {
	res, err := f.runner.Run(ctx, toolexec.Command{
		Name:    f.cfg.NPMCommand,
		Args:    []string{"install", pkg},
		Dir:     f.cfg.Dir,
		Timeout: f.cfg.InstallTimeout,
	})
	if err != nil {
		f.logger.Warn("npm install failed", "package", pkg, "error", err)
		return false
	}
	if !res.OK() {
		f.logger.Warn("npm install failed", "package", pkg, "exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
		return false
	}
	f.logger.Info("installed package", "package", pkg)
	return true
}

// ensureSolMerger reports whether sol-merger is runnable, installing it if needed.
func (f *Flattener) ensureSolMerger(ctx context.Context) bool {
	f.installMu.Lock()
	defer f.installMu.Unlock()

	res, err := f.runner.Run(ctx, toolexec.Command{
		Name:    f.cfg.NPXCommand,
		Args:    []string{"sol-merger", "--version"},
		Dir:     f.cfg.Dir,
		Timeout: f.cfg.Timeout,
	})
	if err == nil && res.OK() {
		return true
	}
	f.logger.Info("installing sol-merger")
	return f.npmInstall(ctx, "sol-merger")
}

func (f *Flattener) solMerger(ctx context.Context, mainFile string) (string, bool) {
	res, err := f.runner.Run(ctx, toolexec.Command{
		Name:    f.cfg.NPXCommand,
		Args:    []string{"sol-merger", mainFile, "--export-plugin", "Flattened"},
		Dir:     f.cfg.Dir,
		Timeout: f.cfg.Timeout,
	})
	if err != nil {
		f.logger.Warn("sol-merger failed", "error", err)
		return "", false
	}
	if !flattened(res) {
		f.logger.Warn("sol-merger failed", "exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
		return "", false
	}
	return res.Stdout, true
}
