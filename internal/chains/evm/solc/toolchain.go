package solc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pendergraft/contrascan/internal/observability/metrics"
	"github.com/pendergraft/contrascan/internal/toolexec"
	"github.com/pendergraft/contrascan/internal/validation"
)

// ErrToolchain is returned when the requested compiler cannot be activated.
var ErrToolchain = errors.New("solc toolchain switch failed")

// Config names the commands used to manage the compiler.
type Config struct {
	SelectCommand string // solc-select
	SolcCommand   string // solc
	Dir           string
	Timeout       time.Duration
}

// Toolchain owns the process-wide active compiler. solc-select changes a
// global symlink, so switching and everything that depends on the switched
// compiler must happen in one critical section.
type Toolchain struct {
	runner toolexec.Runner
	cfg    Config
	logger *slog.Logger

	sem *semaphore.Weighted

	mu     sync.Mutex
	active string
}

// NewToolchain creates a toolchain manager.
func NewToolchain(runner toolexec.Runner, cfg Config, logger *slog.Logger) *Toolchain {
	if cfg.SelectCommand == "" {
		cfg.SelectCommand = "solc-select"
	}
	if cfg.SolcCommand == "" {
		cfg.SolcCommand = "solc"
	}
	return &Toolchain{
		runner: runner,
		cfg:    cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(1),
	}
}

// Active returns the version the last successful switch activated.
func (t *Toolchain) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Use activates version and runs fn while holding the toolchain lock. An
// empty version only takes the lock, leaving whatever compiler is active.
func (t *Toolchain) Use(ctx context.Context, version string, fn func(ctx context.Context) error) error {
	if version != "" {
		if err := validation.ValidateCompilerVersion(version); err != nil {
			return fmt.Errorf("%w: %v", ErrToolchain, err)
		}
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for toolchain: %w", err)
	}
	defer t.sem.Release(1)

	if version != "" {
		if err := t.ensure(ctx, version); err != nil {
			return err
		}
	}
	return fn(ctx)
}

// ensure switches to version unless it is already active, retrying once.
func (t *Toolchain) ensure(ctx context.Context, version string) error {
	if t.Active() == version {
		t.logger.Debug("solc already active", "version", version)
		metrics.ToolchainSwitch("cached")
		return nil
	}

	err := t.switchTo(ctx, version)
	if err != nil && ctx.Err() == nil {
		t.logger.Warn("solc switch failed, retrying", "version", version, "error", err)
		err = t.switchTo(ctx, version)
	}
	if err != nil {
		metrics.ToolchainSwitch("error")
		t.mu.Lock()
		t.active = ""
		t.mu.Unlock()
		if errors.Is(err, toolexec.ErrTimeout) {
			return fmt.Errorf("%w: %w", ErrToolchain, err)
		}
		return fmt.Errorf("%w: %v", ErrToolchain, err)
	}

	metrics.ToolchainSwitch("ok")
	t.mu.Lock()
	t.active = version
	t.mu.Unlock()

	if res, err := t.run(ctx, t.cfg.SolcCommand, "--version"); err == nil {
		t.logger.Debug("active solc", "version", version, "output", strings.TrimSpace(res.Stdout))
	}
	return nil
}

func (t *Toolchain) switchTo(ctx context.Context, version string) error {
	for _, sub := range []string{"install", "use"} {
		res, err := t.run(ctx, t.cfg.SelectCommand, sub, version)
		if err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("%s %s %s exited %d: %s",
				t.cfg.SelectCommand, sub, version, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

func (t *Toolchain) run(ctx context.Context, name string, args ...string) (*toolexec.Result, error) {
	return t.runner.Run(ctx, toolexec.Command{
		Name:    name,
		Args:    args,
		Dir:     t.cfg.Dir,
		Timeout: t.cfg.Timeout,
	})
}
