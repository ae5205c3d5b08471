package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	analysisTransport "github.com/pendergraft/contrascan/internal/analysis/transport"
	"github.com/pendergraft/contrascan/internal/config"
	"github.com/pendergraft/contrascan/internal/observability/metrics"
	"github.com/pendergraft/contrascan/internal/server"
	"github.com/pendergraft/contrascan/internal/storage"
	"github.com/pendergraft/contrascan/internal/toolexec"
	"github.com/pendergraft/contrascan/internal/workspace"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "contrascan-server",
		Short:   "Contrascan server - smart contract vulnerability analysis",
		Version: version,
	}

	// Default behavior (no subcommand) is to serve
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe()
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newKeysCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <address>",
		Short: "Run one analysis in-process and print the result",
		Long: `Run the full pipeline for one contract without starting the server.

Useful for checking that hardhat, solc-select and myth are installed and
reachable from TOOLS_WORKDIR. The JSON printed is the same body POST /analyze
returns.

EXAMPLES:
  contrascan-server analyze 0xdAC17F958D2ee523a2206206994597C13D831ec7
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd.Context(), args[0])
		},
	}
}

func newSweepCmd() *cobra.Command {
	var maxAge time.Duration
	var historyAge time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove orphaned workspaces and, optionally, old history",
		Long: `Remove per-request workspaces left behind by a process that died
mid-analysis. The server also sweeps once at startup.

EXAMPLES:
  # Remove workspaces older than WORKSPACE_MAX_AGE
  contrascan-server sweep

  # Also delete stored reports older than 30 days
  contrascan-server sweep --history 720h
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), maxAge, historyAge)
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "workspace age to sweep (default: WORKSPACE_MAX_AGE)")
	cmd.Flags().DurationVar(&historyAge, "history", 0, "also delete stored reports older than this")

	return cmd
}

// Maintenance commands

func runSweep(ctx context.Context, maxAge, historyAge time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg)

	if maxAge <= 0 {
		maxAge = cfg.Workspace.MaxAge
	}
	workspaces, err := workspace.NewManager(cfg.Workspace.Root, logger)
	if err != nil {
		return fmt.Errorf("opening workspace root: %w", err)
	}
	removed, err := workspaces.Sweep(maxAge)
	if err != nil {
		return fmt.Errorf("sweeping workspaces: %w", err)
	}
	fmt.Printf("Removed %d workspace(s) older than %s\n", removed, maxAge)

	if historyAge <= 0 {
		return nil
	}
	if !cfg.Storage.Enabled() {
		return errors.New("--history needs a storage backend")
	}
	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	deleted, err := store.DeleteAnalysesBefore(ctx, time.Now().Add(-historyAge))
	if err != nil {
		return fmt.Errorf("pruning history: %w", err)
	}
	fmt.Printf("Deleted %d stored report(s) older than %s\n", deleted, historyAge)
	return nil
}

func runAnalyze(ctx context.Context, address string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Explorer.APIKey == "" {
		return errors.New("ETHERSCAN_API_KEY not set")
	}

	// Logs go to stderr so stdout stays pipeable JSON
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}))

	pipeline, err := server.NewPipeline(cfg, nil, newRunner(), logger)
	if err != nil {
		return err
	}

	a, err := pipeline.Service.Analyze(ctx, address)
	if err != nil {
		_, code := analysisTransport.StatusFor(err)
		return fmt.Errorf("%s: %w", code, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(analysisTransport.FromDomain(a))
}

// Server command

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := setupLogger(cfg)
	logger.Info("starting contrascan-server", "version", version)

	metrics.Init(cfg.Metrics.Enabled, cfg.Metrics.ServiceName)

	// Storage is optional; without it history and the report cache are off
	var store storage.Store
	if cfg.Storage.Enabled() {
		store, err = storage.New(cfg.Storage, logger)
		if err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		defer store.Close()

		if err := store.Migrate(context.Background()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	} else {
		logger.Info("storage disabled, analysis history off")
	}

	pipeline, err := server.NewPipeline(cfg, store, newRunner(), logger)
	if err != nil {
		return err
	}

	if removed, err := pipeline.Workspaces.Sweep(cfg.Workspace.MaxAge); err != nil {
		logger.Warn("sweeping workspaces", "error", err)
	} else if removed > 0 {
		logger.Info("swept orphaned workspaces", "removed", removed)
	}

	srv := server.New(cfg, store, pipeline.Service, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig)
	}

	// In-flight analyses can run for minutes; give them the request timeout
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	d := time.Duration(cfg.Server.RequestTimeout) * time.Second
	if d < 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// newRunner returns the os/exec runner with tool metrics attached.
func newRunner() *toolexec.ExecRunner {
	r := toolexec.NewExecRunner()
	r.Observe = func(cmd toolexec.Command, res *toolexec.Result, err error) {
		var d time.Duration
		if res != nil {
			d = res.Duration
		}
		metrics.ToolInvocation(toolLabel(cmd), resultLabel(res, err), d)
	}
	return r
}

// toolLabel names the tool behind cmd. npx invocations are labelled by the
// package they run.
func toolLabel(cmd toolexec.Command) string {
	name := filepath.Base(cmd.Name)
	if name == "npx" && len(cmd.Args) > 0 {
		return cmd.Args[0]
	}
	return name
}

func resultLabel(res *toolexec.Result, err error) string {
	switch {
	case errors.Is(err, toolexec.ErrTimeout):
		return "timeout"
	case err != nil:
		return "error"
	case res != nil && res.OK():
		return "ok"
	default:
		return "failed"
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
