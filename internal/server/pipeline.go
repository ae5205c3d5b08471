package server

import (
	"fmt"
	"log/slog"
	"time"

	analysisDomain "github.com/pendergraft/contrascan/internal/analysis/domain"
	analysisTransport "github.com/pendergraft/contrascan/internal/analysis/transport"
	"github.com/pendergraft/contrascan/internal/chains/evm/flatten"
	"github.com/pendergraft/contrascan/internal/chains/evm/mythril"
	"github.com/pendergraft/contrascan/internal/chains/evm/solc"
	"github.com/pendergraft/contrascan/internal/config"
	"github.com/pendergraft/contrascan/internal/explorer"
	"github.com/pendergraft/contrascan/internal/storage"
	"github.com/pendergraft/contrascan/internal/toolexec"
	"github.com/pendergraft/contrascan/internal/workspace"
)

// Pipeline is a fully wired analysis service.
type Pipeline struct {
	Service    analysisTransport.Service
	Workspaces *workspace.Manager
}

// NewPipeline wires the analysis service from configuration. store may be
// nil, in which case history and caching are disabled.
func NewPipeline(cfg *config.Config, store storage.Store, runner toolexec.Runner, logger *slog.Logger) (*Pipeline, error) {
	workspaces, err := workspace.NewManager(cfg.Workspace.Root, logger)
	if err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	client := explorer.New(cfg.Explorer.URL, cfg.Explorer.APIKey,
		explorer.WithChainID(cfg.Explorer.ChainID),
		explorer.WithRateLimit(cfg.Explorer.RPS),
		explorer.WithTimeout(cfg.Explorer.Timeout),
	)

	flattener := flatten.New(runner, flatten.Config{
		NPXCommand:     cfg.Tools.NPXCommand,
		NPMCommand:     cfg.Tools.NPMCommand,
		Dir:            cfg.Tools.WorkDir,
		Timeout:        cfg.Tools.FlattenTimeout,
		InstallTimeout: cfg.Tools.InstallTimeout,
		ShortCircuit:   cfg.Tools.FlattenShortCircuit,
	}, logger)

	toolchain := solc.NewToolchain(runner, solc.Config{
		SelectCommand: cfg.Tools.SolcSelectCommand,
		SolcCommand:   cfg.Tools.SolcCommand,
		Dir:           cfg.Tools.WorkDir,
		Timeout:       cfg.Tools.SolcTimeout,
	}, logger)

	analyzer := mythril.NewAnalyzer(runner, mythril.Config{
		Command:       cfg.Tools.MythCommand,
		Dir:           cfg.Tools.WorkDir,
		FileTimeout:   cfg.Tools.MythrilTimeout,
		DirectTimeout: cfg.Tools.MythrilDirectTimeout,
		NoisePatterns: cfg.Tools.NoisePatterns,
	}, logger)

	deps := analysisDomain.Deps{
		Explorer:   client,
		Workspaces: workspaces,
		Flattener:  flattener,
		Toolchain:  toolchain,
		Analyzer:   analyzer,
	}
	// A nil storage.Store must stay a nil interface here.
	if store != nil {
		deps.Store = store
	}

	svc := analysisDomain.NewService(deps, analysisDomain.Options{
		CacheTTL:   cfg.Cache.TTL(),
		RunTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
	}, logger)

	return &Pipeline{
		Service:    analysisDomain.LoggingMiddleware(logger)(svc),
		Workspaces: workspaces,
	}, nil
}
