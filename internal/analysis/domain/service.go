package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pendergraft/contrascan/internal/chains/evm/flatten"
	"github.com/pendergraft/contrascan/internal/chains/evm/mythril"
	"github.com/pendergraft/contrascan/internal/chains/evm/solc"
	"github.com/pendergraft/contrascan/internal/chains/evm/source"
	"github.com/pendergraft/contrascan/internal/explorer"
	"github.com/pendergraft/contrascan/internal/observability/metrics"
	"github.com/pendergraft/contrascan/internal/storage"
	"github.com/pendergraft/contrascan/internal/toolexec"
	"github.com/pendergraft/contrascan/internal/workspace"
)

// SourceFetcher retrieves verified contract sources.
type SourceFetcher interface {
	GetSourceCode(ctx context.Context, address string) (*explorer.SourceCode, error)
}

// Flattener turns a main file into a single compilation unit.
type Flattener interface {
	Flatten(ctx context.Context, mainFile string, opts flatten.Options) (flatten.Outcome, error)
}

// Toolchain activates a compiler version for the duration of fn.
type Toolchain interface {
	Use(ctx context.Context, version string, fn func(ctx context.Context) error) error
}

// Analyzer runs the static analyzer.
type Analyzer interface {
	AnalyzeFile(ctx context.Context, path, version string) (*mythril.Output, error)
	AnalyzeDirect(ctx context.Context, path string) (*mythril.Output, error)
}

// AnalysisStore defines the storage operations needed by the analysis domain.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, a *storage.Analysis) error
	GetLatestAnalysis(ctx context.Context, address string) (*storage.Analysis, error)
	ListAnalyses(ctx context.Context, filter storage.AnalysisFilter) ([]storage.Analysis, error)
}

// Deps are the collaborators of the analysis service. Store may be nil.
type Deps struct {
	Explorer   SourceFetcher
	Workspaces *workspace.Manager
	Flattener  Flattener
	Toolchain  Toolchain
	Analyzer   Analyzer
	Store      AnalysisStore
}

// Options tune the analysis service.
type Options struct {
	// CacheTTL is how long a stored report is served instead of running a
	// new analysis. Zero disables the cache.
	CacheTTL time.Duration

	// RunTimeout bounds one shared pipeline run. Runs are detached from the
	// callers that started them, so this is their only deadline. Zero
	// leaves runs unbounded apart from the per-tool timeouts.
	RunTimeout time.Duration
}

// History limits.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

type service struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	group  singleflight.Group
}

// NewService creates a new analysis service.
func NewService(deps Deps, opts Options, logger *slog.Logger) *service {
	return &service{
		deps:   deps,
		opts:   opts,
		logger: logger,
	}
}

// Analyze runs the full pipeline for address: fetch, normalize, flatten,
// resolve the compiler, analyze and format. Concurrent calls for the same
// address share one run.
func (s *service) Analyze(ctx context.Context, address string) (*Analysis, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	if cached := s.cached(ctx, addr); cached != nil {
		metrics.AnalysisRequest("cached", cached.Report.Status)
		return cached, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The run outlives any single caller: a caller that goes away stops
	// waiting, but the callers that joined it still get the result.
	ch := s.group.DoChan(addr.Key(), func() (any, error) {
		runCtx := context.WithoutCancel(ctx)
		if s.opts.RunTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, s.opts.RunTimeout)
			defer cancel()
		}
		return s.run(runCtx, addr)
	})

	select {
	case <-ctx.Done():
		s.logger.Debug("caller stopped waiting for analysis", "address", addr.String(), "error", ctx.Err())
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("joined in-flight analysis", "address", addr.String())
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Analysis), nil
	}
}

// Latest returns the most recent stored analysis for address.
func (s *service) Latest(ctx context.Context, address string) (*Analysis, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if s.deps.Store == nil {
		return nil, ErrNotFound
	}

	rec, err := s.deps.Store.GetLatestAnalysis(ctx, addr.Key())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading analysis: %w", err)
	}
	return fromRecord(rec, true)
}

// History lists stored analyses, newest first. An empty address lists
// analyses of every contract. Reports carry only their summary.
func (s *service) History(ctx context.Context, address string, limit int) ([]Analysis, error) {
	var key string
	if address != "" {
		addr, err := ParseAddress(address)
		if err != nil {
			return nil, err
		}
		key = addr.Key()
	}
	if s.deps.Store == nil {
		return []Analysis{}, nil
	}

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	recs, err := s.deps.Store.ListAnalyses(ctx, storage.AnalysisFilter{Address: key, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listing analyses: %w", err)
	}

	out := make([]Analysis, 0, len(recs))
	for i := range recs {
		a, err := fromRecord(&recs[i], false)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// cached returns a fresh stored report, or nil.
func (s *service) cached(ctx context.Context, addr ContractAddress) *Analysis {
	if s.deps.Store == nil || s.opts.CacheTTL <= 0 {
		return nil
	}

	rec, err := s.deps.Store.GetLatestAnalysis(ctx, addr.Key())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("report cache lookup failed", "address", addr.String(), "error", err)
		}
		metrics.AnalysisCache("miss")
		return nil
	}

	a, err := fromRecord(rec, true)
	if err != nil || a.Report.Status != StatusOK || time.Since(a.CreatedAt) > s.opts.CacheTTL {
		metrics.AnalysisCache("miss")
		return nil
	}
	metrics.AnalysisCache("hit")
	a.Cached = true
	return a
}

func (s *service) run(ctx context.Context, addr ContractAddress) (*Analysis, error) {
	ws := s.deps.Workspaces.New()
	defer func() { _ = ws.Cleanup() }()

	log := s.logger.With("address", addr.String(), "workspace", ws.ID())

	src, err := s.deps.Explorer.GetSourceCode(ctx, addr.Key())
	if err != nil {
		if errors.Is(err, explorer.ErrNoSource) {
			return nil, fmt.Errorf("%w: %v", ErrFetch, err)
		}
		return nil, fmt.Errorf("fetching source: %w", err)
	}

	bundle, err := source.ParseBundle(src.ContractName, src.SourceCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	log.Debug("source fetched", "contract", bundle.ContractName, "kind", bundle.Kind.String(), "files", len(bundle.Files))

	mainFile, err := source.Materialize(bundle, ws.Sources())
	if err != nil {
		if errors.Is(err, source.ErrParse) {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return nil, fmt.Errorf("materializing source: %w", err)
	}
	if err := source.NormalizeImports(mainFile); err != nil {
		return nil, fmt.Errorf("normalizing imports: %w", err)
	}

	outcome, err := s.deps.Flattener.Flatten(ctx, mainFile, flatten.Options{SelfContained: bundle.SelfContained()})
	if err != nil {
		if errors.Is(err, toolexec.ErrTimeout) {
			return nil, fmt.Errorf("%w: %w: %w", ErrTimeout, ErrFlatten, err)
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrFlatten, err)
	}
	log.Debug("flatten finished", "outcome", outcome.Kind.String(), "strategy", outcome.Strategy)

	result := &Analysis{
		Address:      addr,
		ContractName: bundle.ContractName,
	}

	var raw *mythril.Output
	switch outcome.Kind {
	case flatten.KindFlattened:
		if err := os.WriteFile(ws.Artifact(), []byte(outcome.Source), 0o644); err != nil {
			return nil, fmt.Errorf("writing flattened source: %w", err)
		}
		version, err := solc.ExtractVersion(outcome.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrVersionNotFound, err)
		}
		log.Debug("compiler resolved", "version", version)

		result.Mode = ModeFlattened
		result.CompilerVersion = version
		err = s.deps.Toolchain.Use(ctx, version, func(ctx context.Context) error {
			var err error
			raw, err = s.deps.Analyzer.AnalyzeFile(ctx, ws.Artifact(), version)
			return err
		})
		if err != nil {
			metrics.AnalysisRequest(string(ModeFlattened), "error")
			return nil, toolError(err)
		}

	case flatten.KindSkip:
		log.Info("analyzing main file directly", "reason", outcome.Reason)
		code, err := os.ReadFile(mainFile)
		if err != nil {
			return nil, fmt.Errorf("reading main file: %w", err)
		}
		// Without a pragma the analyzer runs with whatever compiler is active.
		version, err := solc.ExtractVersion(string(code))
		if err != nil {
			if !errors.Is(err, solc.ErrVersionNotFound) {
				log.Warn("resolving compiler for direct analysis", "error", err)
			} else {
				log.Debug("no pragma in main file, keeping active compiler")
			}
		}

		result.Mode = ModeDirect
		result.CompilerVersion = version
		err = s.deps.Toolchain.Use(ctx, version, func(ctx context.Context) error {
			var err error
			raw, err = s.deps.Analyzer.AnalyzeDirect(ctx, mainFile)
			return err
		})
		if err != nil {
			metrics.AnalysisRequest(string(ModeDirect), "error")
			return nil, toolError(err)
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrFlatten, outcome.Cause)
	}

	result.Report = FormatReport(raw)
	result.CreatedAt = time.Now().UTC()
	metrics.AnalysisRequest(string(result.Mode), result.Report.Status)

	s.save(ctx, result)
	return result, nil
}

// save records the analysis. Storage failures never fail the request.
func (s *service) save(ctx context.Context, a *Analysis) {
	if s.deps.Store == nil {
		return
	}
	rec, err := toRecord(a)
	if err == nil {
		err = s.deps.Store.SaveAnalysis(ctx, rec)
	}
	if err != nil {
		s.logger.Warn("saving analysis", "address", a.Address.String(), "error", err)
		return
	}
	a.ID = rec.ID
}

func toRecord(a *Analysis) (*storage.Analysis, error) {
	report, err := json.Marshal(a.Report)
	if err != nil {
		return nil, err
	}
	return &storage.Analysis{
		Address:         a.Address.Key(),
		ContractName:    a.ContractName,
		CompilerVersion: a.CompilerVersion,
		Mode:            string(a.Mode),
		Status:          a.Report.Status,
		TotalIssues:     a.Report.Summary.TotalIssues,
		High:            a.Report.Summary.High,
		Medium:          a.Report.Summary.Medium,
		Low:             a.Report.Summary.Low,
		Info:            a.Report.Summary.Info,
		Report:          report,
		CreatedAt:       a.CreatedAt.Format(time.RFC3339),
	}, nil
}

func fromRecord(rec *storage.Analysis, withIssues bool) (*Analysis, error) {
	addr, err := ParseAddress(rec.Address)
	if err != nil {
		return nil, fmt.Errorf("stored analysis %s: %w", rec.ID, err)
	}

	a := &Analysis{
		ID:              rec.ID,
		Address:         addr,
		ContractName:    rec.ContractName,
		CompilerVersion: rec.CompilerVersion,
		Mode:            Mode(rec.Mode),
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, rec.CreatedAt)

	if withIssues && len(rec.Report) > 0 {
		var r Report
		if err := json.Unmarshal(rec.Report, &r); err != nil {
			return nil, fmt.Errorf("decoding stored report %s: %w", rec.ID, err)
		}
		a.Report = &r
		return a, nil
	}

	a.Report = &Report{
		Summary: Summary{
			TotalIssues: rec.TotalIssues,
			High:        rec.High,
			Medium:      rec.Medium,
			Low:         rec.Low,
			Info:        rec.Info,
		},
		Status: rec.Status,
	}
	return a, nil
}
