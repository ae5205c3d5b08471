package domain

import (
	"context"
	"log/slog"
	"time"

	"github.com/pendergraft/contrascan/internal/auth"
)

// loggingService is the interface required for logging middleware.
type loggingService interface {
	Analyze(ctx context.Context, address string) (*Analysis, error)
	Latest(ctx context.Context, address string) (*Analysis, error)
	History(ctx context.Context, address string, limit int) ([]Analysis, error)
}

// LoggingMiddleware returns a service middleware that logs all operations.
func LoggingMiddleware(logger *slog.Logger) func(loggingService) *loggingMiddleware {
	return func(next loggingService) *loggingMiddleware {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   loggingService
	logger *slog.Logger
}

func (m *loggingMiddleware) Analyze(ctx context.Context, address string) (*Analysis, error) {
	start := time.Now()
	a, err := m.next.Analyze(ctx, address)
	attrs := []any{
		"address", address,
		"duration", time.Since(start),
	}
	if caller := auth.CallerFromContext(ctx); caller != "" {
		attrs = append(attrs, "caller", caller)
	}
	if a != nil && a.Report != nil {
		attrs = append(attrs,
			"contract", a.ContractName,
			"mode", a.Mode,
			"solc", a.CompilerVersion,
			"status", a.Report.Status,
			"issues", a.Report.Summary.TotalIssues,
			"cached", a.Cached,
		)
	}
	attrs = append(attrs, "error", err)
	m.logger.Info("Analyze", attrs...)
	return a, err
}

func (m *loggingMiddleware) Latest(ctx context.Context, address string) (*Analysis, error) {
	start := time.Now()
	a, err := m.next.Latest(ctx, address)
	m.logger.Debug("Latest",
		"address", address,
		"duration", time.Since(start),
		"error", err,
	)
	return a, err
}

func (m *loggingMiddleware) History(ctx context.Context, address string, limit int) ([]Analysis, error) {
	start := time.Now()
	list, err := m.next.History(ctx, address, limit)
	m.logger.Debug("History",
		"address", address,
		"limit", limit,
		"count", len(list),
		"duration", time.Since(start),
		"error", err,
	)
	return list, err
}
