package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pendergraft/contrascan/internal/config"
)

// AnalysisStore handles analysis history
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, a *Analysis) error
	GetLatestAnalysis(ctx context.Context, address string) (*Analysis, error)
	ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]Analysis, error)
	DeleteAnalysesBefore(ctx context.Context, before time.Time) (int64, error)
}

// APIKeyStore handles API key operations
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (key string, err error)
	ValidateAPIKey(ctx context.Context, key string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// Store combines all storage interfaces with lifecycle methods.
// Domain services define their own minimal interfaces based on their actual usage.
type Store interface {
	AnalysisStore
	APIKeyStore

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}

// Analysis is a stored analysis report
type Analysis struct {
	ID              string
	Address         string // lowercase 0x-prefixed
	ContractName    string
	CompilerVersion string
	Mode            string
	Status          string
	TotalIssues     int
	High            int
	Medium          int
	Low             int
	Info            int
	Report          []byte // JSON; not loaded by ListAnalyses
	CreatedAt       string // RFC 3339
}

// AnalysisFilter contains filter options for listing analyses
type AnalysisFilter struct {
	Address string
	Limit   int
}

// APIKey represents an API key
type APIKey struct {
	ID         string
	Name       string
	KeyHash    string
	CreatedAt  string
	LastUsedAt string
	RevokedAt  string
}

// New creates a new store based on configuration
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
