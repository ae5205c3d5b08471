package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(url string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	-- Analyses
	CREATE TABLE IF NOT EXISTS analyses (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		address TEXT NOT NULL,
		contract_name TEXT NOT NULL,
		compiler_version TEXT,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		total_issues INTEGER NOT NULL DEFAULT 0,
		high INTEGER NOT NULL DEFAULT 0,
		medium INTEGER NOT NULL DEFAULT 0,
		low INTEGER NOT NULL DEFAULT 0,
		info INTEGER NOT NULL DEFAULT 0,
		report JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		last_used_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_analyses_address ON analyses(address, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_analyses_created_at ON analyses(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("database migrations complete")
	return nil
}

// SaveAnalysis stores an analysis and assigns its ID
func (s *PostgresStore) SaveAnalysis(ctx context.Context, a *Analysis) error {
	ts, err := createdAt(a.CreatedAt)
	if err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = generateID()
	}
	a.CreatedAt = ts.Format(time.RFC3339)

	query := `
		INSERT INTO analyses (id, address, contract_name, compiler_version, mode, status,
			total_issues, high, medium, low, info, report, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.Address, a.ContractName, a.CompilerVersion, a.Mode, a.Status,
		a.TotalIssues, a.High, a.Medium, a.Low, a.Info, string(a.Report), ts,
	)
	return err
}

// GetLatestAnalysis returns the newest analysis for address
func (s *PostgresStore) GetLatestAnalysis(ctx context.Context, address string) (*Analysis, error) {
	query := `
		SELECT id, address, contract_name, compiler_version, mode, status,
			total_issues, high, medium, low, info, report, created_at
		FROM analyses
		WHERE address = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var a Analysis
	var version sql.NullString
	var report string
	var created time.Time
	err := s.db.QueryRowContext(ctx, query, address).Scan(
		&a.ID, &a.Address, &a.ContractName, &version, &a.Mode, &a.Status,
		&a.TotalIssues, &a.High, &a.Medium, &a.Low, &a.Info, &report, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CompilerVersion = version.String
	a.Report = []byte(report)
	a.CreatedAt = created.UTC().Format(time.RFC3339)
	return &a, nil
}

// ListAnalyses lists analyses newest first, without their reports
func (s *PostgresStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]Analysis, error) {
	query := `
		SELECT id, address, contract_name, compiler_version, mode, status,
			total_issues, high, medium, low, info, created_at
		FROM analyses
	`
	var args []any
	if filter.Address != "" {
		args = append(args, filter.Address)
		query += fmt.Sprintf(" WHERE address = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []Analysis{}
	for rows.Next() {
		var a Analysis
		var version sql.NullString
		var created time.Time
		if err := rows.Scan(
			&a.ID, &a.Address, &a.ContractName, &version, &a.Mode, &a.Status,
			&a.TotalIssues, &a.High, &a.Medium, &a.Low, &a.Info, &created,
		); err != nil {
			return nil, err
		}
		a.CompilerVersion = version.String
		a.CreatedAt = created.UTC().Format(time.RFC3339)
		list = append(list, a)
	}
	return list, rows.Err()
}

// DeleteAnalysesBefore removes analyses created before the given time
func (s *PostgresStore) DeleteAnalysesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM analyses WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateAPIKey creates a new API key
func (s *PostgresStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	key := generateAPIKey()
	hash := hashAPIKey(key)
	id := generateID()
	_, err := s.db.ExecContext(ctx, "INSERT INTO api_keys (id, key_hash, name) VALUES ($1, $2, $3)", id, hash, name)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates an API key
func (s *PostgresStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	hash := hashAPIKey(key)
	var ak APIKey
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, "SELECT id, key_hash, name, created_at FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL", hash).Scan(
		&ak.ID, &ak.KeyHash, &ak.Name, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ak.CreatedAt = createdAt.Format("2006-01-02 15:04:05")
	// Update last used
	_, _ = s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = NOW() WHERE id = $1", ak.ID)
	return &ak, nil
}

// ListAPIKeys lists all API keys
func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at, last_used_at FROM api_keys WHERE revoked_at IS NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var createdAt time.Time
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &createdAt, &lastUsed); err != nil {
			return nil, err
		}
		k.CreatedAt = createdAt.Format("2006-01-02 15:04:05")
		if lastUsed.Valid {
			k.LastUsedAt = lastUsed.Time.Format("2006-01-02 15:04:05")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes an API key
func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
