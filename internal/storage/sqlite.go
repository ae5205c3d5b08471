package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Concurrent analyses finish at unpredictable times; wait on the write lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	-- Analyses
	CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
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
		report TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TEXT DEFAULT (datetime('now')),
		last_used_at TEXT,
		revoked_at TEXT
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_analyses_address ON analyses(address, created_at);
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
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, a *Analysis) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.Address, a.ContractName, a.CompilerVersion, a.Mode, a.Status,
		a.TotalIssues, a.High, a.Medium, a.Low, a.Info, string(a.Report), a.CreatedAt,
	)
	return err
}

// GetLatestAnalysis returns the newest analysis for address
func (s *SQLiteStore) GetLatestAnalysis(ctx context.Context, address string) (*Analysis, error) {
	query := `
		SELECT id, address, contract_name, compiler_version, mode, status,
			total_issues, high, medium, low, info, report, created_at
		FROM analyses
		WHERE address = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`
	var a Analysis
	var version sql.NullString
	var report string
	err := s.db.QueryRowContext(ctx, query, address).Scan(
		&a.ID, &a.Address, &a.ContractName, &version, &a.Mode, &a.Status,
		&a.TotalIssues, &a.High, &a.Medium, &a.Low, &a.Info, &report, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CompilerVersion = version.String
	a.Report = []byte(report)
	return &a, nil
}

// ListAnalyses lists analyses newest first, without their reports
func (s *SQLiteStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]Analysis, error) {
	query := `
		SELECT id, address, contract_name, compiler_version, mode, status,
			total_issues, high, medium, low, info, created_at
		FROM analyses
	`
	var args []any
	if filter.Address != "" {
		query += " WHERE address = ?"
		args = append(args, filter.Address)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
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
		if err := rows.Scan(
			&a.ID, &a.Address, &a.ContractName, &version, &a.Mode, &a.Status,
			&a.TotalIssues, &a.High, &a.Medium, &a.Low, &a.Info, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.CompilerVersion = version.String
		list = append(list, a)
	}
	return list, rows.Err()
}

// DeleteAnalysesBefore removes analyses created before the given time
func (s *SQLiteStore) DeleteAnalysesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM analyses WHERE created_at < ?", before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateAPIKey creates a new API key
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	key := generateAPIKey()
	hash := hashAPIKey(key)
	id := generateID()
	_, err := s.db.ExecContext(ctx, "INSERT INTO api_keys (id, key_hash, name, created_at) VALUES (?, ?, ?, datetime('now'))", id, hash, name)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates an API key
func (s *SQLiteStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	hash := hashAPIKey(key)
	var ak APIKey
	err := s.db.QueryRowContext(ctx, "SELECT id, key_hash, name, created_at FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL", hash).Scan(
		&ak.ID, &ak.KeyHash, &ak.Name, &ak.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// Update last used
	_, _ = s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = datetime('now') WHERE id = ?", ak.ID)
	return &ak, nil
}

// ListAPIKeys lists all API keys
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at, last_used_at FROM api_keys WHERE revoked_at IS NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed sql.NullString
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			k.LastUsedAt = lastUsed.String
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes an API key
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE api_keys SET revoked_at = datetime('now') WHERE id = ? AND revoked_at IS NULL", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
