package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := NewSQLiteStore(dbPath, logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return store
}

const (
	addrA = "0x5a0b54d5dc17e0aadc383d2db43b0a0d3e029c4c"
	addrB = "0xdac17f958d2ee523a2206206994597c13d831ec7"
)

func TestSQLiteStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Migrations are idempotent
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	t.Run("SaveAndGetLatest", func(t *testing.T) {
		older := &Analysis{
			Address:      addrA,
			ContractName: "Token",
			Mode:         "flattened",
			Status:       "ok",
			Report:       []byte(`{"status":"ok","issues":[]}`),
			CreatedAt:    "2026-01-01T00:00:00Z",
		}
		newer := &Analysis{
			Address:         addrA,
			ContractName:    "Token",
			CompilerVersion: "0.8.10",
			Mode:            "direct",
			Status:          "ok",
			TotalIssues:     2,
			High:            1,
			Low:             1,
			Report:          []byte(`{"status":"ok","issues":[{},{}]}`),
			CreatedAt:       "2026-02-01T00:00:00Z",
		}
		for _, a := range []*Analysis{older, newer} {
			if err := store.SaveAnalysis(ctx, a); err != nil {
				t.Fatalf("SaveAnalysis() error = %v", err)
			}
			if a.ID == "" {
				t.Fatal("SaveAnalysis() did not assign an ID")
			}
		}

		got, err := store.GetLatestAnalysis(ctx, addrA)
		if err != nil {
			t.Fatalf("GetLatestAnalysis() error = %v", err)
		}
		if got.ID != newer.ID {
			t.Errorf("GetLatestAnalysis().ID = %v, want %v", got.ID, newer.ID)
		}
		if got.CompilerVersion != "0.8.10" {
			t.Errorf("GetLatestAnalysis().CompilerVersion = %v, want 0.8.10", got.CompilerVersion)
		}
		if got.High != 1 || got.Low != 1 || got.TotalIssues != 2 {
			t.Errorf("GetLatestAnalysis() counts = %d/%d/%d, want 2/1/1", got.TotalIssues, got.High, got.Low)
		}
		if string(got.Report) != string(newer.Report) {
			t.Errorf("GetLatestAnalysis().Report = %s, want %s", got.Report, newer.Report)
		}
		if got.CreatedAt != "2026-02-01T00:00:00Z" {
			t.Errorf("GetLatestAnalysis().CreatedAt = %v", got.CreatedAt)
		}
	})

	t.Run("GetLatestNotFound", func(t *testing.T) {
		_, err := store.GetLatestAnalysis(ctx, addrB)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetLatestAnalysis() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("SaveDefaultsCreatedAt", func(t *testing.T) {
		a := &Analysis{Address: addrB, ContractName: "Tether", Mode: "flattened", Status: "error", Report: []byte(`{}`)}
		if err := store.SaveAnalysis(ctx, a); err != nil {
			t.Fatalf("SaveAnalysis() error = %v", err)
		}
		ts, err := time.Parse(time.RFC3339, a.CreatedAt)
		if err != nil {
			t.Fatalf("CreatedAt %q is not RFC 3339: %v", a.CreatedAt, err)
		}
		if time.Since(ts) > time.Minute {
			t.Errorf("CreatedAt = %v, want about now", ts)
		}
	})

	t.Run("ListAnalyses", func(t *testing.T) {
		all, err := store.ListAnalyses(ctx, AnalysisFilter{})
		if err != nil {
			t.Fatalf("ListAnalyses() error = %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("ListAnalyses() returned %d, want 3", len(all))
		}
		if all[0].Address != addrB {
			t.Errorf("ListAnalyses()[0].Address = %v, want newest first", all[0].Address)
		}
		for _, a := range all {
			if a.Report != nil {
				t.Errorf("ListAnalyses() loaded report for %s", a.ID)
			}
		}

		byAddr, err := store.ListAnalyses(ctx, AnalysisFilter{Address: addrA, Limit: 1})
		if err != nil {
			t.Fatalf("ListAnalyses() error = %v", err)
		}
		if len(byAddr) != 1 || byAddr[0].Mode != "direct" {
			t.Errorf("ListAnalyses(address, limit 1) = %+v", byAddr)
		}
	})

	t.Run("DeleteAnalysesBefore", func(t *testing.T) {
		n, err := store.DeleteAnalysesBefore(ctx, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("DeleteAnalysesBefore() error = %v", err)
		}
		if n != 1 {
			t.Errorf("DeleteAnalysesBefore() = %d, want 1", n)
		}
	})
}

func TestAPIKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key, err := store.CreateAPIKey(ctx, "ci")
	if err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}

	ak, err := store.ValidateAPIKey(ctx, key)
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if ak.Name != "ci" {
		t.Errorf("ValidateAPIKey().Name = %v, want ci", ak.Name)
	}

	if _, err := store.ValidateAPIKey(ctx, "cs_key_bogus"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ValidateAPIKey(bogus) error = %v, want ErrNotFound", err)
	}

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		t.Fatalf("ListAPIKeys() error = %v", err)
	}
	if len(keys) != 1 || keys[0].LastUsedAt == "" {
		t.Errorf("ListAPIKeys() = %+v, want one used key", keys)
	}

	if err := store.RevokeAPIKey(ctx, ak.ID); err != nil {
		t.Fatalf("RevokeAPIKey() error = %v", err)
	}
	if _, err := store.ValidateAPIKey(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("ValidateAPIKey(revoked) error = %v, want ErrNotFound", err)
	}
	if err := store.RevokeAPIKey(ctx, ak.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("RevokeAPIKey(revoked) error = %v, want ErrNotFound", err)
	}
}
