package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/contrascan/internal/analysis/domain"
	"github.com/pendergraft/contrascan/internal/config"
	"github.com/pendergraft/contrascan/internal/storage"
)

const usdt = "0xdAC17F958D2ee523a2206206994597C13D831ec7"

type stubService struct {
	calls int
}

func (s *stubService) Analyze(ctx context.Context, address string) (*domain.Analysis, error) {
	s.calls++
	addr, err := domain.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return &domain.Analysis{
		Address:      addr,
		ContractName: "TetherToken",
		Mode:         domain.ModeFlattened,
		Report:       &domain.Report{Issues: []domain.Issue{}, Status: domain.StatusOK},
		CreatedAt:    time.Now(),
	}, nil
}

func (s *stubService) Latest(ctx context.Context, address string) (*domain.Analysis, error) {
	return nil, domain.ErrNotFound
}

func (s *stubService) History(ctx context.Context, address string, limit int) ([]domain.Analysis, error) {
	return []domain.Analysis{}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{RequestTimeout: 30},
		Auth:      config.AuthConfig{Type: "none"},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Security:  config.SecurityConfig{FilterEnabled: true, MaxBodySizeMB: 1},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

var jsonHeaders = map[string]string{"Content-Type": "application/json"}

func TestServer_Root(t *testing.T) {
	srv := New(testConfig(), nil, &stubService{}, testLogger())

	rr := do(t, srv.Handler(), "GET", "/", "", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"message":"ITS WORK!"}`, rr.Body.String())
}

func TestServer_HealthChecks(t *testing.T) {
	srv := New(testConfig(), nil, &stubService{}, testLogger())

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		rr := do(t, srv.Handler(), "GET", path, "", nil)
		assert.Equal(t, http.StatusOK, rr.Code, path)
		assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String(), path)
	}
}

func TestServer_ReadyzPingsStore(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)

	srv := New(testConfig(), store, &stubService{}, testLogger())

	rr := do(t, srv.Handler(), "GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, store.Close())

	rr = do(t, srv.Handler(), "GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"code":"STORAGE_UNAVAILABLE"`)
}

func TestServer_AnalyzeRoutes(t *testing.T) {
	svc := &stubService{}
	srv := New(testConfig(), nil, svc, testLogger())

	for _, path := range []string{"/analyze", "/api/v1/analyze"} {
		rr := do(t, srv.Handler(), "POST", path, `{"address":"`+usdt+`"}`, jsonHeaders)
		require.Equal(t, http.StatusOK, rr.Code, path)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, usdt, resp["address"])
		assert.Contains(t, resp, "report")
	}
	assert.Equal(t, 2, svc.calls)
}

func TestServer_AnalyzeRequiresJSON(t *testing.T) {
	svc := &stubService{}
	srv := New(testConfig(), nil, svc, testLogger())

	rr := do(t, srv.Handler(), "POST", "/analyze", "address="+usdt,
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})

	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	assert.Zero(t, svc.calls)
}

func TestServer_ReadRoutes(t *testing.T) {
	srv := New(testConfig(), nil, &stubService{}, testLogger())

	rr := do(t, srv.Handler(), "GET", "/api/v1/analyses/"+usdt, "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"error":"Analysis not found","code":"NOT_FOUND"}`, rr.Body.String())

	rr = do(t, srv.Handler(), "GET", "/api/v1/analyses", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_APIKeyAuth(t *testing.T) {
	store := newSQLiteStore(t)
	key, err := store.CreateAPIKey(context.Background(), "ci")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Auth.Type = "api-key"
	svc := &stubService{}
	srv := New(cfg, store, svc, testLogger())

	body := `{"address":"` + usdt + `"}`

	t.Run("analyze without key", func(t *testing.T) {
		for _, path := range []string{"/analyze", "/api/v1/analyze"} {
			rr := do(t, srv.Handler(), "POST", path, body, jsonHeaders)
			assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
			assert.JSONEq(t, `{"error":"API key required","code":"UNAUTHORIZED"}`, rr.Body.String())
		}
		assert.Zero(t, svc.calls)
	})

	t.Run("analyze with invalid key", func(t *testing.T) {
		rr := do(t, srv.Handler(), "POST", "/analyze", body, map[string]string{
			"Content-Type": "application/json",
			"X-API-Key":    "cs_key_bogus",
		})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("analyze with key", func(t *testing.T) {
		rr := do(t, srv.Handler(), "POST", "/api/v1/analyze", body, map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + key,
		})
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("reads stay open", func(t *testing.T) {
		rr := do(t, srv.Handler(), "GET", "/api/v1/analyses", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestServer_BlocksProbes(t *testing.T) {
	srv := New(testConfig(), nil, &stubService{}, testLogger())

	rr := do(t, srv.Handler(), "GET", "/wp-admin/", "", nil)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.JSONEq(t, `{"error":"Invalid request","code":"BAD_REQUEST"}`, rr.Body.String())
}

func TestServer_CORS(t *testing.T) {
	srv := New(testConfig(), nil, &stubService{}, testLogger())

	rr := do(t, srv.Handler(), "OPTIONS", "/api/v1/analyze", "", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Analysis-Cache", rr.Header().Get("Access-Control-Expose-Headers"))
}

func TestServer_MetricsRouteDisabled(t *testing.T) {
	srv := New(testConfig(), nil, &stubService{}, testLogger())

	rr := do(t, srv.Handler(), "GET", "/metrics", "", nil)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_AccessLogAnnotations(t *testing.T) {
	store := newSQLiteStore(t)
	key, err := store.CreateAPIKey(context.Background(), "nightly")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Auth.Type = "api-key"

	var logs strings.Builder
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	srv := New(cfg, store, &stubService{}, logger)

	rr := do(t, srv.Handler(), "POST", "/api/v1/analyze", `{"address":"`+usdt+`"}`, map[string]string{
		"Content-Type": "application/json",
		"X-API-Key":    key,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	line := logs.String()
	assert.Contains(t, line, "caller=nightly")
	assert.Contains(t, line, "address="+usdt)
	assert.Contains(t, line, "mode=flattened")
	assert.Contains(t, line, "issues=0")
	assert.Contains(t, line, "cache=MISS")
}
