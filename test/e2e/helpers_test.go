//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pendergraft/contrascan/internal/config"
	"github.com/pendergraft/contrascan/internal/server"
	"github.com/pendergraft/contrascan/internal/storage"
	"github.com/pendergraft/contrascan/internal/toolexec"
	"github.com/pendergraft/contrascan/internal/toolexec/toolexectest"
	"github.com/pendergraft/contrascan/pkg/client"
)

// Contracts the fake explorer knows about.
const (
	// Self-contained source with one reported issue
	flatAddress = "0x5a0b54d5dc17e0aadc383d2db43b0a0d3e029c4c"
	// Multi-file bundle flattened by hardhat, no issues
	bundleAddress = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
	// Not verified on the explorer
	unverifiedAddress = "0x0000000000000000000000000000000000000bad"
)

const (
	flatSource = "pragma solidity 0.8.0;\ncontract Vault {\n  function withdraw() public { payable(msg.sender).call(\"\"); }\n}"

	bundleSource = `{"contracts/Token.sol":{"content":"pragma solidity ^0.8.4;\nimport \"./Math.sol\";\ncontract Token {}"},` +
		`"contracts/Math.sol":{"content":"pragma solidity ^0.8.0;\nlibrary Math {}"}}`

	bundleFlattened = "// SPDX-License-Identifier: MIT\npragma solidity ^0.8.0;\nlibrary Math {}\npragma solidity ^0.8.4;\ncontract Token {}"

	oneIssueReport = `{"success":true,"error":null,"issues":[{"title":"Unchecked return value from external call.",` +
		`"severity":"Medium","swc-id":"104","contract":"Vault","function":"withdraw()","lineno":3}]}`

	noIssueReport = `{"success":true,"error":null,"issues":[]}`
)

// TestContext holds shared test infrastructure
type TestContext struct {
	PostgresContainer *postgres.PostgresContainer
	ConnString        string
	Explorer          *fakeExplorer
	Runner            *toolexectest.Runner
	TestServer        *httptest.Server
	Store             storage.Store
}

// setupPostgresE starts a Postgres container and returns the connection string
func setupPostgresE(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("contrascan"),
		postgres.WithUsername("contrascan"),
		postgres.WithPassword("contrascan"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	connString, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = postgresContainer.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get postgres connection string: %w", err)
	}

	return postgresContainer, connString, nil
}

// fakeExplorer serves getsourcecode responses and counts lookups per address.
type fakeExplorer struct {
	*httptest.Server

	mu    sync.Mutex
	calls map[string]int
}

func newFakeExplorer() *fakeExplorer {
	f := &fakeExplorer{calls: make(map[string]int)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

func (f *fakeExplorer) serve(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")

	f.mu.Lock()
	f.calls[strings.ToLower(address)]++
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch strings.ToLower(address) {
	case strings.ToLower(flatAddress):
		fmt.Fprintf(w, `{"status":"1","message":"OK","result":[{"SourceCode":%q,"ContractName":"Vault","CompilerVersion":"v0.8.0+commit.c7dfd78e"}]}`, flatSource)
	case strings.ToLower(bundleAddress):
		fmt.Fprintf(w, `{"status":"1","message":"OK","result":[{"SourceCode":%q,"ContractName":"Token","CompilerVersion":"v0.8.4+commit.c7e474f2"}]}`, bundleSource)
	default:
		w.Write([]byte(`{"status":"1","message":"OK","result":[{"SourceCode":"","ContractName":""}]}`))
	}
}

// Calls returns how many times address was looked up.
func (f *fakeExplorer) Calls(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[strings.ToLower(address)]
}

// scriptedTools answers the external tool invocations the pipeline makes.
// Mythril replies depend on which flattened file it is given.
func scriptedTools() *toolexectest.Runner {
	return toolexectest.New().
		On("solc-select", toolexectest.Reply("", "", 0)).
		On("solc --version", toolexectest.Reply("Version: 0.8.4", "", 0)).
		On("npx hardhat flatten", toolexectest.Reply(bundleFlattened, "", 0)).
		On("myth analyze", mythByContent())
}

func mythByContent() toolexectest.Handler {
	return func(cmd toolexec.Command) (*toolexec.Result, error) {
		data, err := os.ReadFile(cmd.Args[1])
		if err != nil {
			return nil, err
		}
		if strings.Contains(string(data), "contract Vault") {
			return &toolexec.Result{Stdout: oneIssueReport}, nil
		}
		return &toolexec.Result{Stdout: noIssueReport}, nil
	}
}

// startServerE starts the contrascan server in-process against Postgres.
func startServerE(ctx context.Context, connString, explorerURL, workspaceRoot string, runner *toolexectest.Runner) (*httptest.Server, storage.Store, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		Server: config.ServerConfig{RequestTimeout: 120},
		Explorer: config.ExplorerConfig{
			URL:     explorerURL,
			APIKey:  "e2e",
			RPS:     100,
			Timeout: 10 * time.Second,
		},
		Workspace: config.WorkspaceConfig{Root: workspaceRoot, MaxAge: time.Hour},
		Tools: config.ToolsConfig{
			WorkDir:              workspaceRoot,
			NPXCommand:           "npx",
			NPMCommand:           "npm",
			SolcSelectCommand:    "solc-select",
			SolcCommand:          "solc",
			MythCommand:          "myth",
			FlattenTimeout:       30 * time.Second,
			InstallTimeout:       30 * time.Second,
			SolcTimeout:          30 * time.Second,
			MythrilTimeout:       time.Minute,
			MythrilDirectTimeout: time.Minute,
			FlattenShortCircuit:  true,
		},
		Storage: config.StorageConfig{
			Type:     "postgres",
			Postgres: config.PostgresConfig{URL: connString},
		},
		Auth:      config.AuthConfig{Type: "api-key"},
		Cache:     config.CacheConfig{Enabled: true, TTLSeconds: 3600},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Security:  config.SecurityConfig{FilterEnabled: true, MaxBodySizeMB: 1},
	}

	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	pipeline, err := server.NewPipeline(cfg, store, runner, logger)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("wiring pipeline: %w", err)
	}

	srv := server.New(cfg, store, pipeline.Service, logger)
	return httptest.NewServer(srv.Handler()), store, nil
}

// createTestAPIKey creates an API key in the store for testing
func createTestAPIKey(t *testing.T, store storage.Store, name string) string {
	t.Helper()
	key, err := store.CreateAPIKey(context.Background(), name)
	require.NoError(t, err, "Failed to create API key")
	return key
}

// newClient creates a new API client for the test server
func newClient(server *httptest.Server, apiKey string) *client.Client {
	return client.New(server.URL, apiKey, client.WithTimeout(time.Minute))
}

// assertHTTPError asserts that an error is an APIError with the expected code
func assertHTTPError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	require.Error(t, err, "Expected an error")
	apiErr, ok := err.(*client.APIError)
	require.True(t, ok, "Error should be an APIError, got %T", err)
	require.Equal(t, expectedCode, apiErr.Code, "Error code mismatch")
}
