//go:build e2e

package e2e

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"
)

var testCtx *TestContext

func TestMain(m *testing.M) {
	flag.Parse()

	if os.Getenv("DOCKER_HOST") == "" && os.Getenv("TESTCONTAINERS_DOCKER_SOCKET") == "" {
		log.Println("Using default Docker socket for testcontainers")
	}

	ctx := context.Background()
	testCtx = &TestContext{}

	// 1. Postgres holds analysis history and API keys
	log.Println("Starting Postgres container...")
	var err error
	testCtx.PostgresContainer, testCtx.ConnString, err = setupPostgresE(ctx)
	if err != nil {
		log.Fatalf("Failed to start postgres: %v", err)
	}
	defer func() {
		if err := testCtx.PostgresContainer.Terminate(ctx); err != nil {
			log.Printf("Failed to terminate postgres container: %v", err)
		}
	}()
	log.Println("Postgres container started")

	// 2. Fake block explorer serving verified sources
	testCtx.Explorer = newFakeExplorer()
	defer testCtx.Explorer.Close()

	// 3. Server with scripted analysis tools
	log.Println("Starting test server...")
	workspaceRoot, err := os.MkdirTemp("", "contrascan-e2e-*")
	if err != nil {
		log.Fatalf("Failed to create workspace root: %v", err)
	}
	defer os.RemoveAll(workspaceRoot)

	testCtx.Runner = scriptedTools()
	testCtx.TestServer, testCtx.Store, err = startServerE(ctx, testCtx.ConnString, testCtx.Explorer.URL, workspaceRoot, testCtx.Runner)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	defer testCtx.TestServer.Close()
	defer testCtx.Store.Close()
	log.Println("Test server started at:", testCtx.TestServer.URL)

	log.Println("Running E2E tests...")
	exitCode := m.Run()

	log.Println("E2E tests completed with exit code:", exitCode)
	os.Exit(exitCode)
}
