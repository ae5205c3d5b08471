//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze_FlatContract(t *testing.T) {
	c := newClient(testCtx.TestServer, createTestAPIKey(t, testCtx.Store, "e2e-flat"))

	a, err := c.Analyze(context.Background(), flatAddress)
	require.NoError(t, err)

	assert.True(t, strings.EqualFold(flatAddress, a.Address))
	assert.Equal(t, "Vault", a.ContractName)
	assert.Equal(t, "0.8.0", a.CompilerVersion)
	assert.Equal(t, "flattened", a.Mode)
	require.NotNil(t, a.Report)
	assert.Equal(t, "ok", a.Report.Status)
	assert.Equal(t, 1, a.Report.Summary.TotalIssues)
	assert.Equal(t, 1, a.Report.Summary.Medium)
	require.Len(t, a.Report.Issues, 1)
	assert.Equal(t, "104", a.Report.Issues[0].SWCID)
	assert.Equal(t, "withdraw()", a.Report.Issues[0].Function)
}

func TestAnalyze_BundleIsFlattened(t *testing.T) {
	c := newClient(testCtx.TestServer, createTestAPIKey(t, testCtx.Store, "e2e-bundle"))

	a, err := c.Analyze(context.Background(), bundleAddress)
	require.NoError(t, err)

	assert.Equal(t, bundleAddress, a.Address, "addresses are returned checksummed")
	assert.Equal(t, "Token", a.ContractName)
	assert.Equal(t, "0.8.4", a.CompilerVersion, "highest pragma wins")
	assert.Equal(t, "flattened", a.Mode)
	assert.Equal(t, 0, a.Report.Summary.TotalIssues)
	assert.NotNil(t, a.Report.Issues)
	assert.GreaterOrEqual(t, testCtx.Runner.Count("npx hardhat flatten"), 1)
}

func TestAnalyze_RepeatIsServedFromHistory(t *testing.T) {
	c := newClient(testCtx.TestServer, createTestAPIKey(t, testCtx.Store, "e2e-cache"))
	ctx := context.Background()

	first, err := c.Analyze(ctx, flatAddress)
	require.NoError(t, err)
	lookups := testCtx.Explorer.Calls(flatAddress)

	// The checksummed form names the same contract
	second, err := c.Analyze(ctx, first.Address)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, lookups, testCtx.Explorer.Calls(flatAddress), "cached reports skip the explorer")
	assert.Equal(t, first.Report.Summary, second.Report.Summary)
	assert.NotEmpty(t, second.CreatedAt)
}

func TestAnalyze_Errors(t *testing.T) {
	c := newClient(testCtx.TestServer, createTestAPIKey(t, testCtx.Store, "e2e-errors"))
	ctx := context.Background()

	t.Run("unverified contract", func(t *testing.T) {
		_, err := c.Analyze(ctx, unverifiedAddress)
		assertHTTPError(t, err, "SOURCE_NOT_FOUND")
	})

	t.Run("malformed address", func(t *testing.T) {
		_, err := c.Analyze(ctx, "0x1234")
		assertHTTPError(t, err, "INVALID_REQUEST")
	})

	t.Run("missing address", func(t *testing.T) {
		_, err := c.Analyze(ctx, "")
		assertHTTPError(t, err, "INVALID_REQUEST")
	})
}

func TestAnalyze_LegacyPath(t *testing.T) {
	key := createTestAPIKey(t, testCtx.Store, "e2e-legacy")

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		testCtx.TestServer.URL+"/analyze", bytes.NewBufferString(`{"address":"`+bundleAddress+`"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", key)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, []string{"HIT", "MISS"}, resp.Header.Get("X-Analysis-Cache"))
}
