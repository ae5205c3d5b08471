// Package client provides a Go client for the Contrascan API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout covers a full analysis, which the server allows up to
// fifteen minutes.
const DefaultTimeout = 15 * time.Minute

// Client is a Contrascan API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout bounds every request, analyses included.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// New creates a new Contrascan client
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Summary counts issues by severity
type Summary struct {
	TotalIssues int `json:"total_issues"`
	High        int `json:"high"`
	Medium      int `json:"medium"`
	Low         int `json:"low"`
	Info        int `json:"info"`
}

// Issue is a single analyzer finding
type Issue struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Contract    string `json:"contract"`
	Function    string `json:"function"`
	Severity    string `json:"severity"`
	SWCID       string `json:"swc_id"`
	LineNo      int    `json:"lineno"`
	Code        string `json:"code"`
}

// Report is a formatted analysis report
type Report struct {
	Summary Summary `json:"summary"`
	Issues  []Issue `json:"issues"`
	Status  string  `json:"status"`
	Message string  `json:"message,omitempty"`
}

// Analysis is the result of an analysis run or a stored report
type Analysis struct {
	ID              string  `json:"id,omitempty"`
	Address         string  `json:"address"`
	ContractName    string  `json:"contract_name"`
	CompilerVersion string  `json:"compiler_version,omitempty"`
	Mode            string  `json:"mode"`
	CreatedAt       string  `json:"created_at,omitempty"`
	Report          *Report `json:"report"`

	// Cached is set when the server answered from its report history.
	Cached bool `json:"-"`
}

// AnalysisSummary is a history entry without issues
type AnalysisSummary struct {
	ID              string  `json:"id"`
	Address         string  `json:"address"`
	ContractName    string  `json:"contract_name"`
	CompilerVersion string  `json:"compiler_version"`
	Mode            string  `json:"mode"`
	Status          string  `json:"status"`
	Summary         Summary `json:"summary"`
	CreatedAt       string  `json:"created_at"`
}

// ListAnalysesResponse is the response for listing stored analyses
type ListAnalysesResponse struct {
	Data  []AnalysisSummary `json:"data"`
	Limit int               `json:"limit"`
}

// APIError represents an API error response
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Analyze runs (or fetches a cached) analysis of the contract at address.
func (c *Client) Analyze(ctx context.Context, address string) (*Analysis, error) {
	var resp Analysis
	header, err := c.post(ctx, "/api/v1/analyze", map[string]string{"address": address}, &resp)
	if err != nil {
		return nil, err
	}
	resp.Cached = header.Get("X-Analysis-Cache") == "HIT"
	return &resp, nil
}

// LatestAnalysis returns the most recent stored report for address.
func (c *Client) LatestAnalysis(ctx context.Context, address string) (*Analysis, error) {
	var resp Analysis
	if err := c.get(ctx, "/api/v1/analyses/"+url.PathEscape(address), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAnalyses lists stored reports, newest first. An empty address lists
// every contract; a non-positive limit uses the server default.
func (c *Client) ListAnalyses(ctx context.Context, address string, limit int) (*ListAnalysesResponse, error) {
	q := url.Values{}
	if address != "" {
		q.Set("address", address)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/analyses"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp ListAnalysesResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckKey reports whether the server accepts the client's API key. It posts
// an analysis request with no address; the key is checked before the body is
// read, so nothing is analyzed. Only a 401 carrying the UNAUTHORIZED code
// counts as a rejected key.
func (c *Client) CheckKey(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/analyze", strings.NewReader("{}"))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req, nil)
	var apiErr *APIError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &apiErr):
		return apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "UNAUTHORIZED", nil
	default:
		return false, err
	}
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	_, err = c.do(req, result)
	return err
}

func (c *Client) post(ctx context.Context, path string, body, result any) (http.Header, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) (http.Header, error) {
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.Header, c.parseError(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return resp.Header, fmt.Errorf("decoding response: %w", err)
		}
	}

	return resp.Header, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) parseError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
