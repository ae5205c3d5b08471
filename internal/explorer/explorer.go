// Package explorer talks to Etherscan-compatible block explorer APIs.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// DefaultURL is the Etherscan API endpoint.
const DefaultURL = "https://api.etherscan.io/api"

var (
	// ErrNoSource is returned when the explorer has no verified source for
	// the address.
	ErrNoSource = errors.New("no verified source code for this address")
	// ErrUnavailable is returned when the explorer cannot be reached or
	// answers with a non-2xx status.
	ErrUnavailable = errors.New("explorer unavailable")
)

// SourceCode is one entry of a getsourcecode result.
type SourceCode struct {
	SourceCode      string `json:"SourceCode"`
	ContractName    string `json:"ContractName"`
	CompilerVersion string `json:"CompilerVersion"`
	Proxy           string `json:"Proxy"`
	Implementation  string `json:"Implementation"`
}

// envelope is the common Etherscan response wrapper. Result is an array on
// success and a string on most errors.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Client is an Etherscan API client.
type Client struct {
	baseURL    string
	apiKey     string
	chainID    int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithChainID targets a specific chain on multichain endpoints.
func WithChainID(id int) Option {
	return func(client *Client) {
		client.chainID = id
	}
}

// WithRateLimit paces outgoing requests. A non-positive rps disables pacing.
func WithRateLimit(rps float64) Option {
	return func(client *Client) {
		if rps <= 0 {
			client.limiter = nil
			return
		}
		client.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// New creates a new explorer client
func New(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GetSourceCode fetches the verified source of the contract at address.
func (c *Client) GetSourceCode(ctx context.Context, address string) (*SourceCode, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	params := url.Values{}
	params.Set("module", "contract")
	params.Set("action", "getsourcecode")
	params.Set("address", address)
	params.Set("apikey", c.apiKey)
	if c.chainID > 0 {
		params.Set("chainid", strconv.Itoa(c.chainID))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}

	var results []SourceCode
	if len(env.Result) == 0 || json.Unmarshal(env.Result, &results) != nil || len(results) == 0 {
		msg := env.Message
		var s string
		if json.Unmarshal(env.Result, &s) == nil && s != "" {
			msg = s
		}
		return nil, fmt.Errorf("%w: %s", ErrNoSource, msg)
	}

	src := results[0]
	if src.SourceCode == "" {
		return nil, fmt.Errorf("%w: contract is not verified", ErrNoSource)
	}
	return &src, nil
}
