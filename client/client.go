package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/OrrinLabs/tally/models"
)

const (
	apiPrefix      = "/counter/api/v1"
	defaultTimeout = 10 * time.Second
)

type Config struct {
	// Endpoint is the daemon's base URL. A bare host:port is dialed
	// over https.
	Endpoint   string
	ApiKey     string
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client is the API client for the tally service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
	skipVerify bool
	logger     *slog.Logger
}

func New(cfg *Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.ApiKey == "" {
		return nil, fmt.Errorf("apiKey cannot be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("tally_client")

	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	baseURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint %q: %w", cfg.Endpoint, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
		},
	}

	logger.Debug("tally client initialized",
		"base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		apiKey:     cfg.ApiKey,
		skipVerify: cfg.SkipVerify,
		logger:     logger,
	}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, queryParams map[string]string, body any, target any) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: apiPrefix + path})
	if len(queryParams) > 0 {
		q := reqURL.Query()
		for k, v := range queryParams {
			q.Set(k, v)
		}
		reqURL.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending request", "method", method, "url", reqURL.String())

	rsp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s %s failed: %w", method, path, err)
	}
	defer rsp.Body.Close()

	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		return c.errorFromResponse(rsp)
	}

	if target != nil {
		if err := json.NewDecoder(rsp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response body for %s %s: %w", method, path, err)
		}
	}
	return nil
}

// errorFromResponse turns a non-2xx reply into the sentinel the status
// code stands for, keeping the server's message where it helps.
func (c *Client) errorFromResponse(rsp *http.Response) error {
	serverMsg := ""
	raw, err := io.ReadAll(io.LimitReader(rsp.Body, 4096))
	if err == nil {
		var body struct {
			Error string `json:"error"`
		}
		if jsonErr := json.Unmarshal(raw, &body); jsonErr == nil && body.Error != "" {
			serverMsg = body.Error
		} else {
			serverMsg = strings.TrimSpace(string(raw))
		}
	}

	switch rsp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrKeyNotFound
	case http.StatusConflict:
		if serverMsg != "" {
			return fmt.Errorf("%w: %s", ErrConflict, serverMsg)
		}
		return ErrConflict
	case http.StatusServiceUnavailable:
		if serverMsg != "" {
			return fmt.Errorf("%w: %s", ErrUnavailable, serverMsg)
		}
		return ErrUnavailable
	case http.StatusTooManyRequests:
		retryAfter := time.Second
		if seconds, err := strconv.Atoi(rsp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			retryAfter = time.Duration(seconds) * time.Second
		}
		limit, _ := strconv.ParseFloat(rsp.Header.Get("X-RateLimit-Limit"), 64)
		burst, _ := strconv.Atoi(rsp.Header.Get("X-RateLimit-Burst"))
		return &ErrRateLimited{
			Message:    serverMsg,
			RetryAfter: retryAfter,
			Limit:      limit,
			Burst:      burst,
		}
	}
	return fmt.Errorf("server returned status %d: %s", rsp.StatusCode, serverMsg)
}

// Create registers a new counter and returns its registry record.
func (c *Client) Create(ctx context.Context, req models.CreateCounterRequest) (models.LogicalCounter, error) {
	var lc models.LogicalCounter
	if err := c.doRequest(ctx, http.MethodPost, "/create", nil, req, &lc); err != nil {
		return models.LogicalCounter{}, err
	}
	return lc, nil
}

// Apply lands a delta on the counter. A rejection is not an error:
// inspect the result's Applied and Reason fields.
func (c *Client) Apply(ctx context.Context, counterID string, delta int64) (models.ApplyResult, error) {
	if counterID == "" {
		return models.ApplyResult{}, fmt.Errorf("counter id cannot be empty")
	}
	payload := models.ApplyRequest{CounterID: counterID, Delta: delta}
	var result models.ApplyResult
	if err := c.doRequest(ctx, http.MethodPost, "/apply", nil, payload, &result); err != nil {
		return models.ApplyResult{}, err
	}
	return result, nil
}

// Aggregate reads a best-effort snapshot of the counter's total.
func (c *Client) Aggregate(ctx context.Context, counterID string) (models.AggregateSnapshot, error) {
	if counterID == "" {
		return models.AggregateSnapshot{}, fmt.Errorf("counter id cannot be empty")
	}
	params := map[string]string{"counter": counterID}
	var snapshot models.AggregateSnapshot
	if err := c.doRequest(ctx, http.MethodGet, "/aggregate", params, nil, &snapshot); err != nil {
		return models.AggregateSnapshot{}, err
	}
	return snapshot, nil
}

// Rebalance runs one management cycle on the counter and reports what
// structural work it did.
func (c *Client) Rebalance(ctx context.Context, counterID string) (models.RebalanceSummary, error) {
	if counterID == "" {
		return models.RebalanceSummary{}, fmt.Errorf("counter id cannot be empty")
	}
	payload := models.RebalanceRequest{CounterID: counterID}
	var summary models.RebalanceSummary
	if err := c.doRequest(ctx, http.MethodPost, "/rebalance", nil, payload, &summary); err != nil {
		return models.RebalanceSummary{}, err
	}
	return summary, nil
}

// List returns the ids of every registered counter.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var response struct {
		Data []string `json:"data"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/counters", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// Get fetches a counter's registry record.
func (c *Client) Get(ctx context.Context, counterID string) (models.LogicalCounter, error) {
	if counterID == "" {
		return models.LogicalCounter{}, fmt.Errorf("counter id cannot be empty")
	}
	params := map[string]string{"counter": counterID}
	var lc models.LogicalCounter
	if err := c.doRequest(ctx, http.MethodGet, "/get", params, nil, &lc); err != nil {
		return models.LogicalCounter{}, err
	}
	return lc, nil
}

// Delete removes a counter and all of its shards.
func (c *Client) Delete(ctx context.Context, counterID string) error {
	if counterID == "" {
		return fmt.Errorf("counter id cannot be empty")
	}
	payload := models.DeleteCounterRequest{CounterID: counterID}
	return c.doRequest(ctx, http.MethodPost, "/delete", nil, payload, nil)
}

// Ping checks that the daemon is up and its store answers.
func (c *Client) Ping(ctx context.Context) (map[string]string, error) {
	var response map[string]string
	if err := c.doRequest(ctx, http.MethodGet, "/ping", nil, nil, &response); err != nil {
		return nil, err
	}
	return response, nil
}
