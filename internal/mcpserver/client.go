package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the QueryGate platform.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // API key, e.g. "qk_..."
	BuyerAddress string // Buyer's wallet address, e.g. "0x..."
}

// QueryGateClient is a pure HTTP client for the QueryGate platform API.
type QueryGateClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewQueryGateClient creates a new client for the QueryGate platform.
func NewQueryGateClient(cfg Config) *QueryGateClient {
	return &QueryGateClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second, // paid queries can stream for a while
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *QueryGateClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// DiscoverServices lists services in the marketplace.
func (c *QueryGateClient) DiscoverServices(ctx context.Context, seller string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if seller != "" {
		q.Set("seller", seller)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/services", q, nil)
}

// Query charges the buyer and forwards a prompt to a named service.
// The response body is whatever the seller's endpoint returned.
func (c *QueryGateClient) Query(ctx context.Context, serviceID, prompt string) (json.RawMessage, error) {
	body := map[string]string{
		"serviceId": serviceID,
		"prompt":    prompt,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/query", nil, body)
}

// Chat routes a prompt to the best matching service, charges, and forwards.
func (c *QueryGateClient) Chat(ctx context.Context, prompt string) (json.RawMessage, error) {
	body := map[string]string{"prompt": prompt}
	return c.doRequest(ctx, http.MethodPost, "/v1/chat", nil, body)
}

// Prepare quotes a prompt without charging.
func (c *QueryGateClient) Prepare(ctx context.Context, prompt string) (json.RawMessage, error) {
	body := map[string]string{"prompt": prompt}
	return c.doRequest(ctx, http.MethodPost, "/v1/prepare", nil, body)
}

// GetBalance returns the buyer's current credit balance.
func (c *QueryGateClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/accounts/" + c.cfg.BuyerAddress + "/balance"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetHistory returns the buyer's recent ledger entries.
func (c *QueryGateClient) GetHistory(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/accounts/" + c.cfg.BuyerAddress + "/history"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}
