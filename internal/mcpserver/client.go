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

// Config holds the configuration for connecting to a running agent.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8787"
	APIKey string // Optional bearer token for a proxy in front of the agent
}

// AgentClient is a pure HTTP client for the agent's /v1 API.
type AgentClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewAgentClient creates a new client for the agent API.
func NewAgentClient(cfg Config) *AgentClient {
	return &AgentClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the agent.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the agent and returns the response body.
func (c *AgentClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
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

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
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

// GetState returns the GET_STATE snapshot, optionally for one tab.
func (c *AgentClient) GetState(ctx context.Context, tabID *int) (json.RawMessage, error) {
	var q url.Values
	if tabID != nil {
		q = url.Values{"tabId": {strconv.Itoa(*tabID)}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/state", q, nil)
}

// VerifyLedger re-verifies the stored threat ledger.
func (c *AgentClient) VerifyLedger(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/ledger/verify", nil, nil)
}

// Ledger exports the full threat ledger.
func (c *AgentClient) Ledger(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/ledger", nil, nil)
}

// History returns one page of scan history, newest first.
func (c *AgentClient) History(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/history", q, nil)
}

// CheckURL asks whether a page's host is a known vault threat.
func (c *AgentClient) CheckURL(ctx context.Context, pageURL string) (json.RawMessage, error) {
	body := map[string]string{
		"type": "CHECK_URL",
		"url":  pageURL,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/messages", nil, body)
}
