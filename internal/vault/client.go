package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/vigilant/internal/circuitbreaker"
	"github.com/mbd888/vigilant/internal/retry"
)

// ErrCircuitOpen is returned while the registry is considered down.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// UpstreamName keys the registry in the circuit breaker.
const UpstreamName = "vault"

// StatusError is a non-2xx registry response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vault: unexpected status %d: %s", e.Code, e.Body)
}

// Client calls a remote registry.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithBreaker shares a breaker with other upstream clients.
func WithBreaker(b *circuitbreaker.Breaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// WithRetry overrides the retry policy.
func WithRetry(p retry.Policy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// NewClient creates a client for the registry rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		breaker: circuitbreaker.New(3, time.Minute),
		retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Retryable:   retryableHTTP,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableHTTP retries transport errors and 5xx/429, never other 4xx.
func retryableHTTP(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

// Breaker exposes the client's breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// Sync fetches hashes created strictly after sinceMs.
func (c *Client) Sync(ctx context.Context, sinceMs int64) (SyncResponse, error) {
	q := url.Values{"since": {strconv.FormatInt(sinceMs, 10)}}
	var out SyncResponse
	if err := c.do(ctx, http.MethodGet, "/vault/sync?"+q.Encode(), nil, &out); err != nil {
		return SyncResponse{}, err
	}
	if out.Hashes == nil {
		out.Hashes = []string{}
	}
	return out, nil
}

// Stats fetches the registry summary.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, http.MethodGet, "/vault/stats", nil, &out)
	return out, err
}

// SubmitRequest is the body of POST /vault/submit.
type SubmitRequest struct {
	Hash       string  `json:"hash"`
	Source     string  `json:"source,omitempty"`
	Confidence float64 `json:"confidence"`
	ThreatType string  `json:"threatType,omitempty"`
}

// Submit reports a threat hash.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) error {
	return c.do(ctx, http.MethodPost, "/vault/submit", req, nil)
}

// ReportThreat hashes the page's hostname and submits it. Confidence is a
// fraction in [0,1].
func (c *Client) ReportThreat(ctx context.Context, pageURL, threatType string, confidence float64) error {
	return c.Submit(ctx, SubmitRequest{
		Hash:       HashHostname(pageURL),
		Source:     DefaultSource,
		Confidence: min(max(confidence, 0), 1),
		ThreatType: threatType,
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("vault: encode request: %w", err)
		}
	}

	return c.retry.Do(ctx, func() error {
		return c.breaker.Execute(ctx, UpstreamName, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
			if err != nil {
				return retry.Permanent(err)
			}
			req.Header.Set("Accept", "application/json")
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("vault: %s %s: %w", method, path, err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
			}
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Permanent(fmt.Errorf("vault: decode response: %w", err))
			}
			return nil
		})
	})
}
