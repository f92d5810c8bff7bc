package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/vigilant/internal/circuitbreaker"
)

const breakerName = "classifier"

// HTTPModel calls a remote inference endpoint:
// POST {"features":[...]} -> {"label":0|1}.
type HTTPModel struct {
	endpoint string
	http     *http.Client
	breaker  *circuitbreaker.Breaker
}

// NewHTTPModel creates a remote model client. A nil breaker gets a private
// one.
func NewHTTPModel(endpoint string, breaker *circuitbreaker.Breaker) *HTTPModel {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &HTTPModel{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 5 * time.Second},
		breaker:  breaker,
	}
}

type predictRequest struct {
	Features []float64 `json:"features"`
}

type predictResponse struct {
	Label *int `json:"label"`
}

func (m *HTTPModel) Predict(ctx context.Context, features []float64) (Label, error) {
	var label Label
	err := m.breaker.Execute(ctx, breakerName, func(ctx context.Context) error {
		body, err := json.Marshal(predictRequest{Features: features})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := m.http.Do(req)
		if err != nil {
			return fmt.Errorf("classifier: request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("classifier: unexpected status %d", resp.StatusCode)
		}

		var out predictResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("classifier: decode response: %w", err)
		}
		if out.Label == nil {
			return fmt.Errorf("classifier: response has no label")
		}
		label = Label(*out.Label)
		return nil
	})
	return label, err
}
