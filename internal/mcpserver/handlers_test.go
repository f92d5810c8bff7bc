package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewAgentClient(Config{APIURL: ts.URL})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const testChain = `[
  {"index":0,"timestamp":"2026-01-01T00:00:00.000Z","type":"GENESIS","url":null,"threatType":null,"signals":[],"riskScore":null,"mlProb":null,"hScore":null,"domScore":null,"prevHash":"0","nonce":0,"hash":"g"},
  {"index":1,"timestamp":"2026-01-01T00:01:00.000Z","type":"THREAT_BLOCKED","url":"https://a.example","threatType":"PHISHING","signals":["brand_mismatch"],"riskScore":91,"mlProb":null,"hScore":null,"domScore":null,"prevHash":"g","nonce":1,"hash":"h1"},
  {"index":2,"timestamp":"2026-01-01T00:02:00.000Z","type":"THREAT_BLOCKED","url":"https://b.example/x.exe","threatType":"MALWARE_DOWNLOAD","signals":["x.exe"],"riskScore":100,"mlProb":null,"hScore":null,"domScore":null,"prevHash":"h1","nonce":2,"hash":"h2"}
]`

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeaderOnlyWhenConfigured(t *testing.T) {
	var gotAuth []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewAgentClient(Config{APIURL: ts.URL, APIKey: "tok"}).VerifyLedger(context.Background())
	require.NoError(t, err)
	_, err = NewAgentClient(Config{APIURL: ts.URL}).VerifyLedger(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer tok", ""}, gotAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":     "storage_unavailable",
			"message":   "state store unavailable",
			"retryable": true,
		})
	}))
	defer ts.Close()

	_, err := NewAgentClient(Config{APIURL: ts.URL}).GetState(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "state store unavailable")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewAgentClient(Config{APIURL: ts.URL}).Ledger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewAgentClient(Config{APIURL: "http://127.0.0.1:1"}).Ledger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_GetStatePassesTabID(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	tab := 7
	_, err := NewAgentClient(Config{APIURL: ts.URL}).GetState(context.Background(), &tab)
	require.NoError(t, err)
	assert.Equal(t, "tabId=7", gotQuery)
}

func TestClient_CheckURLPostsMessage(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"known":false,"hostHash":"abc"}`))
	}))
	defer ts.Close()

	_, err := NewAgentClient(Config{APIURL: ts.URL}).CheckURL(context.Background(), "https://x.example")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"type": "CHECK_URL", "url": "https://x.example"}, got)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetProtectionState(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/state", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("tabId"))
		_, _ = w.Write([]byte(`{
			"tabState":{"url":"https://a.example","verdict":"threat","scanMs":4,"riskScore":91,"signals":[],"threatType":"PHISHING"},
			"settings":{"protection":true,"downloadScanner":false,"notifications":true},
			"stats":{"totalScanned":12,"totalBlocked":2,"threatsToday":1,"lastReset":"2026-01-01"},
			"history":[],
			"chain":[{"index":0},{"index":1}],
			"chainTampered":true
		}`))
	}))
	defer cleanup()

	result, err := h.HandleGetProtectionState(context.Background(), makeRequest(map[string]any{"tab_id": float64(3)}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Protection: on")
	assert.Contains(t, text, "Download scanner: off")
	assert.Contains(t, text, "Scanned: 12  Blocked: 2  Threats today: 1")
	assert.Contains(t, text, "Ledger blocks: 2")
	assert.Contains(t, text, "tampered")
	assert.Contains(t, text, "Tab scan: https://a.example (threat)")
	assert.Contains(t, text, "Threat type: PHISHING")
}

func TestHandleGetProtectionState_NoTab(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"tabState":null,"settings":{},"stats":{},"history":[],"chain":[],"chainTampered":false}`))
	}))
	defer cleanup()

	result, err := h.HandleGetProtectionState(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.NotContains(t, text, "Tab scan")
	assert.NotContains(t, text, "tampered")
}

func TestHandleGetProtectionState_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal_error","message":"boom"}`))
	}))
	defer cleanup()

	result, err := h.HandleGetProtectionState(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "boom")
}

func TestHandleVerifyThreatLedger(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "intact",
			body: `{"valid":true,"firstBrokenAt":-1,"length":5}`,
			want: []string{"intact (5 blocks)"},
		},
		{
			name: "broken",
			body: `{"valid":false,"firstBrokenAt":3,"reason":"hash mismatch","length":5}`,
			want: []string{"FAILED", "First broken block: 3", "Reason: hash mismatch"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/v1/ledger/verify", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer cleanup()

			result, err := h.HandleVerifyThreatLedger(context.Background(), makeRequest(nil))
			require.NoError(t, err)
			text := resultText(t, result)
			for _, w := range tt.want {
				assert.Contains(t, text, w)
			}
		})
	}
}

func TestHandleScoreDownload(t *testing.T) {
	h := NewHandlers(NewAgentClient(Config{APIURL: "http://127.0.0.1:1"}))

	tests := []struct {
		filename string
		want     []string
	}{
		{"report.pdf", []string{"Signals: none", "Action: allowed"}},
		{"invoice.pdf.exe", []string{"Risk score: 1.00 (100%)", "executable .exe", "double extension", "disguised document", "cancelled even if no decision arrives"}},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			result, err := h.HandleScoreDownload(context.Background(), makeRequest(map[string]any{"filename": tt.filename}))
			require.NoError(t, err)
			require.False(t, result.IsError)
			text := resultText(t, result)
			for _, w := range tt.want {
				assert.Contains(t, text, w)
			}
		})
	}
}

func TestHandleScoreDownload_MissingFilename(t *testing.T) {
	h := NewHandlers(NewAgentClient(Config{}))
	result, err := h.HandleScoreDownload(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListRecentThreats(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ledger", r.URL.Path)
		_, _ = w.Write([]byte(testChain))
	}))
	defer cleanup()

	result, err := h.HandleListRecentThreats(context.Background(), makeRequest(map[string]any{"limit": float64(1)}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "1 most recent threat(s)")
	assert.Contains(t, text, "https://b.example/x.exe")
	assert.Contains(t, text, "Risk: 100%")
	assert.NotContains(t, text, "https://a.example")

	result, err = h.HandleListRecentThreats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text = resultText(t, result)
	assert.Contains(t, text, "2 most recent threat(s)")
	assert.NotContains(t, text, "GENESIS")
}

func TestHandleListRecentThreats_GenesisOnly(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"index":0,"type":"GENESIS","signals":[],"prevHash":"0","hash":"g"}]`))
	}))
	defer cleanup()

	result, err := h.HandleListRecentThreats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No threats recorded.", resultText(t, result))
}

func TestHandleCheckURL(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		known := body["url"] == "https://evil.example"
		_ = json.NewEncoder(w).Encode(map[string]any{"known": known, "hostHash": "deadbeef"})
	}))
	defer cleanup()

	result, err := h.HandleCheckURL(context.Background(), makeRequest(map[string]any{"url": "https://evil.example"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "KNOWN threat (host hash deadbeef)")

	result, err = h.HandleCheckURL(context.Background(), makeRequest(map[string]any{"url": "https://fine.example"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "not in the threat vault")

	result, err = h.HandleCheckURL(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8787"}, "test")
	require.NotNil(t, s)
}
