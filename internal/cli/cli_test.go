package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/vigilant/internal/ledger"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func exportedChain(t *testing.T, threats int) []byte {
	t.Helper()
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	_, err := l.Init(ctx)
	require.NoError(t, err)
	for i := 0; i < threats; i++ {
		_, err := l.Append(ctx, ledger.ThreatData{
			URL:        "https://evil.example/" + strings.Repeat("a", i),
			ThreatType: "PHISHING",
			Signals:    []string{"credential-form"},
		})
		require.NoError(t, err)
	}
	var buf bytes.Buffer
	require.NoError(t, l.Export(ctx, &buf))
	return buf.Bytes()
}

func tamper(t *testing.T, raw []byte, index int) []byte {
	t.Helper()
	var chain []ledger.Block
	require.NoError(t, json.Unmarshal(raw, &chain))
	forged := "https://innocent.example"
	chain[index].URL = &forged
	out, err := json.Marshal(chain)
	require.NoError(t, err)
	return out
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestVerify_IntactFile(t *testing.T) {
	path := writeTemp(t, exportedChain(t, 3))

	out, err := run(t, "", "verify", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 4 blocks")
}

func TestVerify_TamperedStdin(t *testing.T) {
	raw := tamper(t, exportedChain(t, 3), 2)

	out, err := run(t, string(raw), "verify", "-")
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, out, "BROKEN: block 2 of 4")
}

func TestVerify_JSON(t *testing.T) {
	path := writeTemp(t, exportedChain(t, 1))

	out, err := run(t, "", "verify", "--json", path)
	require.NoError(t, err)

	var v ledger.Verification
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Valid)
	assert.Equal(t, -1, v.FirstBrokenAt)
	assert.Equal(t, 2, v.Length)
}

func TestVerify_Errors(t *testing.T) {
	_, err := run(t, "", "verify", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = run(t, "not json", "verify", "-")
	assert.Error(t, err)

	_, err = run(t, "", "verify")
	assert.Error(t, err, "a path is required")
}

func TestScore(t *testing.T) {
	out, err := run(t, "", "score", "report.pdf", "invoice.pdf.exe")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "allow")
	assert.Contains(t, lines[1], "block")
	assert.Contains(t, lines[1], "double-ext")
}

func TestScore_JSON(t *testing.T) {
	out, err := run(t, "", "score", "--json", "invoice.pdf.exe")
	require.NoError(t, err)

	var results []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "invoice.pdf.exe", results[0]["filename"])
	assert.Equal(t, 1.0, results[0]["score"])
	assert.Equal(t, true, results[0]["block"])
	assert.Equal(t, true, results[0]["fallbackCancel"])
}

func TestExport(t *testing.T) {
	raw := exportedChain(t, 2)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ledger", r.URL.Path)
		_, _ = w.Write(raw)
	}))
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "out.json")
	out, err := run(t, "", "export", "--url", ts.URL, "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 3 blocks")

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, written)
}

func TestExport_BrokenChainStillWritten(t *testing.T) {
	raw := tamper(t, exportedChain(t, 2), 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(raw)
	}))
	defer ts.Close()

	out, err := run(t, "", "export", "--url", ts.URL)
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, out, "innocent.example")
	assert.Contains(t, out, "broken at block 1")
}

func TestExport_AgentDown(t *testing.T) {
	_, err := run(t, "", "export", "--url", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch ledger")
}
