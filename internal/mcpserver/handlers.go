package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/vigilant/internal/ledger"
	"github.com/mbd888/vigilant/internal/pipeline"
	"github.com/mbd888/vigilant/internal/scoring"
)

const defaultThreatLimit = 10

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *AgentClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *AgentClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetProtectionState summarizes the agent's state snapshot.
func (h *Handlers) HandleGetProtectionState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var tabID *int
	if v := req.GetInt("tab_id", -1); v >= 0 {
		tabID = &v
	}

	raw, err := h.client.GetState(ctx, tabID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get state: %v", err)), nil
	}

	text, err := formatState(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse state: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleVerifyThreatLedger re-verifies the stored chain.
func (h *Handlers) HandleVerifyThreatLedger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.VerifyLedger(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify ledger: %v", err)), nil
	}

	var v ledger.Verification
	if err := json.Unmarshal(raw, &v); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verification: %v", err)), nil
	}

	if v.Valid {
		return mcp.NewToolResultText(fmt.Sprintf("Threat ledger is intact (%d blocks).", v.Length)), nil
	}
	var sb strings.Builder
	sb.WriteString("Threat ledger FAILED verification.\n")
	fmt.Fprintf(&sb, "  First broken block: %d\n", v.FirstBrokenAt)
	if v.Reason != "" {
		fmt.Fprintf(&sb, "  Reason: %s\n", v.Reason)
	}
	fmt.Fprintf(&sb, "  Blocks: %d\n", v.Length)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleScoreDownload scores a filename locally.
func (h *Handlers) HandleScoreDownload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filename := req.GetString("filename", "")
	if filename == "" {
		return mcp.NewToolResultError("filename is required"), nil
	}
	return mcp.NewToolResultText(formatBreakdown(filename, scoring.Explain(filename, ""))), nil
}

// HandleListRecentThreats lists the newest threat blocks in the ledger.
func (h *Handlers) HandleListRecentThreats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultThreatLimit)
	if limit <= 0 {
		limit = defaultThreatLimit
	}

	raw, err := h.client.Ledger(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read ledger: %v", err)), nil
	}

	var chain []ledger.Block
	if err := json.Unmarshal(raw, &chain); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse ledger: %v", err)), nil
	}
	return mcp.NewToolResultText(formatThreats(chain, limit)), nil
}

// HandleCheckURL looks a URL up in the synced vault hash set.
func (h *Handlers) HandleCheckURL(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pageURL := req.GetString("url", "")
	if pageURL == "" {
		return mcp.NewToolResultError("url is required"), nil
	}

	raw, err := h.client.CheckURL(ctx, pageURL)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check URL: %v", err)), nil
	}

	var resp pipeline.CheckURLResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if resp.Known {
		return mcp.NewToolResultText(fmt.Sprintf("%s is a KNOWN threat (host hash %s).", pageURL, resp.HostHash)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s is not in the threat vault.", pageURL)), nil
}

// --- Formatting helpers ---

func formatState(raw json.RawMessage) (string, error) {
	var st pipeline.StateResponse
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Protection State:\n")
	fmt.Fprintf(&sb, "  Protection: %s\n", onOff(st.Settings.Protection))
	fmt.Fprintf(&sb, "  Download scanner: %s\n", onOff(st.Settings.DownloadScanner))
	fmt.Fprintf(&sb, "  Notifications: %s\n", onOff(st.Settings.Notifications))
	fmt.Fprintf(&sb, "  Scanned: %d  Blocked: %d  Threats today: %d\n",
		st.Stats.TotalScanned, st.Stats.TotalBlocked, st.Stats.ThreatsToday)
	fmt.Fprintf(&sb, "  Ledger blocks: %d\n", len(st.Chain))
	if st.ChainTampered {
		sb.WriteString("  WARNING: threat ledger has been flagged as tampered\n")
	}
	if st.TabState != nil {
		fmt.Fprintf(&sb, "\nTab scan: %s (%s)\n", st.TabState.URL, st.TabState.Verdict)
		if st.TabState.ThreatType != "" {
			fmt.Fprintf(&sb, "  Threat type: %s\n", st.TabState.ThreatType)
		}
	}
	return sb.String(), nil
}

func formatBreakdown(filename string, b scoring.Breakdown) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s\n", filename)
	fmt.Fprintf(&sb, "Risk score: %.2f (%.0f%%)\n", b.Score, scoring.Percent(b.Score))

	var fired []string
	if b.DangerousExt {
		fired = append(fired, "executable ."+b.Extension)
	}
	if b.DoubleExt {
		fired = append(fired, "double extension")
	}
	if b.HighEntropy {
		fired = append(fired, fmt.Sprintf("high entropy (%.2f bits/char)", b.Entropy))
	}
	if b.Brand != "" {
		fired = append(fired, "brand name "+b.Brand)
	}
	if b.Disguise {
		fired = append(fired, "disguised document")
	}
	if len(fired) == 0 {
		sb.WriteString("Signals: none\n")
	} else {
		fmt.Fprintf(&sb, "Signals: %s\n", strings.Join(fired, ", "))
	}

	switch {
	case scoring.FallbackCancel(b.Score):
		sb.WriteString("Action: paused and blocked (cancelled even if no decision arrives)\n")
	case scoring.ShouldBlock(b.Score):
		sb.WriteString("Action: paused and blocked\n")
	default:
		sb.WriteString("Action: allowed\n")
	}
	return sb.String()
}

func formatThreats(chain []ledger.Block, limit int) string {
	var threats []ledger.Block
	for i := len(chain) - 1; i >= 0 && len(threats) < limit; i-- {
		if chain[i].Type != ledger.BlockGenesis {
			threats = append(threats, chain[i])
		}
	}
	if len(threats) == 0 {
		return "No threats recorded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d most recent threat(s):\n\n", len(threats))
	for i, b := range threats {
		fmt.Fprintf(&sb, "%d. #%d %s %s\n", i+1, b.Index, b.Timestamp, deref(b.URL))
		if t := deref(b.ThreatType); t != "" {
			fmt.Fprintf(&sb, "   Type: %s\n", t)
		}
		if b.RiskScore != nil {
			fmt.Fprintf(&sb, "   Risk: %.0f%%\n", *b.RiskScore)
		}
		if len(b.Signals) > 0 {
			fmt.Fprintf(&sb, "   Signals: %s\n", strings.Join(b.Signals, ", "))
		}
	}
	return sb.String()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
