package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Vigilant MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetProtectionState = mcp.NewTool("get_protection_state",
	mcp.WithDescription(
		"Get the current protection state of the Vigilant agent: settings, "+
			"scan and block counters, ledger length and whether the threat ledger "+
			"has been flagged as tampered. Optionally include one tab's latest scan."),
	mcp.WithNumber("tab_id",
		mcp.Description("Browser tab ID whose latest scan result should be included")),
)

var ToolVerifyThreatLedger = mcp.NewTool("verify_threat_ledger",
	mcp.WithDescription(
		"Re-verify the hash-chained threat ledger. Reports whether every block's "+
			"hash and back-link check out and, if not, the first broken index."),
)

var ToolScoreDownload = mcp.NewTool("score_download",
	mcp.WithDescription(
		"Score a download filename for risk without contacting the agent. "+
			"Returns a 0-1 score, the heuristics that fired, and whether the agent "+
			"would pause and block it."),
	mcp.WithString("filename",
		mcp.Required(),
		mcp.Description("The file name as the browser would save it (e.g. 'invoice.pdf.exe')")),
)

var ToolListRecentThreats = mcp.NewTool("list_recent_threats",
	mcp.WithDescription(
		"List the most recent threats recorded in the threat ledger, newest first, "+
			"with URL, threat type, risk score and signals."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of threats to return (default 10)")),
)

var ToolCheckURL = mcp.NewTool("check_url",
	mcp.WithDescription(
		"Check whether a URL's hostname appears in the locally synced threat vault."),
	mcp.WithString("url",
		mcp.Required(),
		mcp.Description("The page URL or bare domain to check")),
)
