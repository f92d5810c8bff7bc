package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all agent tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("vigilant", version)
	client := NewAgentClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetProtectionState, h.HandleGetProtectionState)
	s.AddTool(ToolVerifyThreatLedger, h.HandleVerifyThreatLedger)
	s.AddTool(ToolScoreDownload, h.HandleScoreDownload)
	s.AddTool(ToolListRecentThreats, h.HandleListRecentThreats)
	s.AddTool(ToolCheckURL, h.HandleCheckURL)

	return s
}
