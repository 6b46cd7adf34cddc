package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all QueryGate tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("querygate", "1.0.0")
	client := NewQueryGateClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolDiscoverServices, h.HandleDiscoverServices)
	s.AddTool(ToolQueryService, h.HandleQueryService)
	s.AddTool(ToolChat, h.HandleChat)
	s.AddTool(ToolPrepareQuery, h.HandlePrepareQuery)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolLedgerHistory, h.HandleLedgerHistory)

	return s
}
