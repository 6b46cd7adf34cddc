// QueryGate MCP Server - Exposes QueryGate capabilities as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mdolyak/querygate/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:       envOrDefault("QUERYGATE_API_URL", "http://localhost:8080"),
		APIKey:       os.Getenv("QUERYGATE_API_KEY"),
		BuyerAddress: os.Getenv("QUERYGATE_BUYER_ADDRESS"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "QUERYGATE_API_KEY is required")
		os.Exit(1)
	}
	if cfg.BuyerAddress == "" {
		fmt.Fprintln(os.Stderr, "QUERYGATE_BUYER_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
