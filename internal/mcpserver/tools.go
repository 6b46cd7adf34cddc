package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the QueryGate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolDiscoverServices = mcp.NewTool("discover_services",
	mcp.WithDescription(
		"Browse the QueryGate marketplace for AI services. "+
			"Returns active services with per-query prices in credits, keywords, and seller addresses. "+
			"Use this to find a service before querying it."),
	mcp.WithString("seller",
		mcp.Description("Filter by seller address (e.g. '0x1234...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of services to return (default 20)")),
)

var ToolQueryService = mcp.NewTool("query_service",
	mcp.WithDescription(
		"Send a prompt to a specific service by ID. Your credit balance is "+
			"charged the service's listed price before the prompt is forwarded. "+
			"If the service fails after charging, the charge stands unless the "+
			"platform's refund policy is enabled."),
	mcp.WithString("service_id",
		mcp.Required(),
		mcp.Description("The service ID from discover_services (e.g. 'svc_...')")),
	mcp.WithString("prompt",
		mcp.Required(),
		mcp.Description("The prompt to send to the service")),
)

var ToolChat = mcp.NewTool("chat",
	mcp.WithDescription(
		"Send a prompt and let QueryGate pick the best matching service by "+
			"keyword. Charges the matched service's price and forwards the prompt. "+
			"Use prepare_query first if you want to know the price before paying."),
	mcp.WithString("prompt",
		mcp.Required(),
		mcp.Description("The prompt to route and send")),
)

var ToolPrepareQuery = mcp.NewTool("prepare_query",
	mcp.WithDescription(
		"Get a price quote for a prompt without paying. Shows which service "+
			"would handle it, the price in credits, and whether your balance covers it."),
	mcp.WithString("prompt",
		mcp.Required(),
		mcp.Description("The prompt to quote")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your current QueryGate credit balance, including lifetime "+
			"deposits and spend."),
)

var ToolLedgerHistory = mcp.NewTool("ledger_history",
	mcp.WithDescription(
		"List your recent ledger entries: deposits, charges, grants, and refunds."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
)
