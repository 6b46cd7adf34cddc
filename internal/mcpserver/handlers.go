package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *QueryGateClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *QueryGateClient) *Handlers {
	return &Handlers{client: client}
}

// HandleDiscoverServices lists marketplace services.
func (h *Handlers) HandleDiscoverServices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seller := req.GetString("seller", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.DiscoverServices(ctx, seller, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to discover services: %v", err)), nil
	}

	text, err := formatServiceList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse services: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleQueryService charges and forwards a prompt to a named service.
func (h *Handlers) HandleQueryService(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceID := req.GetString("service_id", "")
	if serviceID == "" {
		return mcp.NewToolResultError("service_id is required"), nil
	}
	prompt := req.GetString("prompt", "")
	if prompt == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}

	raw, err := h.client.Query(ctx, serviceID, prompt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Query failed: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleChat routes a prompt to the best matching service and forwards it.
func (h *Handlers) HandleChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := req.GetString("prompt", "")
	if prompt == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}

	raw, err := h.client.Chat(ctx, prompt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Chat failed: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandlePrepareQuery quotes a prompt without charging.
func (h *Handlers) HandlePrepareQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := req.GetString("prompt", "")
	if prompt == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}

	raw, err := h.client.Prepare(ctx, prompt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Quote failed: %v", err)), nil
	}

	text, err := formatQuote(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns the buyer's credit balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleLedgerHistory lists the buyer's recent ledger entries.
func (h *Handlers) HandleLedgerHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetHistory(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type serviceInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Seller   string   `json:"sellerAddress"`
	Keywords []string `json:"keywords"`
	Price    string   `json:"price"`
	Active   bool     `json:"active"`
}

func formatServiceList(raw json.RawMessage) (string, error) {
	var resp struct {
		Services []serviceInfo `json:"services"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		// Try as direct array
		if err := json.Unmarshal(raw, &resp.Services); err != nil {
			return "", fmt.Errorf("unexpected services response format")
		}
	}
	if len(resp.Services) == 0 {
		return "No services found matching your criteria.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d service(s):\n\n", len(resp.Services)))
	for i, s := range resp.Services {
		sb.WriteString(fmt.Sprintf("%d. %s (%s)\n", i+1, s.Name, s.ID))
		sb.WriteString(fmt.Sprintf("   Price: %s credits/query\n", s.Price))
		sb.WriteString(fmt.Sprintf("   Seller: %s\n", s.Seller))
		if len(s.Keywords) > 0 {
			sb.WriteString(fmt.Sprintf("   Keywords: %s\n", strings.Join(s.Keywords, ", ")))
		}
		if i < len(resp.Services)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatQuote(raw json.RawMessage) (string, error) {
	var q struct {
		ServiceID  string `json:"serviceId"`
		Service    string `json:"service"`
		Price      string `json:"price"`
		Affordable bool   `json:"affordable"`
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Service: %s (%s)\n", q.Service, q.ServiceID)
	fmt.Fprintf(&sb, "Price: %s credits\n", q.Price)
	if q.Affordable {
		sb.WriteString("Your balance covers this query.")
	} else {
		sb.WriteString("Your balance does NOT cover this query. Deposit credits first.")
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var acc struct {
		Address  string `json:"address"`
		Balance  string `json:"balance"`
		TotalIn  string `json:"totalIn"`
		TotalOut string `json:"totalOut"`
	}
	if err := json.Unmarshal(raw, &acc); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Credit Balance:\n")
	fmt.Fprintf(&sb, "  Available: %s credits\n", acc.Balance)
	if acc.TotalIn != "" {
		fmt.Fprintf(&sb, "  Deposited: %s credits\n", acc.TotalIn)
	}
	if acc.TotalOut != "" {
		fmt.Fprintf(&sb, "  Spent:     %s credits\n", acc.TotalOut)
	}
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []struct {
			Type        string `json:"type"`
			Amount      string `json:"amount"`
			Reference   string `json:"reference"`
			Description string `json:"description"`
			CreatedAt   string `json:"createdAt"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "No ledger entries yet.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Last %d ledger entries:\n\n", len(resp.Entries)))
	for _, e := range resp.Entries {
		fmt.Fprintf(&sb, "%-8s %s credits", e.Type, e.Amount)
		if e.Description != "" {
			fmt.Fprintf(&sb, "  (%s)", e.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		// Upstream responses aren't always JSON.
		return string(raw)
	}
	return pretty.String()
}
