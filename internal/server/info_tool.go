package server

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-warehouse-gateway/pkg/auth"
)

// Info describes this gateway deployment.
type Info struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Profile     string   `json:"profile,omitempty"`
	Transport   string   `json:"transport"`
	AuthMode    string   `json:"auth_mode"`
	Tools       []string `json:"tools"`

	// AuthStats is populated only under basic auth.
	AuthStats *AuthStats `json:"auth_stats,omitempty"`
}

// AuthStats summarizes the principal cache and rate limiter.
type AuthStats struct {
	CacheEntries   int   `json:"cache_entries"`
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	TrackedClients int   `json:"tracked_clients"`
}

// gatewayInfoInput is empty since this tool has no parameters.
type gatewayInfoInput struct{}

// registerInfoTool registers the gateway_info tool with the MCP server.
func (s *Server) registerInfoTool() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "gateway_info",
		Description: "Get information about this warehouse gateway, including its " +
			"registered tools, transport, and authentication mode.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ gatewayInfoInput) (*mcp.CallToolResult, any, error) {
		return s.handleInfo(ctx, req)
	})
}

// handleInfo handles the gateway_info tool call.
func (s *Server) handleInfo(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, any, error) {
	info := Info{
		Name:        s.cfg.Server.Name,
		Version:     s.cfg.Server.Version,
		Description: s.cfg.Server.Description,
		Profile:     s.cfg.Server.Profile,
		Transport:   s.cfg.Server.Transport,
		AuthMode:    s.cfg.Auth.Mode,
		Tools:       append(s.gateway.Tools(), "gateway_info"),
	}

	if s.cfg.Auth.Mode == auth.ModeBasic && s.cache != nil {
		cacheStats := s.cache.Stats()
		info.AuthStats = &AuthStats{
			CacheEntries:   cacheStats.Entries,
			CacheHits:      cacheStats.Hits,
			CacheMisses:    cacheStats.Misses,
			TrackedClients: s.limiter.TrackedClients(),
		}
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{ //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError, not as Go errors
			Content: []mcp.Content{
				&mcp.TextContent{Text: "Error: " + err.Error()},
			},
			IsError: true,
		}, nil, nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil, nil
}
