package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := &Config{}
	applyDefaults(cfg)
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// connect attaches an in-memory client session to the server.
func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	_, err := s.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Auth.Mode = "basic" // no dsn, no static accounts

	_, err := New(cfg, discardLogger())
	assert.ErrorContains(t, err, "requires warehouse.dsn")
}

func TestGatewayInfoTool(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Server.Description = "test deployment"
		cfg.Server.Profile = "etl"
	})
	session := connect(t, s)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "gateway_info"})
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	var info Info
	require.NoError(t, json.Unmarshal([]byte(text.Text), &info))
	assert.Equal(t, "mcp-warehouse-gateway", info.Name)
	assert.Equal(t, "test deployment", info.Description)
	assert.Equal(t, "etl", info.Profile)
	assert.Equal(t, "none", info.AuthMode)
	assert.Equal(t,
		[]string{"base_list_tables", "base_read_query", "base_table_preview", "gateway_info"},
		info.Tools,
	)
	assert.Nil(t, info.AuthStats, "auth stats are only reported under basic mode")
}

func TestGatewayInfoReportsAuthStats(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Auth.Mode = "basic"
		cfg.Auth.Static.Enabled = true
		cfg.Auth.Static.Accounts = []StaticAccount{{Username: "alice", PasswordHash: "$2a$10$placeholderplaceholderpl"}}
	})

	// Stdio transport skips credential checks, so the tool is callable
	// without credentials while still reporting basic-mode stats.
	session := connect(t, s)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "gateway_info"})
	require.NoError(t, err)

	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	var info Info
	require.NoError(t, json.Unmarshal([]byte(text.Text), &info))
	assert.Equal(t, "basic", info.AuthMode)
	require.NotNil(t, info.AuthStats)
	assert.Equal(t, 0, info.AuthStats.CacheEntries)
}

func TestToolCallWithoutWarehouseReturnsEnvelope(t *testing.T) {
	s := newTestServer(t, nil)
	session := connect(t, s)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "base_read_query",
		Arguments: map[string]any{"sql": "SELECT 1"},
	})
	require.NoError(t, err, "warehouse failures are envelopes, not protocol errors")
	require.True(t, result.IsError)

	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &envelope))
	assert.Equal(t, "error", envelope["status"])
	assert.Equal(t, "warehouse unavailable", envelope["message"])

	metadata, ok := envelope["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "base_read_query", metadata["tool_name"])
	assert.NotEmpty(t, metadata["request_id"], "capture middleware supplies the request id")
}

func TestHTTPHandlerRequiresAuthorizationInBasicMode(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Server.Transport = "http"
		cfg.Auth.Mode = "basic"
		cfg.Auth.Static.Enabled = true
		cfg.Auth.Static.Accounts = []StaticAccount{{Username: "alice", PasswordHash: "$2a$10$placeholderplaceholderpl"}}
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthEndpointsBypassAuthorization(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Server.Transport = "http"
		cfg.Auth.Mode = "basic"
		cfg.Auth.Static.Enabled = true
		cfg.Auth.Static.Accounts = []StaticAccount{{Username: "alice", PasswordHash: "$2a$10$placeholderplaceholderpl"}}
	})
	handler := s.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "liveness never requires credentials")

	// Readiness reports starting until Run marks the server ready.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.Health().SetReady()
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPHandlerOpenInNoneMode(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Server.Transport = "http"
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.Handler().ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}
