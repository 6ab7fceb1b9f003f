package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-warehouse-gateway/pkg/audit"
	"github.com/txn2/mcp-warehouse-gateway/pkg/auth"
	"github.com/txn2/mcp-warehouse-gateway/pkg/requestctx"
	"github.com/txn2/mcp-warehouse-gateway/pkg/tracetag"
	"github.com/txn2/mcp-warehouse-gateway/pkg/warehouse"
)

// Config holds the gateway's invocation-time settings.
type Config struct {
	// Application names this deployment in trace tags.
	Application string

	// Profile is the workload profile advertised in trace tags.
	Profile string

	// AuthMode controls trace tag strictness: under basic mode a tag
	// that fails to apply aborts the invocation before the handler runs.
	AuthMode string
}

// Gateway registers tool descriptors against an MCP server and executes
// their handlers with session acquisition, trace tagging, and response
// normalization. Safe for concurrent use after registration.
type Gateway struct {
	cfg       Config
	provider  *warehouse.Provider
	auditLog  audit.Logger
	logger    *slog.Logger
	processID string

	mu    sync.RWMutex
	tools map[string]*Descriptor
}

// New creates a gateway. auditLog and logger fall back to no-op and
// slog.Default.
func New(cfg Config, provider *warehouse.Provider, auditLog audit.Logger, logger *slog.Logger) *Gateway {
	if auditLog == nil {
		auditLog = audit.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Gateway{
		cfg:       cfg,
		provider:  provider,
		auditLog:  auditLog,
		logger:    logger,
		processID: fmt.Sprintf("%s:%d", host, os.Getpid()),
		tools:     make(map[string]*Descriptor),
	}
}

// Register validates the descriptor and adds its public tool to the server.
func (g *Gateway) Register(server *mcp.Server, d *Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	schema, err := d.InputSchema()
	if err != nil {
		return fmt.Errorf("build input schema for %q: %w", d.Name, err)
	}

	g.mu.Lock()
	if _, exists := g.tools[d.Name]; exists {
		g.mu.Unlock()
		return fmt.Errorf("tool %q already registered", d.Name)
	}
	g.tools[d.Name] = d
	g.mu.Unlock()

	server.AddTool(&mcp.Tool{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: schema,
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return g.invoke(ctx, d, req)
	})

	g.logger.Debug("tool registered",
		"tool", d.Name,
		"session_kind", string(d.SessionKind),
	)
	return nil
}

// Tools returns the registered tool names, sorted.
func (g *Gateway) Tools() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.tools))
	for name := range g.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// invoke runs one tool call end to end.
func (g *Gateway) invoke(ctx context.Context, d *Descriptor, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	rc := requestctx.GetRequestContext(ctx)
	requestID := ""
	if rc != nil {
		requestID = rc.RequestID
	}

	var clientArgs map[string]any
	if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &clientArgs); err != nil {
			return errorEnvelope(d.Name, requestID, "invalid arguments: "+err.Error(), started), nil
		}
	}

	args, err := d.mergeArgs(clientArgs)
	if err != nil {
		return errorEnvelope(d.Name, requestID, err.Error(), started), nil
	}

	session, err := g.provider.Acquire(ctx, d.SessionKind)
	if err != nil {
		g.logger.Error("warehouse session unavailable",
			"tool", d.Name,
			"request_id", requestID,
			"error", err,
		)
		return errorEnvelope(d.Name, requestID, "warehouse unavailable", started), nil
	}

	tag := g.buildTraceTag(d.Name, rc)

	type outcome struct {
		results any
		err     error
	}
	// Buffered so the worker can finish and release the session even
	// when the caller has already abandoned the call.
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() { _ = session.Close() }()

		if tagErr := session.ApplyTraceTag(ctx, tag); tagErr != nil {
			if g.cfg.AuthMode == auth.ModeBasic {
				resultCh <- outcome{err: fmt.Errorf("trace tag rejected by warehouse: %w", tagErr)}
				return
			}
			g.logger.Warn("trace tag application failed, continuing",
				"tool", d.Name,
				"request_id", requestID,
				"error", tagErr,
			)
		}

		results, handlerErr := d.Handler(ctx, session, args)
		resultCh <- outcome{results: results, err: handlerErr}
	}()

	select {
	case <-ctx.Done():
		// Result discarded. The worker's deferred close still releases
		// the session when the handler returns.
		g.logger.Warn("tool invocation abandoned",
			"tool", d.Name,
			"request_id", requestID,
		)
		return nil, ctx.Err()
	case out := <-resultCh:
		if out.err != nil {
			g.logger.Error("tool invocation failed",
				"tool", d.Name,
				"request_id", requestID,
				"error", out.err,
			)
			g.recordCall(ctx, d.Name, rc, audit.StatusError, started)
			return errorEnvelope(d.Name, requestID, out.err.Error(), started), nil
		}
		g.recordCall(ctx, d.Name, rc, audit.StatusSuccess, started)
		return successEnvelope(d.Name, requestID, out.results, started), nil
	}
}

func (g *Gateway) recordCall(ctx context.Context, tool string, rc *requestctx.RequestContext, status string, started time.Time) {
	event := audit.Event{
		Kind:     audit.KindToolCall,
		Status:   status,
		Tool:     tool,
		Duration: time.Since(started),
	}
	if rc != nil {
		event.RequestID = rc.RequestID
		event.SessionID = rc.SessionID
		event.CorrelationID = rc.CorrelationID
		event.Principal = rc.User
	}
	g.auditLog.Record(ctx, event)
}

// buildTraceTag assembles the tag from deployment identity plus whatever
// the request context captured.
func (g *Gateway) buildTraceTag(tool string, rc *requestctx.RequestContext) string {
	fields := tracetag.Fields{
		Application: g.cfg.Application,
		Profile:     g.cfg.Profile,
		ProcessID:   g.processID,
		ToolName:    tool,
	}
	if rc != nil {
		fields.RequestID = rc.RequestID
		fields.SessionID = rc.SessionID
		fields.Tenant = rc.Tenant
		fields.ClientIP = firstForwarded(rc.ForwardedFor)
		fields.UserAgent = rc.UserAgent
		fields.AuthScheme = rc.AuthScheme
		fields.AuthHash = rc.CredentialSHA256
		fields.ProxyUser = rc.User
	}
	return tracetag.Build(fields)
}

func firstForwarded(forwardedFor string) string {
	if i := strings.Index(forwardedFor, ","); i >= 0 {
		forwardedFor = forwardedFor[:i]
	}
	return strings.TrimSpace(forwardedFor)
}
