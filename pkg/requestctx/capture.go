package requestctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-warehouse-gateway/pkg/audit"
	"github.com/txn2/mcp-warehouse-gateway/pkg/auth"
)

const methodToolsCall = "tools/call"

// CaptureConfig configures the capture middleware.
type CaptureConfig struct {
	// Transport is TransportStdio or TransportHTTP. Stdio requests take
	// a fast path: identifiers are synthesized and header parsing and
	// credential checks are skipped, since the transport is a trusted
	// local pipe.
	Transport string

	// AuthMode is auth.ModeNone or auth.ModeBasic.
	AuthMode string
}

// Capture builds the per-request identity snapshot and, under basic mode,
// enforces credential validation before any handler runs.
type Capture struct {
	cfg       CaptureConfig
	cache     *auth.PrincipalCache
	validator *auth.Validator
	auditLog  audit.Logger
	logger    *slog.Logger
}

// NewCapture creates the capture middleware factory. cache and validator may
// be nil when AuthMode is none; auditLog and logger fall back to no-op and
// slog.Default respectively.
func NewCapture(cfg CaptureConfig, cache *auth.PrincipalCache, validator *auth.Validator, auditLog audit.Logger, logger *slog.Logger) *Capture {
	if auditLog == nil {
		auditLog = audit.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		cfg:       cfg,
		cache:     cache,
		validator: validator,
		auditLog:  auditLog,
		logger:    logger,
	}
}

// Middleware returns the MCP middleware. It runs for every inbound method:
// a rejected credential aborts the request before the method handler, as a
// tool error result for tools/call and a protocol error otherwise.
func (c *Capture) Middleware() mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			rc, err := c.build(ctx, req)
			if err != nil {
				c.logger.Warn("request denied",
					"method", method,
					"session_id", rc.SessionID,
					"error", err,
				)
				c.auditLog.Record(ctx, audit.Event{
					Kind:          audit.KindAuth,
					Status:        audit.StatusDenied,
					RequestID:     rc.RequestID,
					SessionID:     rc.SessionID,
					CorrelationID: rc.CorrelationID,
					Detail:        denialDetail(err),
				})
				if method == methodToolsCall {
					return denialResult(err), nil
				}
				return nil, err
			}
			return next(WithRequestContext(ctx, rc), method, req)
		}
	}
}

// build assembles the RequestContext and performs credential checks. The
// returned RequestContext is non-nil even on error so callers can log and
// audit the denial.
func (c *Capture) build(ctx context.Context, req mcp.Request) (*RequestContext, error) {
	rc := &RequestContext{
		RequestID: uuid.NewString(),
		Transport: c.cfg.Transport,
	}
	rc.SessionID = sessionIDFromRequest(req)
	if rc.SessionID == "" {
		rc.SessionID = uuid.NewString()
	}

	if c.cfg.Transport != TransportHTTP {
		rc.CorrelationID = rc.RequestID
		return rc, nil
	}

	headers := HeadersFromContext(ctx)
	rc.Headers = headers
	rc.CorrelationID = firstNonEmpty(headers["x-correlation-id"], headers["correlation-id"], rc.RequestID)
	rc.ClientSessionID = headers["x-session-id"]
	rc.Tenant = headers["x-tenant"]
	rc.UserAgent = headers["user-agent"]
	rc.ForwardedFor = headers["x-forwarded-for"]

	authHeader := headers["authorization"]
	if authHeader != "" {
		if scheme, _, ok := auth.ParseScheme(authHeader); ok {
			rc.AuthScheme = scheme
		}
		rc.CredentialSHA256 = auth.CredentialHash(authHeader)
	}

	if c.cfg.AuthMode == auth.ModeBasic {
		return rc, c.authenticate(ctx, rc, authHeader)
	}

	// No credential checks in mode none; an explicit assume-user header
	// may still name the acting principal for trace attribution.
	if assume := headers["x-assume-user"]; assume != "" {
		if auth.ValidUsername(assume) {
			rc.User = assume
		} else {
			c.logger.Warn("ignoring invalid x-assume-user header",
				"session_id", rc.SessionID,
				"value_length", len(assume),
			)
		}
	}
	return rc, nil
}

// authenticate resolves the principal for a basic-mode request, consulting
// the session cache before the validator.
func (c *Capture) authenticate(ctx context.Context, rc *RequestContext, authHeader string) error {
	if authHeader == "" {
		return &auth.Error{
			Kind:    auth.KindInvalidFormat,
			Message: "authorization header required",
		}
	}

	if p, ok := c.cache.Get(rc.SessionID, rc.CredentialSHA256); ok {
		rc.User = p.Name
		return nil
	}

	p, err := c.validator.Validate(ctx, authHeader, rc.ForwardedFor)
	if err != nil {
		return err
	}

	c.cache.Set(rc.SessionID, rc.CredentialSHA256, p)
	rc.User = p.Name

	c.logger.Info("credential validated",
		"session_id", rc.SessionID,
		"principal", p.Name,
		"scheme", p.Scheme,
	)
	c.auditLog.Record(ctx, audit.Event{
		Kind:          audit.KindAuth,
		Status:        audit.StatusSuccess,
		RequestID:     rc.RequestID,
		SessionID:     rc.SessionID,
		CorrelationID: rc.CorrelationID,
		Principal:     p.Name,
	})
	return nil
}

func sessionIDFromRequest(req mcp.Request) string {
	if req == nil {
		return ""
	}
	if session := req.GetSession(); session != nil {
		return session.ID()
	}
	return ""
}

// denialResult converts a validation failure into a tool error result so
// tools/call denials stay inside the MCP result envelope.
func denialResult(err error) *mcp.CallToolResult {
	var ae *auth.Error
	msg := "AUTH_FAILED: credential rejected"
	if errors.As(err, &ae) {
		switch ae.Kind {
		case auth.KindRateLimited:
			msg = fmt.Sprintf("RATE_LIMITED: %s; retry after %ds", ae.Message, int(ae.RetryAfter.Seconds())+1)
		case auth.KindInvalidFormat:
			msg = "INVALID_CREDENTIAL: " + ae.Message
		case auth.KindUnsupportedScheme:
			msg = "UNSUPPORTED_SCHEME: " + ae.Message
		case auth.KindAuthFailed:
			msg = "AUTH_FAILED: " + ae.Message
		}
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

// denialDetail is the audit-safe failure classification. Wrapped backend
// errors are deliberately excluded.
func denialDetail(err error) string {
	var ae *auth.Error
	if errors.As(err, &ae) {
		return string(ae.Kind)
	}
	return "error"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
