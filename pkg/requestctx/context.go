// Package requestctx captures per-request identity and correlation data and
// carries it through the context for downstream consumers (trace tags, audit
// events, log lines). The RequestContext is built once when a request enters
// the MCP server and never mutated afterward.
package requestctx

import "context"

// Transport names for RequestContext.Transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// RequestContext is the immutable per-request identity snapshot.
type RequestContext struct {
	// CorrelationID links this request to the caller's trace. Taken from
	// x-correlation-id or correlation-id, falling back to RequestID.
	CorrelationID string

	// RequestID is generated fresh for every request.
	RequestID string

	// SessionID is the MCP server session the request arrived on.
	SessionID string

	// ClientSessionID is the caller-supplied x-session-id, if any.
	ClientSessionID string

	// Headers holds the transport headers, keys lowercased. Nil for
	// stdio requests.
	Headers map[string]string

	// Tenant is the x-tenant header value.
	Tenant string

	// AuthScheme is the lowercased Authorization scheme, if present.
	AuthScheme string

	// CredentialSHA256 is the hex SHA-256 of the raw Authorization
	// header. The raw credential is never retained.
	CredentialSHA256 string

	// User is the resolved principal: the validated credential's identity
	// under basic mode, or the x-assume-user value under none.
	User string

	// ForwardedFor is the raw X-Forwarded-For header value.
	ForwardedFor string

	// UserAgent is the client's User-Agent.
	UserAgent string

	// Transport is which transport delivered the request.
	Transport string
}

type contextKey int

const (
	requestContextKey contextKey = iota
	headersKey
)

// WithRequestContext returns a context carrying the request context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// GetRequestContext returns the request context, or nil if none was
// captured.
func GetRequestContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey).(*RequestContext)
	return rc
}

// WithHeaders stashes lowercased transport headers for the capture
// middleware to read. Set by the HTTP layer before the MCP handler runs.
func WithHeaders(ctx context.Context, headers map[string]string) context.Context {
	return context.WithValue(ctx, headersKey, headers)
}

// HeadersFromContext returns the stashed transport headers, or nil.
func HeadersFromContext(ctx context.Context) map[string]string {
	h, _ := ctx.Value(headersKey).(map[string]string)
	return h
}
