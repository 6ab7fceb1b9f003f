package requestctx

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-warehouse-gateway/pkg/audit"
	"github.com/txn2/mcp-warehouse-gateway/pkg/auth"
)

// stubVerifier counts backend round trips.
type stubVerifier struct {
	err   error
	calls int
}

func (s *stubVerifier) VerifyBasic(_ context.Context, _, _ string) error {
	s.calls++
	return s.err
}

func (s *stubVerifier) VerifyBearer(_ context.Context, _ string) (string, error) {
	s.calls++
	return "svc", s.err
}

// recordingAudit collects events synchronously for assertions.
type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Record(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAudit) all() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

func basicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func newBasicCapture(t *testing.T, verifier auth.Verifier) (*Capture, *auth.PrincipalCache) {
	t.Helper()
	cache := auth.NewPrincipalCache(1 * time.Minute)
	t.Cleanup(cache.Stop)
	validator := auth.NewValidator(verifier, nil, nil)
	c := NewCapture(
		CaptureConfig{Transport: TransportHTTP, AuthMode: auth.ModeBasic},
		cache, validator, nil, nil,
	)
	return c, cache
}

func TestBuildStdioFastPath(t *testing.T) {
	c := NewCapture(CaptureConfig{Transport: TransportStdio, AuthMode: auth.ModeNone}, nil, nil, nil, nil)

	rc, err := c.build(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, rc.RequestID)
	assert.NotEmpty(t, rc.SessionID)
	assert.Equal(t, rc.RequestID, rc.CorrelationID)
	assert.Equal(t, TransportStdio, rc.Transport)
	assert.Nil(t, rc.Headers)
}

func TestBuildHTTPHeaderParsing(t *testing.T) {
	c := NewCapture(CaptureConfig{Transport: TransportHTTP, AuthMode: auth.ModeNone}, nil, nil, nil, nil)

	header := basicAuthHeader("alice", "pw")
	ctx := WithHeaders(context.Background(), map[string]string{
		"x-correlation-id": "corr-1",
		"x-session-id":     "client-sess",
		"x-tenant":         "acme",
		"user-agent":       "client/2.0",
		"x-forwarded-for":  "10.1.2.3, 172.16.0.1",
		"authorization":    header,
	})

	rc, err := c.build(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", rc.CorrelationID)
	assert.Equal(t, "client-sess", rc.ClientSessionID)
	assert.Equal(t, "acme", rc.Tenant)
	assert.Equal(t, "client/2.0", rc.UserAgent)
	assert.Equal(t, "10.1.2.3, 172.16.0.1", rc.ForwardedFor)
	assert.Equal(t, "basic", rc.AuthScheme)
	assert.Equal(t, auth.CredentialHash(header), rc.CredentialSHA256)
	assert.Empty(t, rc.User, "mode none resolves no principal without x-assume-user")
}

func TestBuildCorrelationFallbacks(t *testing.T) {
	c := NewCapture(CaptureConfig{Transport: TransportHTTP, AuthMode: auth.ModeNone}, nil, nil, nil, nil)

	ctx := WithHeaders(context.Background(), map[string]string{"correlation-id": "legacy-corr"})
	rc, err := c.build(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "legacy-corr", rc.CorrelationID)

	rc, err = c.build(WithHeaders(context.Background(), map[string]string{}), nil)
	require.NoError(t, err)
	assert.Equal(t, rc.RequestID, rc.CorrelationID)
}

func TestBuildAssumeUser(t *testing.T) {
	c := NewCapture(CaptureConfig{Transport: TransportHTTP, AuthMode: auth.ModeNone}, nil, nil, nil, nil)

	ctx := WithHeaders(context.Background(), map[string]string{"x-assume-user": "analyst_7"})
	rc, err := c.build(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "analyst_7", rc.User)
}

func TestBuildAssumeUserInvalidIgnored(t *testing.T) {
	c := NewCapture(CaptureConfig{Transport: TransportHTTP, AuthMode: auth.ModeNone}, nil, nil, nil, nil)

	for _, bad := range []string{"has space", "semi;colon", "a_username_well_over_thirty_characters_long"} {
		ctx := WithHeaders(context.Background(), map[string]string{"x-assume-user": bad})
		rc, err := c.build(ctx, nil)
		require.NoError(t, err, "invalid assume-user is ignored, not fatal")
		assert.Empty(t, rc.User)
	}
}

func TestBuildBasicModeMissingAuthorization(t *testing.T) {
	c, _ := newBasicCapture(t, &stubVerifier{})

	_, err := c.build(WithHeaders(context.Background(), map[string]string{}), nil)
	assert.True(t, auth.IsKind(err, auth.KindInvalidFormat))
}

func TestBuildBasicModeValidatesAndCaches(t *testing.T) {
	verifier := &stubVerifier{}
	c, _ := newBasicCapture(t, verifier)

	header := basicAuthHeader("alice", "pw")
	ctx := WithHeaders(context.Background(), map[string]string{"authorization": header})

	rc, err := c.build(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", rc.User)
	assert.Equal(t, 1, verifier.calls)

	// Same session and credential skips the backend. The session ID is
	// synthesized per build with a nil request, so pin it via the cache.
	_, ok := c.cache.Get(rc.SessionID, rc.CredentialSHA256)
	assert.True(t, ok)
}

func TestBuildBasicModeRejected(t *testing.T) {
	c, _ := newBasicCapture(t, &stubVerifier{err: errors.New("bad password")})

	ctx := WithHeaders(context.Background(), map[string]string{
		"authorization": basicAuthHeader("alice", "wrong"),
	})
	_, err := c.build(ctx, nil)
	assert.True(t, auth.IsKind(err, auth.KindAuthFailed))
}

func TestMiddlewareToolsCallDenialIsErrorResult(t *testing.T) {
	c, _ := newBasicCapture(t, &stubVerifier{})
	recorder := &recordingAudit{}
	c.auditLog = recorder

	handler := c.Middleware()(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		t.Fatal("handler must not run for a denied request")
		return nil, nil
	})

	// No authorization header stashed.
	result, err := handler(context.Background(), "tools/call", nil)
	require.NoError(t, err, "tools/call denial travels as a tool error result")

	callResult, ok := result.(*mcp.CallToolResult)
	require.True(t, ok)
	assert.True(t, callResult.IsError)
	text, ok := callResult.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "INVALID_CREDENTIAL")

	events := recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.KindAuth, events[0].Kind)
	assert.Equal(t, audit.StatusDenied, events[0].Status)
	assert.Equal(t, string(auth.KindInvalidFormat), events[0].Detail)
}

func TestMiddlewareNonToolMethodDenialIsProtocolError(t *testing.T) {
	c, _ := newBasicCapture(t, &stubVerifier{})

	handler := c.Middleware()(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		t.Fatal("handler must not run for a denied request")
		return nil, nil
	})

	_, err := handler(context.Background(), "resources/list", nil)
	assert.True(t, auth.IsKind(err, auth.KindInvalidFormat))
}

func TestMiddlewarePropagatesRequestContext(t *testing.T) {
	c := NewCapture(CaptureConfig{Transport: TransportStdio, AuthMode: auth.ModeNone}, nil, nil, nil, nil)

	var seen *RequestContext
	handler := c.Middleware()(func(ctx context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		seen = GetRequestContext(ctx)
		return &mcp.CallToolResult{}, nil
	})

	_, err := handler(context.Background(), "tools/call", nil)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.NotEmpty(t, seen.RequestID)
}

func TestMiddlewareAuditsValidationSuccess(t *testing.T) {
	c, _ := newBasicCapture(t, &stubVerifier{})
	recorder := &recordingAudit{}
	c.auditLog = recorder

	handler := c.Middleware()(func(_ context.Context, _ string, _ mcp.Request) (mcp.Result, error) {
		return &mcp.CallToolResult{}, nil
	})

	ctx := WithHeaders(context.Background(), map[string]string{
		"authorization": basicAuthHeader("alice", "pw"),
	})
	_, err := handler(ctx, "tools/call", nil)
	require.NoError(t, err)

	events := recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.StatusSuccess, events[0].Status)
	assert.Equal(t, "alice", events[0].Principal)
}
