// Package http provides the middleware that fronts the MCP streamable HTTP
// handler: header capture for downstream identity parsing and an early
// Authorization gate for basic-mode deployments.
package http

import (
	"net/http"
	"strings"

	"github.com/txn2/mcp-warehouse-gateway/pkg/requestctx"
)

// HeaderCapture stashes the request headers, keys lowercased, into the
// request context so the MCP-level capture middleware can read them after
// the transport boundary.
func HeaderCapture(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := make(map[string]string, len(r.Header))
		for key, values := range r.Header {
			if len(values) > 0 {
				headers[strings.ToLower(key)] = values[0]
			}
		}
		next.ServeHTTP(w, r.WithContext(requestctx.WithHeaders(r.Context(), headers)))
	})
}

// RequireAuthorization rejects requests carrying no Authorization header
// with a 401 before they reach the MCP layer. Credential validity is not
// checked here; that stays with the MCP capture middleware where denials
// can be cached and rate limited per session.
func RequireAuthorization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="warehouse-gateway"`)
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
