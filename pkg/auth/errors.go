// Package auth implements credential validation for the gateway: an
// Authorization header validator backed by a pluggable verifier, a sliding
// window rate limiter keyed by client fingerprint, and a TTL cache binding
// validated principals to MCP sessions.
package auth

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a validation failure. Callers branch on the kind
// rather than matching message text.
type ErrorKind string

const (
	// KindRateLimited means the client fingerprint exhausted its attempt
	// budget. The error carries a RetryAfter hint.
	KindRateLimited ErrorKind = "rate_limited"

	// KindInvalidFormat means the credential was structurally malformed
	// before any backend round trip (bad base64, missing separator,
	// username outside the allowed pattern, wrong token shape).
	KindInvalidFormat ErrorKind = "invalid_format"

	// KindUnsupportedScheme means the Authorization scheme is neither
	// basic nor bearer.
	KindUnsupportedScheme ErrorKind = "unsupported_scheme"

	// KindAuthFailed means the backend rejected the credential.
	KindAuthFailed ErrorKind = "auth_failed"
)

// Error is a tagged validation failure.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // set only for KindRateLimited
	Err        error         // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error with the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// Authentication modes supported by the gateway.
const (
	ModeNone  = "none"
	ModeBasic = "basic"
)
