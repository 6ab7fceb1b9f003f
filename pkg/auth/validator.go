package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// usernamePattern constrains basic-auth usernames before any backend round
// trip. Matches the warehouse's identifier rules.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,30}$`)

// ValidUsername reports whether a name satisfies the warehouse identifier
// rules (1-30 word characters). Also applied to assumed-user headers.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// Verifier performs the backend round trip for a credential. Each call opens
// a throwaway session against the warehouse and tears it down; verifier
// sessions are never pooled.
type Verifier interface {
	// VerifyBasic checks a username/secret pair. A nil error means the
	// backend accepted the credential.
	VerifyBasic(ctx context.Context, username, secret string) error

	// VerifyBearer checks a token and returns the identity the backend
	// resolved it to.
	VerifyBearer(ctx context.Context, token string) (string, error)
}

// Validator validates raw Authorization header values. Structural checks and
// rate limiting happen before the verifier is consulted, so malformed or
// flooding clients never cost a backend round trip.
type Validator struct {
	verifier Verifier
	limiter  *RateLimiter
	logger   *slog.Logger
}

// NewValidator creates a validator. A nil logger falls back to slog.Default.
func NewValidator(verifier Verifier, limiter *RateLimiter, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		verifier: verifier,
		limiter:  limiter,
		logger:   logger,
	}
}

// CredentialHash returns the hex SHA-256 of a raw Authorization header
// value. Used as the cache binding and in trace tags; the raw credential is
// never stored.
func CredentialHash(authHeader string) string {
	sum := sha256.Sum256([]byte(authHeader))
	return hex.EncodeToString(sum[:])
}

// ParseScheme splits an Authorization header into its lowercased scheme and
// the credential value. ok is false when the header has no scheme/value
// split.
func ParseScheme(authHeader string) (scheme, value string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return strings.ToLower(parts[0]), parts[1], true
}

// Validate checks an Authorization header value and returns the principal it
// resolves to. forwardedFor is the request's X-Forwarded-For value, used
// only for the rate-limit fingerprint. Failures are returned as *Error with
// a Kind the caller can branch on.
func (v *Validator) Validate(ctx context.Context, authHeader, forwardedFor string) (Principal, error) {
	clientID := ClientID(authHeader, forwardedFor)

	if v.limiter != nil && !v.limiter.IsAllowed(clientID) {
		retryAfter := v.limiter.RetryAfter(clientID)
		v.logger.Warn("credential validation rate limited",
			"client_id", clientID,
			"retry_after", retryAfter,
		)
		return Principal{}, &Error{
			Kind:       KindRateLimited,
			Message:    "too many authentication attempts",
			RetryAfter: retryAfter,
		}
	}

	scheme, value, ok := ParseScheme(authHeader)
	if !ok {
		return Principal{}, &Error{
			Kind:    KindInvalidFormat,
			Message: "authorization header must be '<scheme> <credential>'",
		}
	}

	var principal Principal
	var err error
	switch scheme {
	case "basic":
		principal, err = v.validateBasic(ctx, value)
	case "bearer":
		principal, err = v.validateBearer(ctx, value)
	default:
		return Principal{}, &Error{
			Kind:    KindUnsupportedScheme,
			Message: "unsupported authorization scheme " + scheme,
		}
	}
	if err != nil {
		return Principal{}, err
	}

	if v.limiter != nil {
		v.limiter.Clear(clientID)
	}
	return principal, nil
}

func (v *Validator) validateBasic(ctx context.Context, value string) (Principal, error) {
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return Principal{}, &Error{
			Kind:    KindInvalidFormat,
			Message: "basic credential is not valid base64",
			Err:     err,
		}
	}

	username, secret, found := strings.Cut(string(decoded), ":")
	if !found {
		return Principal{}, &Error{
			Kind:    KindInvalidFormat,
			Message: "basic credential missing ':' separator",
		}
	}
	if !ValidUsername(username) {
		return Principal{}, &Error{
			Kind:    KindInvalidFormat,
			Message: "username contains invalid characters or length",
		}
	}

	if err := v.verifier.VerifyBasic(ctx, username, secret); err != nil {
		v.logger.Warn("basic credential rejected", "username", username)
		return Principal{}, &Error{
			Kind:    KindAuthFailed,
			Message: "backend rejected basic credential",
			Err:     err,
		}
	}

	return Principal{Name: username, Scheme: "basic"}, nil
}

func (v *Validator) validateBearer(ctx context.Context, token string) (Principal, error) {
	// Shape check only. Signature trust is delegated to the backend the
	// token is presented to.
	if strings.Count(token, ".") != 2 {
		return Principal{}, &Error{
			Kind:    KindInvalidFormat,
			Message: "bearer token is not a three-segment JWT",
		}
	}

	// Decode the subject claim without verifying, purely as a log hint.
	subjectHint := ""
	if parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{}); err == nil {
		subjectHint, _ = parsed.Claims.GetSubject()
	}

	principalName, err := v.verifier.VerifyBearer(ctx, token)
	if err != nil {
		v.logger.Warn("bearer token rejected", "subject_hint", subjectHint)
		return Principal{}, &Error{
			Kind:    KindAuthFailed,
			Message: "backend rejected bearer token",
			Err:     err,
		}
	}

	v.logger.Debug("bearer token accepted",
		"principal", principalName,
		"subject_hint", subjectHint,
	)
	return Principal{Name: principalName, Scheme: "bearer"}, nil
}
