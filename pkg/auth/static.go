package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// StaticVerifier validates credentials against accounts configured locally
// instead of a warehouse round trip. Useful for deployments fronting a
// warehouse that has no per-user credentials of its own, and as the verifier
// in tests. Passwords are bcrypt hashes; bearer tokens are matched by their
// SHA-256 so config files never hold the raw token.
type StaticVerifier struct {
	accounts map[string]string // username -> bcrypt password hash
	tokens   map[string]string // hex sha256(token) -> principal name
}

var _ Verifier = (*StaticVerifier)(nil)

// NewStaticVerifier creates a verifier from bcrypt account hashes and
// hashed-token principal mappings. Either map may be nil.
func NewStaticVerifier(accounts, tokens map[string]string) *StaticVerifier {
	if accounts == nil {
		accounts = map[string]string{}
	}
	if tokens == nil {
		tokens = map[string]string{}
	}
	return &StaticVerifier{accounts: accounts, tokens: tokens}
}

// VerifyBasic checks the secret against the account's bcrypt hash.
func (s *StaticVerifier) VerifyBasic(_ context.Context, username, secret string) error {
	hash, ok := s.accounts[username]
	if !ok {
		// Burn a comparison anyway so unknown and known usernames cost
		// the same.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0123456789012345678901"), []byte(secret))
		return errors.New("unknown account")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return errors.New("password mismatch")
	}
	return nil
}

// VerifyBearer matches the token hash against the configured token map.
func (s *StaticVerifier) VerifyBearer(_ context.Context, token string) (string, error) {
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	for candidate, principal := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return principal, nil
		}
	}
	return "", errors.New("unknown token")
}
