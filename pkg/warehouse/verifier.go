package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/txn2/mcp-warehouse-gateway/pkg/auth"
)

// verifyTimeout caps a single credential round trip.
const verifyTimeout = 10 * time.Second

// Verifier checks credentials by opening a throwaway warehouse session as
// the presented identity. Each verification builds its own handle and tears
// it down; verification traffic never touches the shared pool.
type Verifier struct {
	dsn        string
	bearerUser string
	logger     *slog.Logger
}

var _ auth.Verifier = (*Verifier)(nil)

// NewVerifier creates a pass-through verifier. bearerUser is the warehouse
// role bearer tokens authenticate as, with the token presented as the wire
// password; the warehouse (or its auth proxy) owns token validation.
func NewVerifier(dsn, bearerUser string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{dsn: dsn, bearerUser: bearerUser, logger: logger}
}

// VerifyBasic opens a session as username/secret and runs a no-op probe.
func (v *Verifier) VerifyBasic(ctx context.Context, username, secret string) error {
	db, err := v.open(username, secret)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("credential probe: %w", err)
	}
	return nil
}

// VerifyBearer opens a session as the configured bearer role with the token
// as its password and returns the identity the warehouse resolved.
func (v *Verifier) VerifyBearer(ctx context.Context, token string) (string, error) {
	if v.bearerUser == "" {
		return "", fmt.Errorf("bearer credentials not supported: no bearer role configured")
	}

	db, err := v.open(v.bearerUser, token)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	var identity string
	if err := db.QueryRowContext(ctx, "SELECT current_user").Scan(&identity); err != nil {
		return "", fmt.Errorf("token probe: %w", err)
	}
	return identity, nil
}

// open builds a single-connection handle with the DSN's credentials swapped
// for the presented ones.
func (v *Verifier) open(username, password string) (*sql.DB, error) {
	dsn, err := rewriteDSN(v.dsn, username, password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open verification session: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(0)
	return db, nil
}

// rewriteDSN replaces the userinfo of a postgres URL DSN.
func rewriteDSN(dsn, username, password string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse warehouse dsn: %w", err)
	}
	u.User = url.UserPassword(username, password)
	return u.String(), nil
}
