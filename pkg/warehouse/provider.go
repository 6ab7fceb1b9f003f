// Package warehouse manages connections to the backing SQL warehouse:
// pooled and direct sessions for tool execution, trace tag application, and
// throwaway credential verification sessions.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// Postgres wire protocol driver for the warehouse.
	_ "github.com/lib/pq"
)

// SessionKind selects how a tool invocation gets its warehouse handle.
type SessionKind string

const (
	// SessionPooled hands out a connection from the shared pool.
	SessionPooled SessionKind = "pooled"

	// SessionDirect opens a dedicated, non-pooled connection that is
	// torn down when the session closes. For tools whose session state
	// (temp tables, settings) must not leak back into the pool.
	SessionDirect SessionKind = "direct"
)

// applyTraceTagQuery labels the connection so warehouse-side monitoring can
// attribute queries. set_config with is_local=false persists for the
// connection lifetime, not just the transaction.
const applyTraceTagQuery = "SELECT set_config('application_name', $1, false)"

// Session is a live warehouse handle scoped to a single tool invocation.
// Close must be called on every exit path; for pooled sessions it returns
// the connection to the pool, for direct sessions it tears the connection
// down.
type Session interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)

	// ApplyTraceTag labels the underlying connection with the request's
	// trace tag before the handler runs.
	ApplyTraceTag(ctx context.Context, tag string) error

	Close() error
}

// Config holds warehouse connection settings.
type Config struct {
	// DSN is the warehouse connection string (postgres URL form).
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Provider owns the shared connection pool and hands out sessions. The pool
// is opened lazily on first acquire; if the pool handle is missing or a
// pooled checkout fails, the provider forces exactly one reconnect before
// giving up.
type Provider struct {
	mu     sync.Mutex
	cfg    Config
	db     *sql.DB
	logger *slog.Logger
}

// NewProvider creates a provider. No connection is made until Acquire.
func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, logger: logger}
}

// NewProviderFromDB wraps an existing pool handle. Used by tests and by
// deployments that construct the pool elsewhere. Direct sessions degrade to
// pooled checkouts when no DSN is configured.
func NewProviderFromDB(db *sql.DB, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{db: db, logger: logger}
}

// Acquire returns a session of the requested kind.
func (p *Provider) Acquire(ctx context.Context, kind SessionKind) (Session, error) {
	if kind == SessionDirect && p.cfg.DSN != "" {
		return p.openDirect(ctx)
	}

	db, err := p.pool()
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		p.logger.Warn("pooled checkout failed, forcing reconnect", "error", err)
		db, rerr := p.reconnect()
		if rerr != nil {
			return nil, rerr
		}
		conn, err = db.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire warehouse connection: %w", err)
		}
	}
	return &pooledSession{conn: conn}, nil
}

// Ping verifies the shared pool can reach the warehouse, opening it if
// needed. Used by readiness probes.
func (p *Provider) Ping(ctx context.Context) error {
	db, err := p.pool()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Connected reports whether the shared pool handle exists.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db != nil
}

// Close tears down the shared pool.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// pool returns the shared handle, opening it on first use.
func (p *Provider) pool() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p.db, nil
}

// reconnect discards the current handle and opens a fresh one. Called at
// most once per acquire.
func (p *Provider) reconnect() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		_ = p.db.Close()
		p.db = nil
	}
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p.db, nil
}

func (p *Provider) connectLocked() error {
	if p.cfg.DSN == "" {
		return errors.New("warehouse: no dsn configured")
	}
	db, err := sql.Open("postgres", p.cfg.DSN)
	if err != nil {
		return fmt.Errorf("open warehouse pool: %w", err)
	}
	if p.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.cfg.MaxOpenConns)
	}
	if p.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.cfg.MaxIdleConns)
	}
	if p.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.cfg.ConnMaxLifetime)
	}
	p.db = db
	p.logger.Info("warehouse pool opened",
		"max_open_conns", p.cfg.MaxOpenConns,
		"max_idle_conns", p.cfg.MaxIdleConns,
	)
	return nil
}

// openDirect builds a dedicated single-connection session outside the pool.
func (p *Provider) openDirect(ctx context.Context) (Session, error) {
	db, err := sql.Open("postgres", p.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open direct warehouse connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("acquire direct warehouse connection: %w", err)
	}
	return &directSession{db: db, conn: conn}, nil
}

// pooledSession returns its connection to the pool on Close.
type pooledSession struct {
	conn *sql.Conn
}

var _ Session = (*pooledSession)(nil)

func (s *pooledSession) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

func (s *pooledSession) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *pooledSession) ApplyTraceTag(ctx context.Context, tag string) error {
	_, err := s.conn.ExecContext(ctx, applyTraceTagQuery, tag)
	return err
}

func (s *pooledSession) Close() error {
	return s.conn.Close()
}

// directSession owns its connection and handle exclusively.
type directSession struct {
	db   *sql.DB
	conn *sql.Conn
}

var _ Session = (*directSession)(nil)

func (s *directSession) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

func (s *directSession) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *directSession) ApplyTraceTag(ctx context.Context, tag string) error {
	_, err := s.conn.ExecContext(ctx, applyTraceTagQuery, tag)
	return err
}

func (s *directSession) Close() error {
	connErr := s.conn.Close()
	dbErr := s.db.Close()
	if connErr != nil {
		return connErr
	}
	return dbErr
}
