package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-warehouse-gateway/pkg/audit"
	"github.com/txn2/mcp-warehouse-gateway/pkg/auth"
	"github.com/txn2/mcp-warehouse-gateway/pkg/gateway"
	"github.com/txn2/mcp-warehouse-gateway/pkg/health"
	gwhttp "github.com/txn2/mcp-warehouse-gateway/pkg/http"
	"github.com/txn2/mcp-warehouse-gateway/pkg/requestctx"
	"github.com/txn2/mcp-warehouse-gateway/pkg/toolkits/base"
	"github.com/txn2/mcp-warehouse-gateway/pkg/warehouse"
)

// Server assembles the gateway's components around an MCP server.
type Server struct {
	cfg       *Config
	logger    *slog.Logger
	mcpServer *mcp.Server
	provider  *warehouse.Provider
	cache     *auth.PrincipalCache
	limiter   *auth.RateLimiter
	auditLog  audit.Logger
	gateway   *gateway.Gateway
	health    *health.Checker
	closeOnce sync.Once
}

// New builds a server from a validated configuration.
func New(cfg *Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger}

	s.provider = warehouse.NewProvider(warehouse.Config{
		DSN:             cfg.Warehouse.DSN,
		MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
		MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
		ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
	}, logger)

	s.auditLog = audit.Logger(audit.Noop{})
	if cfg.Audit.Enabled {
		s.auditLog = audit.NewSlogLogger(logger)
	}

	var validator *auth.Validator
	if cfg.Auth.Mode == auth.ModeBasic {
		s.cache = auth.NewPrincipalCache(cfg.Auth.CacheTTL)
		s.cache.StartCleanup(cfg.Auth.CleanupInterval)

		s.limiter = auth.NewRateLimiter(cfg.Auth.RateLimit.MaxAttempts, cfg.Auth.RateLimit.Window)
		s.limiter.StartCleanup(cfg.Auth.CleanupInterval)

		validator = auth.NewValidator(s.buildVerifier(), s.limiter, logger)
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, nil)

	s.gateway = gateway.New(gateway.Config{
		Application: cfg.Server.Name,
		Profile:     cfg.Server.Profile,
		AuthMode:    cfg.Auth.Mode,
	}, s.provider, s.auditLog, logger)

	for _, d := range base.Descriptors(base.Config{
		DefaultSchema: cfg.Toolkit.DefaultSchema,
		InjectArgs:    cfg.Toolkit.InjectArgs,
	}) {
		if err := s.gateway.Register(s.mcpServer, d); err != nil {
			return nil, fmt.Errorf("register %s: %w", d.Name, err)
		}
	}
	s.registerInfoTool()

	s.health = health.NewChecker()
	if cfg.Warehouse.DSN != "" {
		s.health.RegisterProbe("warehouse", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return s.provider.Ping(ctx)
		})
	}

	capture := requestctx.NewCapture(requestctx.CaptureConfig{
		Transport: s.transportKind(),
		AuthMode:  cfg.Auth.Mode,
	}, s.cache, validator, s.auditLog, logger)
	s.mcpServer.AddReceivingMiddleware(capture.Middleware())

	return s, nil
}

// buildVerifier selects static accounts when configured, otherwise
// pass-through warehouse verification.
func (s *Server) buildVerifier() auth.Verifier {
	if s.cfg.Auth.Static.Enabled {
		accounts := make(map[string]string, len(s.cfg.Auth.Static.Accounts))
		for _, acct := range s.cfg.Auth.Static.Accounts {
			accounts[acct.Username] = acct.PasswordHash
		}
		tokens := make(map[string]string, len(s.cfg.Auth.Static.Tokens))
		for _, tok := range s.cfg.Auth.Static.Tokens {
			tokens[tok.SHA256] = tok.Principal
		}
		return auth.NewStaticVerifier(accounts, tokens)
	}
	return warehouse.NewVerifier(s.cfg.Warehouse.DSN, s.cfg.Auth.BearerUser, s.logger)
}

func (s *Server) transportKind() string {
	if s.cfg.Server.Transport == "http" {
		return requestctx.TransportHTTP
	}
	return requestctx.TransportStdio
}

// MCPServer exposes the underlying MCP server for in-memory transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Health exposes the readiness checker.
func (s *Server) Health() *health.Checker {
	return s.health
}

// Handler returns the HTTP handler chain fronting the MCP server. Health
// probe endpoints sit outside the authorization gate.
func (s *Server) Handler() http.Handler {
	streamable := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)

	var handler http.Handler = streamable
	handler = gwhttp.HeaderCapture(handler)
	if s.cfg.Auth.Mode == auth.ModeBasic {
		handler = gwhttp.RequireAuthorization(handler)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", s.health.LivenessHandler())
	mux.Handle("/readyz", s.health.ReadinessHandler())
	mux.Handle("/", handler)
	return mux
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	if s.cfg.Server.Transport == "stdio" {
		s.logger.Info("serving on stdio",
			"name", s.cfg.Server.Name,
			"version", s.cfg.Server.Version,
			"auth_mode", s.cfg.Auth.Mode,
		)
		s.health.SetReady()
		return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving streamable http",
			"address", s.cfg.Server.Address,
			"auth_mode", s.cfg.Auth.Mode,
		)
		errCh <- httpServer.ListenAndServe()
	}()
	s.health.SetReady()

	select {
	case <-ctx.Done():
		s.health.SetDraining()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases background resources. Safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.cache != nil {
			s.cache.Stop()
		}
		if s.limiter != nil {
			s.limiter.Stop()
		}
		if closer, ok := s.auditLog.(*audit.SlogLogger); ok {
			closer.Close()
		}
		if err := s.provider.Close(); err != nil {
			s.logger.Warn("closing warehouse provider", "error", err)
		}
	})
}
