// Package server wires configuration, authentication, the warehouse
// provider, and the tool gateway into a runnable MCP server.
package server

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Toolkit   ToolkitConfig   `yaml:"toolkit"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ServerConfig configures the MCP server identity and transport.
type ServerConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Profile     string `yaml:"profile"` // workload profile advertised in trace tags
	Transport   string `yaml:"transport"` // "stdio", "http"
	Address     string `yaml:"address"`
}

// AuthConfig configures credential validation.
type AuthConfig struct {
	Mode            string           `yaml:"mode"` // "none", "basic"
	CacheTTL        time.Duration    `yaml:"cache_ttl"`
	CleanupInterval time.Duration    `yaml:"cleanup_interval"`
	RateLimit       RateLimitConfig  `yaml:"rate_limit"`
	BearerUser      string           `yaml:"bearer_user"` // warehouse role bearer tokens authenticate as
	Static          StaticAuthConfig `yaml:"static"`
}

// RateLimitConfig bounds validation attempts per client fingerprint.
type RateLimitConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
}

// StaticAuthConfig configures locally defined accounts instead of
// pass-through warehouse verification.
type StaticAuthConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Accounts []StaticAccount `yaml:"accounts"`
	Tokens   []StaticToken   `yaml:"tokens"`
}

// StaticAccount is a local basic-auth account.
type StaticAccount struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// StaticToken maps a hashed bearer token to a principal.
type StaticToken struct {
	SHA256    string `yaml:"sha256"`
	Principal string `yaml:"principal"`
}

// WarehouseConfig configures the backing SQL warehouse.
type WarehouseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ToolkitConfig tunes the built-in toolkit.
type ToolkitConfig struct {
	DefaultSchema string         `yaml:"default_schema"`
	InjectArgs    map[string]any `yaml:"inject_args"`
}

// AuditConfig enables structured audit events.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a config with all defaults applied: stdio
// transport, no authentication, no warehouse.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads, env-expands, parses, and defaults a YAML config file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-warehouse-gateway"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = "stdio"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "none"
	}
	if cfg.Auth.CacheTTL == 0 {
		cfg.Auth.CacheTTL = 15 * time.Minute
	}
	if cfg.Auth.CleanupInterval == 0 {
		cfg.Auth.CleanupInterval = 1 * time.Minute
	}
	if cfg.Auth.RateLimit.MaxAttempts == 0 {
		cfg.Auth.RateLimit.MaxAttempts = 5
	}
	if cfg.Auth.RateLimit.Window == 0 {
		cfg.Auth.RateLimit.Window = 1 * time.Minute
	}
	if cfg.Warehouse.MaxOpenConns == 0 {
		cfg.Warehouse.MaxOpenConns = 25
	}
	if cfg.Warehouse.MaxIdleConns == 0 {
		cfg.Warehouse.MaxIdleConns = 5
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Server.Transport {
	case "stdio", "http":
	default:
		errs = append(errs, fmt.Sprintf("server.transport must be stdio or http, got %q", c.Server.Transport))
	}

	switch c.Auth.Mode {
	case "none", "basic":
	default:
		errs = append(errs, fmt.Sprintf("auth.mode must be none or basic, got %q", c.Auth.Mode))
	}

	if c.Auth.Mode == "basic" && c.Warehouse.DSN == "" && !c.Auth.Static.Enabled {
		errs = append(errs, "auth.mode basic requires warehouse.dsn or auth.static.enabled")
	}

	if c.Auth.Static.Enabled {
		for i, acct := range c.Auth.Static.Accounts {
			if acct.Username == "" || acct.PasswordHash == "" {
				errs = append(errs, fmt.Sprintf("auth.static.accounts[%d] needs username and password_hash", i))
			}
		}
		for i, tok := range c.Auth.Static.Tokens {
			if tok.SHA256 == "" || tok.Principal == "" {
				errs = append(errs, fmt.Sprintf("auth.static.tokens[%d] needs sha256 and principal", i))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
