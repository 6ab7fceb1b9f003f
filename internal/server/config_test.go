package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_GW_DB_USER", "svc_gateway")

	path := writeConfig(t, `
server:
  name: analytics-gateway
  transport: http
  address: ":9090"
  profile: analytics
auth:
  mode: basic
  rate_limit:
    max_attempts: 3
warehouse:
  dsn: postgres://${TEST_GW_DB_USER}:pw@warehouse:5432/analytics
toolkit:
  default_schema: sales
  inject_args:
    region: us-east
audit:
  enabled: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "analytics-gateway", cfg.Server.Name)
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "analytics", cfg.Server.Profile)
	assert.Equal(t, "basic", cfg.Auth.Mode)
	assert.Equal(t, 3, cfg.Auth.RateLimit.MaxAttempts)
	assert.Equal(t, "postgres://svc_gateway:pw@warehouse:5432/analytics", cfg.Warehouse.DSN)
	assert.Equal(t, "sales", cfg.Toolkit.DefaultSchema)
	assert.Equal(t, "us-east", cfg.Toolkit.InjectArgs["region"])
	assert.True(t, cfg.Audit.Enabled)

	// Defaults fill what the file omits.
	assert.Equal(t, "1.0.0", cfg.Server.Version)
	assert.Equal(t, 15*time.Minute, cfg.Auth.CacheTTL)
	assert.Equal(t, 1*time.Minute, cfg.Auth.RateLimit.Window)
	assert.Equal(t, 25, cfg.Warehouse.MaxOpenConns)
	assert.Equal(t, 5, cfg.Warehouse.MaxIdleConns)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigDefaultsOnly(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "mcp-warehouse-gateway", cfg.Server.Name)
	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, "none", cfg.Auth.Mode)
	assert.Equal(t, 5, cfg.Auth.RateLimit.MaxAttempts)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestLoadConfigBadYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "server: [not a map\n"))
	assert.ErrorContains(t, err, "parsing config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"bad transport",
			func(c *Config) { c.Server.Transport = "grpc" },
			"server.transport must be stdio or http",
		},
		{
			"bad auth mode",
			func(c *Config) { c.Auth.Mode = "oauth" },
			"auth.mode must be none or basic",
		},
		{
			"basic without backend",
			func(c *Config) { c.Auth.Mode = "basic" },
			"requires warehouse.dsn or auth.static.enabled",
		},
		{
			"static account missing hash",
			func(c *Config) {
				c.Auth.Static.Enabled = true
				c.Auth.Static.Accounts = []StaticAccount{{Username: "alice"}}
			},
			"needs username and password_hash",
		},
		{
			"static token missing principal",
			func(c *Config) {
				c.Auth.Static.Enabled = true
				c.Auth.Static.Tokens = []StaticToken{{SHA256: "abc"}}
			},
			"needs sha256 and principal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("GW_TEST_VALUE", "expanded")

	assert.Equal(t, "value: expanded", expandEnvVars("value: ${GW_TEST_VALUE}"))
	assert.Equal(t, "value: ", expandEnvVars("value: ${GW_TEST_UNSET_VALUE}"))
	assert.Equal(t, "no vars here", expandEnvVars("no vars here"))
}
