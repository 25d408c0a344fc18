package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/pkg/observability"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MODELGATE_AUTH_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "modelgate_", cfg.Database.TablePrefix)
	assert.Equal(t, 30*time.Minute, cfg.Auth.SessionTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.AccessTTL)
	assert.True(t, cfg.Auth.AdminNeverExpires)
	assert.False(t, cfg.Redis.Enabled)
	assert.Contains(t, cfg.Auth.AllowedPaths, "/v1/auth/session")
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
}

func TestLoadMissingSecret(t *testing.T) {
	os.Unsetenv("MODELGATE_AUTH_SECRET")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth secret is required")
}

func TestLoadShortSecret(t *testing.T) {
	t.Setenv("MODELGATE_AUTH_SECRET", "tooshort")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MODELGATE_AUTH_SECRET", testSecret)
	t.Setenv("MODELGATE_PORT", "9999")
	t.Setenv("MODELGATE_SESSION_TTL", "5m")
	t.Setenv("MODELGATE_REDIS_ENABLED", "true")
	t.Setenv("MODELGATE_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("MODELGATE_TABLE_PREFIX", "gw_")
	t.Setenv("MODELGATE_ALLOWED_PATHS", "/v1/auth/session, /healthz")
	t.Setenv("MODELGATE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Auth.SessionTTL)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "gw_", cfg.Database.TablePrefix)
	assert.Equal(t, []string{"/v1/auth/session", "/healthz"}, cfg.Auth.AllowedPaths)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelgate.yaml")
	content := `
server:
  port: "8088"
  read_timeout: 20s
database:
  table_prefix: proxy_
  max_conns: 10
auth:
  secret: "` + testSecret + `"
  session_ttl: 15m
  admin_never_expires: false
redis:
  enabled: true
  addr: cache:6379
  cache_ttl: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("MODELGATE_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8088", cfg.Server.Port)
	assert.Equal(t, 20*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "proxy_", cfg.Database.TablePrefix)
	assert.Equal(t, 10, cfg.Database.MaxConns)
	assert.Equal(t, 15*time.Minute, cfg.Auth.SessionTTL)
	assert.False(t, cfg.Auth.AdminNeverExpires)
	assert.Equal(t, 45*time.Second, cfg.Redis.CacheTTL)
}

func TestEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelgate.yaml")
	content := `
server:
  port: "8088"
auth:
  secret: "` + testSecret + `"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("MODELGATE_CONFIG_FILE", path)
	t.Setenv("MODELGATE_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
}

func TestLoadBadDurationInFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelgate.yaml")
	content := `
auth:
  secret: "` + testSecret + `"
  session_ttl: soon
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("MODELGATE_CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_ttl")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Auth.Secret = testSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "same ports",
			mutate:  func(c *Config) { c.Server.HealthPort = c.Server.Port },
			wantErr: "must be different",
		},
		{
			name:    "bad table prefix",
			mutate:  func(c *Config) { c.Database.TablePrefix = "1bad;drop" },
			wantErr: "invalid table prefix",
		},
		{
			name:    "session longer than access",
			mutate:  func(c *Config) { c.Auth.SessionTTL = c.Auth.AccessTTL + time.Hour },
			wantErr: "must not exceed access TTL",
		},
		{
			name:    "redis enabled without addr",
			mutate:  func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" },
			wantErr: "redis address is required",
		},
		{
			name:    "min conns above max",
			mutate:  func(c *Config) { c.Database.MinConns = c.Database.MaxConns + 1 },
			wantErr: "min connections",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
