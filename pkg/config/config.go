package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/modelgate/modelgate/pkg/observability"
)

// tablePrefixPattern restricts prefixes to safe identifier characters so
// they can be interpolated into DDL.
var tablePrefixPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	Usage         UsageConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// CORS origins for browser clients of the admin endpoints.
	AllowedOrigins []string
}

// DatabaseConfig holds credential store configuration
type DatabaseConfig struct {
	// PostgresURL is the primary connection string. Empty selects the
	// in-process sqlite store, which is only suitable for development.
	PostgresURL string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration

	// TablePrefix is prepended to every table name so the store can share
	// a database with the proxy's own tables.
	TablePrefix string

	// RetentionSchedule is a cron expression for purging long-dead tokens.
	// Empty disables the job.
	RetentionSchedule string
	RetentionAge      time.Duration
}

// RedisConfig holds the advisory cache / rate limiter configuration.
// Redis is optional: when disabled every validation hits the database.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int

	// CacheTTL bounds how long a validation result may be served without
	// consulting the database. Revocation deletes entries synchronously,
	// so this only limits staleness of scope changes.
	CacheTTL time.Duration

	// Login rate limiting (per username+IP, sliding window).
	LoginRateLimit  int
	LoginRateWindow time.Duration
}

// AuthConfig holds token issuance configuration
type AuthConfig struct {
	// Secret signs every token. There is no default: startup fails
	// without it.
	Secret string

	SessionTTL time.Duration
	AccessTTL  time.Duration

	// AdminNeverExpires mints access tokens without an expiry for users
	// holding the admin scope. Evaluated at each refresh, not stored.
	AdminNeverExpires bool

	// Bootstrap admin created on first start when the user table is empty.
	BootstrapAdminUser     string
	BootstrapAdminPassword string

	// AllowedPaths bypass token validation entirely (health probes,
	// metrics, the login endpoint itself).
	AllowedPaths []string

	BcryptCost int
}

// UsageConfig holds the async usage recorder configuration
type UsageConfig struct {
	BufferSize    int
	FlushInterval time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	LogLevelName   string
	MetricsEnabled bool
}

// DefaultConfig returns the built-in defaults. The auth secret has no
// default and must come from the file or environment.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
			AllowedOrigins:  []string{},
		},
		Database: DatabaseConfig{
			MaxConns:          25,
			MinConns:          2,
			Timeout:           5 * time.Second,
			TablePrefix:       "modelgate_",
			RetentionSchedule: "@hourly",
			RetentionAge:      30 * 24 * time.Hour,
		},
		Redis: RedisConfig{
			Enabled:         false,
			Addr:            "localhost:6379",
			CacheTTL:        30 * time.Second,
			LoginRateLimit:  10,
			LoginRateWindow: time.Minute,
		},
		Auth: AuthConfig{
			SessionTTL:         30 * time.Minute,
			AccessTTL:          30 * 24 * time.Hour,
			AdminNeverExpires:  true,
			BootstrapAdminUser: "admin",
			AllowedPaths: []string{
				"/v1/auth/session",
				"/healthz",
				"/readyz",
				"/metrics",
			},
			BcryptCost: 12,
		},
		Usage: UsageConfig{
			BufferSize:    1024,
			FlushInterval: 5 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.InfoLevel,
			LogLevelName:   "info",
			MetricsEnabled: true,
		},
	}
}

// Load resolves configuration: defaults, then the optional YAML file named
// by MODELGATE_CONFIG_FILE, then environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("MODELGATE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.loadEnv()
	cfg.Observability.LogLevel = observability.ParseLogLevel(cfg.Observability.LogLevelName)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadEnv() {
	// Server
	setString(&c.Server.Host, "MODELGATE_HOST")
	setString(&c.Server.Port, "MODELGATE_PORT")
	setString(&c.Server.HealthPort, "MODELGATE_HEALTH_PORT")
	setDuration(&c.Server.ReadTimeout, "MODELGATE_READ_TIMEOUT")
	setDuration(&c.Server.WriteTimeout, "MODELGATE_WRITE_TIMEOUT")
	setDuration(&c.Server.IdleTimeout, "MODELGATE_IDLE_TIMEOUT")
	setDuration(&c.Server.ShutdownTimeout, "MODELGATE_SHUTDOWN_TIMEOUT")
	setStringList(&c.Server.AllowedOrigins, "MODELGATE_ALLOWED_ORIGINS")

	// Database
	setString(&c.Database.PostgresURL, "MODELGATE_POSTGRES_URL")
	setInt(&c.Database.MaxConns, "MODELGATE_POSTGRES_MAX_CONNS")
	setInt(&c.Database.MinConns, "MODELGATE_POSTGRES_MIN_CONNS")
	setDuration(&c.Database.Timeout, "MODELGATE_POSTGRES_TIMEOUT")
	setString(&c.Database.TablePrefix, "MODELGATE_TABLE_PREFIX")
	setString(&c.Database.RetentionSchedule, "MODELGATE_RETENTION_SCHEDULE")
	setDuration(&c.Database.RetentionAge, "MODELGATE_RETENTION_AGE")

	// Redis
	setBool(&c.Redis.Enabled, "MODELGATE_REDIS_ENABLED")
	setString(&c.Redis.Addr, "MODELGATE_REDIS_ADDR")
	setString(&c.Redis.Password, "MODELGATE_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "MODELGATE_REDIS_DB")
	setDuration(&c.Redis.CacheTTL, "MODELGATE_REDIS_CACHE_TTL")
	setInt(&c.Redis.LoginRateLimit, "MODELGATE_LOGIN_RATE_LIMIT")
	setDuration(&c.Redis.LoginRateWindow, "MODELGATE_LOGIN_RATE_WINDOW")

	// Auth
	setString(&c.Auth.Secret, "MODELGATE_AUTH_SECRET")
	setDuration(&c.Auth.SessionTTL, "MODELGATE_SESSION_TTL")
	setDuration(&c.Auth.AccessTTL, "MODELGATE_ACCESS_TTL")
	setBool(&c.Auth.AdminNeverExpires, "MODELGATE_ADMIN_NEVER_EXPIRES")
	setString(&c.Auth.BootstrapAdminUser, "MODELGATE_BOOTSTRAP_ADMIN_USER")
	setString(&c.Auth.BootstrapAdminPassword, "MODELGATE_BOOTSTRAP_ADMIN_PASSWORD")
	setStringList(&c.Auth.AllowedPaths, "MODELGATE_ALLOWED_PATHS")
	setInt(&c.Auth.BcryptCost, "MODELGATE_BCRYPT_COST")

	// Usage
	setInt(&c.Usage.BufferSize, "MODELGATE_USAGE_BUFFER_SIZE")
	setDuration(&c.Usage.FlushInterval, "MODELGATE_USAGE_FLUSH_INTERVAL")

	// Observability
	setString(&c.Observability.LogLevelName, "MODELGATE_LOG_LEVEL")
	setBool(&c.Observability.MetricsEnabled, "MODELGATE_METRICS_ENABLED")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required (set MODELGATE_AUTH_SECRET)")
	}
	if len(c.Auth.Secret) < 32 {
		return fmt.Errorf("auth secret must be at least 32 bytes, got %d", len(c.Auth.Secret))
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Auth.AccessTTL <= 0 {
		return fmt.Errorf("access TTL must be positive")
	}
	if c.Auth.SessionTTL > c.Auth.AccessTTL {
		return fmt.Errorf("session TTL must not exceed access TTL")
	}

	if !tablePrefixPattern.MatchString(c.Database.TablePrefix) {
		return fmt.Errorf("invalid table prefix %q (must match %s)", c.Database.TablePrefix, tablePrefixPattern)
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("min connections must be between 0 and max connections")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}

	if c.Usage.BufferSize <= 0 {
		return fmt.Errorf("usage buffer size must be positive")
	}

	return nil
}

func setString(dest *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dest = value
	}
}

func setStringList(dest *[]string, key string) {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dest = out
	}
}

func setBool(dest *bool, key string) {
	if value := os.Getenv(key); value != "" {
		*dest = strings.ToLower(value) == "true" || value == "1"
	}
}

func setInt(dest *int, key string) {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			*dest = intVal
		}
	}
}

func setDuration(dest *time.Duration, key string) {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			*dest = duration
		}
	}
}
