package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for YAML decoding. Durations are strings in
// Go notation ("15s", "720h") since yaml.v3 cannot decode them natively.
// Pointer fields distinguish "absent" from zero values so the file only
// overrides what it actually sets.
type fileConfig struct {
	Server struct {
		Host            *string  `yaml:"host"`
		Port            *string  `yaml:"port"`
		HealthPort      *string  `yaml:"health_port"`
		ReadTimeout     *string  `yaml:"read_timeout"`
		WriteTimeout    *string  `yaml:"write_timeout"`
		IdleTimeout     *string  `yaml:"idle_timeout"`
		ShutdownTimeout *string  `yaml:"shutdown_timeout"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Database struct {
		PostgresURL       *string `yaml:"postgres_url"`
		MaxConns          *int    `yaml:"max_conns"`
		MinConns          *int    `yaml:"min_conns"`
		Timeout           *string `yaml:"timeout"`
		TablePrefix       *string `yaml:"table_prefix"`
		RetentionSchedule *string `yaml:"retention_schedule"`
		RetentionAge      *string `yaml:"retention_age"`
	} `yaml:"database"`

	Redis struct {
		Enabled         *bool   `yaml:"enabled"`
		Addr            *string `yaml:"addr"`
		Password        *string `yaml:"password"`
		DB              *int    `yaml:"db"`
		CacheTTL        *string `yaml:"cache_ttl"`
		LoginRateLimit  *int    `yaml:"login_rate_limit"`
		LoginRateWindow *string `yaml:"login_rate_window"`
	} `yaml:"redis"`

	Auth struct {
		Secret                 *string  `yaml:"secret"`
		SessionTTL             *string  `yaml:"session_ttl"`
		AccessTTL              *string  `yaml:"access_ttl"`
		AdminNeverExpires      *bool    `yaml:"admin_never_expires"`
		BootstrapAdminUser     *string  `yaml:"bootstrap_admin_user"`
		BootstrapAdminPassword *string  `yaml:"bootstrap_admin_password"`
		AllowedPaths           []string `yaml:"allowed_paths"`
		BcryptCost             *int     `yaml:"bcrypt_cost"`
	} `yaml:"auth"`

	Usage struct {
		BufferSize    *int    `yaml:"buffer_size"`
		FlushInterval *string `yaml:"flush_interval"`
	} `yaml:"usage"`

	Observability struct {
		LogLevel       *string `yaml:"log_level"`
		MetricsEnabled *bool   `yaml:"metrics_enabled"`
	} `yaml:"observability"`
}

// loadFile applies a YAML config file over the current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyString(&c.Server.Host, fc.Server.Host)
	applyString(&c.Server.Port, fc.Server.Port)
	applyString(&c.Server.HealthPort, fc.Server.HealthPort)
	if err := applyDuration(&c.Server.ReadTimeout, fc.Server.ReadTimeout); err != nil {
		return fmt.Errorf("server.read_timeout: %w", err)
	}
	if err := applyDuration(&c.Server.WriteTimeout, fc.Server.WriteTimeout); err != nil {
		return fmt.Errorf("server.write_timeout: %w", err)
	}
	if err := applyDuration(&c.Server.IdleTimeout, fc.Server.IdleTimeout); err != nil {
		return fmt.Errorf("server.idle_timeout: %w", err)
	}
	if err := applyDuration(&c.Server.ShutdownTimeout, fc.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("server.shutdown_timeout: %w", err)
	}
	if fc.Server.AllowedOrigins != nil {
		c.Server.AllowedOrigins = fc.Server.AllowedOrigins
	}

	applyString(&c.Database.PostgresURL, fc.Database.PostgresURL)
	applyInt(&c.Database.MaxConns, fc.Database.MaxConns)
	applyInt(&c.Database.MinConns, fc.Database.MinConns)
	if err := applyDuration(&c.Database.Timeout, fc.Database.Timeout); err != nil {
		return fmt.Errorf("database.timeout: %w", err)
	}
	applyString(&c.Database.TablePrefix, fc.Database.TablePrefix)
	applyString(&c.Database.RetentionSchedule, fc.Database.RetentionSchedule)
	if err := applyDuration(&c.Database.RetentionAge, fc.Database.RetentionAge); err != nil {
		return fmt.Errorf("database.retention_age: %w", err)
	}

	applyBool(&c.Redis.Enabled, fc.Redis.Enabled)
	applyString(&c.Redis.Addr, fc.Redis.Addr)
	applyString(&c.Redis.Password, fc.Redis.Password)
	applyInt(&c.Redis.DB, fc.Redis.DB)
	if err := applyDuration(&c.Redis.CacheTTL, fc.Redis.CacheTTL); err != nil {
		return fmt.Errorf("redis.cache_ttl: %w", err)
	}
	applyInt(&c.Redis.LoginRateLimit, fc.Redis.LoginRateLimit)
	if err := applyDuration(&c.Redis.LoginRateWindow, fc.Redis.LoginRateWindow); err != nil {
		return fmt.Errorf("redis.login_rate_window: %w", err)
	}

	applyString(&c.Auth.Secret, fc.Auth.Secret)
	if err := applyDuration(&c.Auth.SessionTTL, fc.Auth.SessionTTL); err != nil {
		return fmt.Errorf("auth.session_ttl: %w", err)
	}
	if err := applyDuration(&c.Auth.AccessTTL, fc.Auth.AccessTTL); err != nil {
		return fmt.Errorf("auth.access_ttl: %w", err)
	}
	applyBool(&c.Auth.AdminNeverExpires, fc.Auth.AdminNeverExpires)
	applyString(&c.Auth.BootstrapAdminUser, fc.Auth.BootstrapAdminUser)
	applyString(&c.Auth.BootstrapAdminPassword, fc.Auth.BootstrapAdminPassword)
	if fc.Auth.AllowedPaths != nil {
		c.Auth.AllowedPaths = fc.Auth.AllowedPaths
	}
	applyInt(&c.Auth.BcryptCost, fc.Auth.BcryptCost)

	applyInt(&c.Usage.BufferSize, fc.Usage.BufferSize)
	if err := applyDuration(&c.Usage.FlushInterval, fc.Usage.FlushInterval); err != nil {
		return fmt.Errorf("usage.flush_interval: %w", err)
	}

	applyString(&c.Observability.LogLevelName, fc.Observability.LogLevel)
	applyBool(&c.Observability.MetricsEnabled, fc.Observability.MetricsEnabled)

	return nil
}

func applyString(dest *string, src *string) {
	if src != nil {
		*dest = *src
	}
}

func applyInt(dest *int, src *int) {
	if src != nil {
		*dest = *src
	}
}

func applyBool(dest *bool, src *bool) {
	if src != nil {
		*dest = *src
	}
}

func applyDuration(dest *time.Duration, src *string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", *src, err)
	}
	*dest = d
	return nil
}
