// Package config provides application configuration management.
//
// # Overview
//
// Configuration is resolved in three layers: built-in defaults, then an
// optional YAML file (MODELGATE_CONFIG_FILE), then MODELGATE_* environment
// variables. The result is validated once at startup; handlers receive the
// typed Config by injection and never read the environment themselves.
//
// # Configuration Structure
//
// Server settings:
//
//	MODELGATE_HOST="0.0.0.0"
//	MODELGATE_PORT="8080"
//	MODELGATE_HEALTH_PORT="9090"
//	MODELGATE_READ_TIMEOUT="15s"
//	MODELGATE_WRITE_TIMEOUT="15s"
//
// Database settings:
//
//	MODELGATE_POSTGRES_URL="postgres://localhost/modelgate"
//	MODELGATE_POSTGRES_MAX_CONNS="25"
//	MODELGATE_POSTGRES_TIMEOUT="5s"
//	MODELGATE_TABLE_PREFIX="modelgate_"
//
// Auth settings:
//
//	MODELGATE_AUTH_SECRET="..."          # required, no default
//	MODELGATE_SESSION_TTL="30m"
//	MODELGATE_ACCESS_TTL="720h"
//	MODELGATE_ADMIN_NEVER_EXPIRES="true"
//	MODELGATE_BOOTSTRAP_ADMIN_PASSWORD="..."
//
// Redis settings (advisory cache and login rate limiting):
//
//	MODELGATE_REDIS_ENABLED="true"
//	MODELGATE_REDIS_ADDR="localhost:6379"
//
// Observability settings:
//
//	MODELGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	MODELGATE_METRICS_ENABLED="true"
//
// # Usage Example
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
package config
