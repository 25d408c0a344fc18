package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver for development and tests
)

// Config holds credential store configuration.
type Config struct {
	// PostgresURL selects the backend: postgres:// URLs open lib/pq,
	// anything else (a file path or :memory:) opens sqlite.
	PostgresURL string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	TablePrefix string
}

// Dialect reports which SQL dialect the config selects.
func (c Config) Dialect() string {
	if strings.HasPrefix(c.PostgresURL, "postgres://") || strings.HasPrefix(c.PostgresURL, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// Open opens the database, configures the connection pool, and verifies
// connectivity with a bounded ping.
func Open(cfg Config) (*sql.DB, error) {
	var db *sql.DB
	var err error

	switch cfg.Dialect() {
	case "postgres":
		db, err = sql.Open("postgres", cfg.PostgresURL)
	default:
		dsn := cfg.PostgresURL
		if dsn == "" {
			dsn = ":memory:"
		}
		db, err = sql.Open("sqlite3", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	// Every in-memory sqlite connection is its own database; the pool
	// must not open a second one.
	if cfg.Dialect() == "sqlite" && (cfg.PostgresURL == "" || strings.Contains(cfg.PostgresURL, ":memory:")) {
		db.SetMaxOpenConns(1)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
