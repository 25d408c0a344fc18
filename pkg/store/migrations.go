package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/observability"
)

// Migration represents a database migration. SQL uses {{prefix}} as the
// table name prefix placeholder and {{id}} for the auto-increment primary
// key column, which differs between postgres and sqlite.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all credential store migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS {{prefix}}users (
					id {{id}},
					username VARCHAR(255) NOT NULL UNIQUE,
					email VARCHAR(255) UNIQUE,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					password_hash TEXT NOT NULL,
					scopes TEXT NOT NULL DEFAULT '[]',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					last_login_at TIMESTAMP,
					last_refresh_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_{{prefix}}users_active ON {{prefix}}users(active);
			`,
		},
		{
			Version:     2,
			Description: "Create tokens table",
			SQL: `
				CREATE TABLE IF NOT EXISTS {{prefix}}tokens (
					id VARCHAR(36) PRIMARY KEY,
					username VARCHAR(255) NOT NULL REFERENCES {{prefix}}users(username) ON DELETE CASCADE,
					kind VARCHAR(16) NOT NULL,
					scopes TEXT NOT NULL DEFAULT '[]',
					expires_at TIMESTAMP,
					revoked BOOLEAN NOT NULL DEFAULT FALSE,
					issued_at TIMESTAMP NOT NULL,
					issued_by VARCHAR(255) NOT NULL DEFAULT '',
					reason VARCHAR(255) NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_{{prefix}}tokens_username_kind ON {{prefix}}tokens(username, kind, revoked);
				CREATE INDEX IF NOT EXISTS idx_{{prefix}}tokens_expires_at ON {{prefix}}tokens(expires_at);
			`,
		},
		{
			Version:     3,
			Description: "Enforce one live access token per user",
			SQL: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_{{prefix}}tokens_one_active_access
					ON {{prefix}}tokens(username)
					WHERE kind = 'access' AND revoked = FALSE;
			`,
		},
		{
			Version:     4,
			Description: "Create usage_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS {{prefix}}usage_events (
					id {{id}},
					username VARCHAR(255) NOT NULL,
					api_type VARCHAR(64) NOT NULL,
					model VARCHAR(255) NOT NULL,
					prompt_tokens BIGINT NOT NULL DEFAULT 0,
					completion_tokens BIGINT NOT NULL DEFAULT 0,
					total_tokens BIGINT NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_{{prefix}}usage_events_username ON {{prefix}}usage_events(username, created_at);
				CREATE INDEX IF NOT EXISTS idx_{{prefix}}usage_events_created_at ON {{prefix}}usage_events(created_at);
			`,
		},
	}
}

// renderSQL substitutes the prefix and dialect placeholders.
func renderSQL(raw, prefix, dialect string) string {
	idColumn := "BIGSERIAL PRIMARY KEY"
	if dialect == "sqlite" {
		idColumn = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	out := strings.ReplaceAll(raw, "{{prefix}}", prefix)
	return strings.ReplaceAll(out, "{{id}}", idColumn)
}

// RunMigrations applies all pending migrations, tracked in a prefixed
// schema_migrations table. Each migration runs in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, cfg Config, logger *observability.Logger) error {
	tracking := cfg.TablePrefix + "schema_migrations"

	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, tracking))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s ORDER BY version", tracking))
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	dialect := cfg.Dialect()
	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		logger.WithField("version", migration.Version).Infof("applying migration: %s", migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, renderSQL(migration.SQL, cfg.TablePrefix, dialect)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (version, description) VALUES ($1, $2)", tracking),
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// EnsureDefaultAdmin creates the bootstrap admin user if it does not
// exist. Idempotent: an existing user of the same name is left untouched.
// A missing bootstrap password disables the bootstrap entirely.
func EnsureDefaultAdmin(ctx context.Context, s *Store, hasher *auth.Hasher, username, password string, logger *observability.Logger) error {
	if username == "" || password == "" {
		return nil
	}

	_, err := s.GetUser(ctx, username)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to check for default admin: %w", err)
	}

	hash, err := hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash default admin password: %w", err)
	}

	user := &auth.User{
		Username:     username,
		DisplayName:  "Default Administrator",
		PasswordHash: hash,
		Scopes:       []string{auth.ScopeAdmin},
		Active:       true,
	}
	if err := s.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("failed to create default admin: %w", err)
	}

	logger.WithField("username", username).Info("created default admin user")
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, auth.ErrUserNotFound) || errors.Is(err, auth.ErrTokenNotFound)
}
