package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/modelgate/modelgate/pkg/auth"
)

// Store persists users, tokens, and usage events. It implements
// auth.Store. All methods apply the configured per-call timeout and fail
// with an error wrapping auth.ErrStoreUnavailable on infrastructure
// trouble, so callers fail closed.
type Store struct {
	db      *sql.DB
	timeout time.Duration

	users       string
	tokens      string
	usageEvents string
}

// New creates a store over an opened database.
func New(db *sql.DB, cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{
		db:          db,
		timeout:     timeout,
		users:       cfg.TablePrefix + "users",
		tokens:      cfg.TablePrefix + "tokens",
		usageEvents: cfg.TablePrefix + "usage_events",
	}
}

// DB exposes the underlying handle for pool stats and health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// wrapErr classifies a database error. Row-absence sentinels pass through
// untouched; constraint violations become ErrDuplicateUser; everything
// else is infrastructure trouble and wraps ErrStoreUnavailable.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, auth.ErrTokenNotFound),
		errors.Is(err, auth.ErrDuplicateUser):
		return err
	case isUniqueViolation(err):
		return auth.ErrDuplicateUser
	default:
		return fmt.Errorf("%s: %w: %v", op, auth.ErrStoreUnavailable, err)
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func marshalScopes(scopes []string) (string, error) {
	if scopes == nil {
		scopes = []string{}
	}
	b, err := json.Marshal(scopes)
	if err != nil {
		return "", fmt.Errorf("failed to marshal scopes: %w", err)
	}
	return string(b), nil
}

func unmarshalScopes(raw string) ([]string, error) {
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
	}
	return scopes, nil
}
