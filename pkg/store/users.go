package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/modelgate/modelgate/pkg/auth"
)

// CreateUser inserts a user. Username and email collisions surface as
// auth.ErrDuplicateUser.
func (s *Store) CreateUser(ctx context.Context, user *auth.User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	scopesJSON, err := marshalScopes(auth.NormalizeScopes(user.Scopes))
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (username, email, display_name, password_hash, scopes, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, s.users)

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, query,
		user.Username,
		nullString(user.Email),
		user.DisplayName,
		user.PasswordHash,
		scopesJSON,
		user.Active,
		now,
		now,
	).Scan(&user.ID)
	if err != nil {
		return wrapErr("create user", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetUser retrieves a user by username.
func (s *Store) GetUser(ctx context.Context, username string) (*auth.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, username, email, display_name, password_hash, scopes, active, created_at, updated_at, last_login_at, last_refresh_at
		FROM %s
		WHERE username = $1
	`, s.users)

	user, err := scanUser(s.db.QueryRowContext(ctx, query, username))
	if err != nil {
		return nil, wrapErr("get user", err)
	}
	return user, nil
}

// ListUsers returns all users ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]auth.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, username, email, display_name, password_hash, scopes, active, created_at, updated_at, last_login_at, last_refresh_at
		FROM %s
		ORDER BY username ASC
	`, s.users)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapErr("list users", err)
	}
	defer rows.Close()

	var users []auth.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, wrapErr("list users", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list users", err)
	}
	return users, nil
}

// UpdateUser updates the mutable user fields: email, display name,
// scopes, active. Username and password hash are untouched; the latter
// changes only through UpdatePassword.
func (s *Store) UpdateUser(ctx context.Context, user *auth.User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	scopesJSON, err := marshalScopes(auth.NormalizeScopes(user.Scopes))
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET email = $1, display_name = $2, scopes = $3, active = $4, updated_at = $5
		WHERE username = $6
	`, s.users)

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		nullString(user.Email),
		user.DisplayName,
		scopesJSON,
		user.Active,
		now,
		user.Username,
	)
	if err != nil {
		return wrapErr("update user", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return auth.ErrUserNotFound
	}

	user.UpdatedAt = now
	return nil
}

// UpdatePassword replaces the user's password hash.
func (s *Store) UpdatePassword(ctx context.Context, username, passwordHash string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET password_hash = $1, updated_at = $2 WHERE username = $3
	`, s.users)

	res, err := s.db.ExecContext(ctx, query, passwordHash, time.Now().UTC(), username)
	if err != nil {
		return wrapErr("update password", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

// DeleteUser hard-deletes a user and all their tokens in one transaction.
// Returns the ids of the deleted tokens so the caller can invalidate
// caches.
func (s *Store) DeleteUser(ctx context.Context, username string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("delete user", err)
	}
	defer tx.Rollback()

	tokenIDs, err := selectTokenIDs(ctx, tx, fmt.Sprintf("SELECT id FROM %s WHERE username = $1", s.tokens), username)
	if err != nil {
		return nil, wrapErr("delete user", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE username = $1", s.tokens), username); err != nil {
		return nil, wrapErr("delete user", err)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE username = $1", s.users), username)
	if err != nil {
		return nil, wrapErr("delete user", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, auth.ErrUserNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("delete user", err)
	}
	return tokenIDs, nil
}

// TouchLastLogin updates the user's last-login marker.
func (s *Store) TouchLastLogin(ctx context.Context, username string) error {
	return s.touch(ctx, "last_login_at", username)
}

// TouchLastRefresh updates the user's last-refresh marker.
func (s *Store) TouchLastRefresh(ctx context.Context, username string) error {
	return s.touch(ctx, "last_refresh_at", username)
}

func (s *Store) touch(ctx context.Context, column, username string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE username = $2", s.users, column)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), username); err != nil {
		return wrapErr("touch "+column, err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var user auth.User
	var email sql.NullString
	var scopesJSON string
	var lastLogin, lastRefresh sql.NullTime

	err := row.Scan(
		&user.ID,
		&user.Username,
		&email,
		&user.DisplayName,
		&user.PasswordHash,
		&scopesJSON,
		&user.Active,
		&user.CreatedAt,
		&user.UpdatedAt,
		&lastLogin,
		&lastRefresh,
	)
	if err == sql.ErrNoRows {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	user.Scopes, err = unmarshalScopes(scopesJSON)
	if err != nil {
		return nil, err
	}

	if email.Valid {
		user.Email = email.String
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLoginAt = &t
	}
	if lastRefresh.Valid {
		t := lastRefresh.Time
		user.LastRefreshAt = &t
	}

	return &user, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
