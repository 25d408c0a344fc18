package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/modelgate/modelgate/pkg/auth"
)

// rotateRetries bounds how often RotateAccessToken retries after losing
// the concurrent-insert race on the one-active-access-token index.
const rotateRetries = 3

// InsertToken persists a freshly issued token record.
func (s *Store) InsertToken(ctx context.Context, rec *auth.TokenRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	scopesJSON, err := marshalScopes(rec.Scopes)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, username, kind, scopes, expires_at, revoked, issued_at, issued_by, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.tokens)

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Username,
		string(rec.Kind),
		scopesJSON,
		nullTime(rec.ExpiresAt),
		rec.Revoked,
		rec.IssuedAt.UTC(),
		rec.IssuedBy,
		rec.Reason,
	)
	if err != nil {
		return wrapErr("insert token", err)
	}
	return nil
}

// RotateAccessToken revokes every live access token of rec.Username and
// inserts rec in a single transaction. Two concurrent rotations for the
// same user cannot both survive: the transaction serializes them on the
// revoked rows, and the partial unique index on live access tokens
// rejects the loser of the remaining insert race, which is then retried.
func (s *Store) RotateAccessToken(ctx context.Context, rec *auth.TokenRecord) (int64, error) {
	rotated, _, err := s.rotateAccessToken(ctx, rec)
	return rotated, err
}

// rotateAccessToken additionally returns the revoked token ids so the
// caching decorator can invalidate them synchronously.
func (s *Store) rotateAccessToken(ctx context.Context, rec *auth.TokenRecord) (int64, []string, error) {
	var lastErr error
	for attempt := 0; attempt < rotateRetries; attempt++ {
		rotated, revokedIDs, err := s.rotateOnce(ctx, rec)
		if err == nil {
			return rotated, revokedIDs, nil
		}
		if !isUniqueViolation(err) {
			return 0, nil, wrapErr("rotate access token", err)
		}
		lastErr = err
	}
	return 0, nil, wrapErr("rotate access token", lastErr)
}

func (s *Store) rotateOnce(ctx context.Context, rec *auth.TokenRecord) (int64, []string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	revokedIDs, err := selectTokenIDs(ctx, tx, fmt.Sprintf(
		"SELECT id FROM %s WHERE username = $1 AND kind = $2 AND revoked = FALSE", s.tokens,
	), rec.Username, string(auth.KindAccess))
	if err != nil {
		return 0, nil, err
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET revoked = TRUE WHERE username = $1 AND kind = $2 AND revoked = FALSE", s.tokens,
	), rec.Username, string(auth.KindAccess))
	if err != nil {
		return 0, nil, err
	}
	rotated, _ := res.RowsAffected()

	scopesJSON, err := marshalScopes(rec.Scopes)
	if err != nil {
		return 0, nil, err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, username, kind, scopes, expires_at, revoked, issued_at, issued_by, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.tokens),
		rec.ID,
		rec.Username,
		string(rec.Kind),
		scopesJSON,
		nullTime(rec.ExpiresAt),
		rec.Revoked,
		rec.IssuedAt.UTC(),
		rec.IssuedBy,
		rec.Reason,
	)
	if err != nil {
		return 0, nil, err
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return rotated, revokedIDs, nil
}

// GetToken fetches a token record by id.
func (s *Store) GetToken(ctx context.Context, tokenID string) (*auth.TokenRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, username, kind, scopes, expires_at, revoked, issued_at, issued_by, reason
		FROM %s
		WHERE id = $1
	`, s.tokens)

	var rec auth.TokenRecord
	var kind, scopesJSON string
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, tokenID).Scan(
		&rec.ID,
		&rec.Username,
		&kind,
		&scopesJSON,
		&expiresAt,
		&rec.Revoked,
		&rec.IssuedAt,
		&rec.IssuedBy,
		&rec.Reason,
	)
	if err == sql.ErrNoRows {
		return nil, auth.ErrTokenNotFound
	}
	if err != nil {
		return nil, wrapErr("get token", err)
	}

	rec.Kind = auth.TokenKind(kind)
	rec.Scopes, err = unmarshalScopes(scopesJSON)
	if err != nil {
		return nil, wrapErr("get token", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

// ListUserTokens returns every token of a user, newest first. Revoked
// tokens are included so admins can audit the history.
func (s *Store) ListUserTokens(ctx context.Context, username string) ([]auth.TokenRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, username, kind, scopes, expires_at, revoked, issued_at, issued_by, reason
		FROM %s
		WHERE username = $1
		ORDER BY issued_at DESC
	`, s.tokens)

	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, wrapErr("list user tokens", err)
	}
	defer rows.Close()

	var recs []auth.TokenRecord
	for rows.Next() {
		var rec auth.TokenRecord
		var kind, scopesJSON string
		var expiresAt sql.NullTime

		if err := rows.Scan(
			&rec.ID,
			&rec.Username,
			&kind,
			&scopesJSON,
			&expiresAt,
			&rec.Revoked,
			&rec.IssuedAt,
			&rec.IssuedBy,
			&rec.Reason,
		); err != nil {
			return nil, wrapErr("list user tokens", err)
		}

		rec.Kind = auth.TokenKind(kind)
		rec.Scopes, err = unmarshalScopes(scopesJSON)
		if err != nil {
			return nil, wrapErr("list user tokens", err)
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			rec.ExpiresAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RevokeToken marks one token revoked. Unknown or already-revoked tokens
// are a no-op success.
func (s *Store) RevokeToken(ctx context.Context, username, tokenID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(
		"UPDATE %s SET revoked = TRUE WHERE id = $1 AND username = $2", s.tokens,
	)
	if _, err := s.db.ExecContext(ctx, query, tokenID, username); err != nil {
		return wrapErr("revoke token", err)
	}
	return nil
}

// RevokeUserAccessTokens marks every live access token of the user
// revoked. Idempotent.
func (s *Store) RevokeUserAccessTokens(ctx context.Context, username string) (int64, error) {
	n, _, err := s.revokeUserAccessTokens(ctx, username)
	return n, err
}

func (s *Store) revokeUserAccessTokens(ctx context.Context, username string) (int64, []string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	revokedIDs, err := selectTokenIDs(ctx, s.db, fmt.Sprintf(
		"SELECT id FROM %s WHERE username = $1 AND kind = $2 AND revoked = FALSE", s.tokens,
	), username, string(auth.KindAccess))
	if err != nil {
		return 0, nil, wrapErr("revoke access tokens", err)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET revoked = TRUE WHERE username = $1 AND kind = $2 AND revoked = FALSE", s.tokens,
	), username, string(auth.KindAccess))
	if err != nil {
		return 0, nil, wrapErr("revoke access tokens", err)
	}

	n, _ := res.RowsAffected()
	return n, revokedIDs, nil
}

// DeleteDeadTokens removes tokens that have been expired or revoked for
// longer than the retention age. Storage hygiene only: revoked and
// expired tokens already fail validation while still present.
func (s *Store) DeleteDeadTokens(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cutoff := time.Now().UTC().Add(-olderThan)
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE (revoked = TRUE AND issued_at < $1)
		   OR (expires_at IS NOT NULL AND expires_at < $2)
	`, s.tokens)

	res, err := s.db.ExecContext(ctx, query, cutoff, cutoff)
	if err != nil {
		return 0, wrapErr("delete dead tokens", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// queryer abstracts *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func selectTokenIDs(ctx context.Context, q queryer, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
