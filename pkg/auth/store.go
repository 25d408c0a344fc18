package auth

import "context"

// Store is the credential persistence boundary consumed by Service. It is
// implemented by pkg/store. Lookups return ErrUserNotFound or
// ErrTokenNotFound; infrastructure failures (timeouts, broken
// connections) surface as errors wrapping ErrStoreUnavailable so callers
// fail closed.
type Store interface {
	// GetUser fetches a user by username.
	GetUser(ctx context.Context, username string) (*User, error)

	// UpdatePassword replaces the user's password hash.
	UpdatePassword(ctx context.Context, username, passwordHash string) error

	// TouchLastLogin updates the user's last-login marker.
	TouchLastLogin(ctx context.Context, username string) error

	// TouchLastRefresh updates the user's last-refresh marker.
	TouchLastRefresh(ctx context.Context, username string) error

	// InsertToken persists a freshly issued token record.
	InsertToken(ctx context.Context, rec *TokenRecord) error

	// RotateAccessToken revokes every live access token of rec.Username
	// and inserts rec, in a single transaction. After it returns, rec is
	// the user's only non-revoked access token. Returns how many prior
	// tokens were revoked.
	RotateAccessToken(ctx context.Context, rec *TokenRecord) (int64, error)

	// GetToken fetches a token record by its id.
	GetToken(ctx context.Context, tokenID string) (*TokenRecord, error)

	// RevokeToken marks one token revoked. Revoking an already-revoked
	// or unknown token is a no-op success.
	RevokeToken(ctx context.Context, username, tokenID string) error

	// RevokeUserAccessTokens marks every live access token of the user
	// revoked and returns how many were affected. Idempotent.
	RevokeUserAccessTokens(ctx context.Context, username string) (int64, error)
}
