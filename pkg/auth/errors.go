package auth

import "errors"

// Sentinel errors for the authentication and authorization paths. Handlers
// map these to HTTP statuses; the mapping is deliberately coarse so that
// responses never reveal which internal check failed.
var (
	// ErrInvalidCredentials covers unknown username, inactive user at
	// login, and password mismatch. Indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken covers every token failure at validation time:
	// malformed, bad signature, expired, revoked, or unknown owner.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoMatchingScopes means the requested scopes share nothing with
	// the user's scope set.
	ErrNoMatchingScopes = errors.New("no matching scopes")

	// ErrInsufficientScope means the caller is known but lacks the
	// required scope. Surfaced as 403, distinct from 401.
	ErrInsufficientScope = errors.New("insufficient scope")

	// ErrUserInactive means a valid token belongs to a deactivated user.
	// Surfaced as 403: the caller's identity is known.
	ErrUserInactive = errors.New("user is inactive")

	// ErrUserNotFound is returned by store lookups for a missing user.
	ErrUserNotFound = errors.New("user not found")

	// ErrTokenNotFound is returned by store lookups for a missing token.
	ErrTokenNotFound = errors.New("token not found")

	// ErrDuplicateUser means a username or email collision on create.
	ErrDuplicateUser = errors.New("username or email already exists")

	// ErrStoreUnavailable wraps store timeouts and connection failures.
	// Authorization fails closed on it, never open.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

// Decode failure classification. All three satisfy
// errors.Is(err, ErrInvalidToken) so callers that do not care about the
// reason can match the umbrella sentinel.
var (
	ErrTokenMalformed    = tokenError{"token is malformed"}
	ErrTokenBadSignature = tokenError{"token signature is invalid"}
	ErrTokenExpired      = tokenError{"token is expired"}
)

type tokenError struct{ msg string }

func (e tokenError) Error() string { return e.msg }

func (e tokenError) Is(target error) bool { return target == ErrInvalidToken }
