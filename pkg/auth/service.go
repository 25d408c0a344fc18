package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelgate/modelgate/pkg/observability"
)

// ServiceConfig holds the issuance policy.
type ServiceConfig struct {
	SessionTTL time.Duration
	AccessTTL  time.Duration

	// AdminNeverExpires mints access tokens without expiry for users
	// carrying the admin scope. Evaluated at each refresh against the
	// user's current scopes, never cached from a prior token.
	AdminNeverExpires bool
}

// Service is the session/access issuance state machine. All methods are
// safe for concurrent use; the single-active-access-token rule is enforced
// by the store's transactional rotate, not by in-process locking.
type Service struct {
	store   Store
	codec   *Codec
	hasher  *Hasher
	cfg     ServiceConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	// now is overridable in tests
	now func() time.Time
}

// NewService creates the issuance service.
func NewService(store Store, codec *Codec, hasher *Hasher, cfg ServiceConfig, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		codec:   codec,
		hasher:  hasher,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Login verifies credentials and issues a session token. Granted scopes
// are requestedScopes ∩ user scopes, or the user's full scope set when
// requestedScopes is empty. Unknown username, inactive user, and wrong
// password are indistinguishable: all return ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string, requestedScopes []string) (*IssuedToken, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.countLogin("failure")
			return nil, ErrInvalidCredentials
		}
		return nil, s.storeFailure("login user lookup", err)
	}

	if !user.Active || !s.hasher.Verify(password, user.PasswordHash) {
		s.countLogin("failure")
		return nil, ErrInvalidCredentials
	}

	granted := user.Scopes
	if len(requestedScopes) > 0 {
		granted = IntersectScopes(requestedScopes, user.Scopes)
		if len(granted) == 0 {
			s.countLogin("failure")
			return nil, ErrNoMatchingScopes
		}
	}

	expires := s.now().Add(s.cfg.SessionTTL)
	signed, claims, err := s.codec.Encode(Claims{
		Subject:   user.Username,
		Scopes:    granted,
		Kind:      KindSession,
		ExpiresAt: &expires,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session token: %w", err)
	}

	rec := recordFromClaims(claims, user.Username, "login")
	if err := s.store.InsertToken(ctx, rec); err != nil {
		return nil, s.storeFailure("session token insert", err)
	}

	if err := s.store.TouchLastLogin(ctx, user.Username); err != nil {
		// The marker is informational; the issued token stands.
		s.logger.WithError(err).WithField("username", user.Username).Warn("failed to update last login marker")
	}

	s.countLogin("success")
	s.countIssued(KindSession)
	return &IssuedToken{Token: signed, Kind: KindSession, ExpiresAt: claims.ExpiresAt}, nil
}

// Refresh exchanges any valid token (session or access) for a new access
// token, revoking the user's prior access token in the same store
// transaction. All validation failures collapse to ErrInvalidToken.
func (s *Service) Refresh(ctx context.Context, rawToken string) (*IssuedToken, error) {
	claims, user, err := s.validate(ctx, rawToken)
	if err != nil {
		if errors.Is(err, ErrUserInactive) {
			// Refresh does not distinguish inactive owners.
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	return s.issueAccess(ctx, user, IntersectScopes(claims.Scopes, user.Scopes), user.Username, "refresh")
}

// AdminIssue mints an access token for the target user on behalf of an
// admin. Scopes default to the target's full scope set; requested scopes
// the target does not hold are silently dropped. The never-expires rule is
// evaluated against the target's scopes, not the admin's.
func (s *Service) AdminIssue(ctx context.Context, acting *Principal, targetUsername string, scopes []string) (*IssuedToken, error) {
	if acting == nil || !acting.IsAdmin() {
		return nil, ErrInsufficientScope
	}

	user, err := s.store.GetUser(ctx, targetUsername)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, s.storeFailure("admin issue user lookup", err)
	}

	granted := user.Scopes
	if len(scopes) > 0 {
		granted = IntersectScopes(scopes, user.Scopes)
		if len(granted) == 0 {
			return nil, ErrNoMatchingScopes
		}
	}

	return s.issueAccess(ctx, user, granted, acting.Username, "admin_issue")
}

// AdminRevoke revokes the target user's live access tokens. Idempotent:
// revoking a user with no live access token succeeds.
func (s *Service) AdminRevoke(ctx context.Context, acting *Principal, targetUsername string) error {
	if acting == nil || !acting.IsAdmin() {
		return ErrInsufficientScope
	}

	if _, err := s.store.GetUser(ctx, targetUsername); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return s.storeFailure("admin revoke user lookup", err)
	}

	n, err := s.store.RevokeUserAccessTokens(ctx, targetUsername)
	if err != nil {
		return s.storeFailure("admin revoke", err)
	}
	if n > 0 {
		s.countRevoked("admin", n)
	}
	return nil
}

// RevokeToken revokes a single token owned by the given user. Idempotent.
func (s *Service) RevokeToken(ctx context.Context, username, tokenID string) error {
	if err := s.store.RevokeToken(ctx, username, tokenID); err != nil {
		return s.storeFailure("token revoke", err)
	}
	s.countRevoked("explicit", 1)
	return nil
}

// Authorize is the per-request gate: decode the bearer token, re-check
// revocation and owner state against the store, intersect scopes, and
// enforce requiredScope (empty means any valid token passes). Store
// failures surface as ErrStoreUnavailable: authorization fails closed.
func (s *Service) Authorize(ctx context.Context, rawToken, requiredScope string) (*Principal, error) {
	start := s.now()
	principal, err := s.authorize(ctx, rawToken, requiredScope)
	if s.metrics != nil {
		s.metrics.AuthorizeDuration.Observe(time.Since(start).Seconds())
		result := "success"
		switch {
		case errors.Is(err, ErrStoreUnavailable):
			result = "store_unavailable"
		case errors.Is(err, ErrInsufficientScope):
			result = "forbidden"
		case errors.Is(err, ErrUserInactive):
			result = "inactive"
		case err != nil:
			result = "unauthenticated"
		}
		s.metrics.AuthorizeTotal.WithLabelValues(result).Inc()
	}
	return principal, err
}

func (s *Service) authorize(ctx context.Context, rawToken, requiredScope string) (*Principal, error) {
	claims, user, err := s.validate(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	effective := IntersectScopes(claims.Scopes, user.Scopes)
	if requiredScope != "" && !ContainsScope(effective, requiredScope) {
		return nil, ErrInsufficientScope
	}

	return &Principal{
		Username: user.Username,
		Scopes:   effective,
		Kind:     claims.Kind,
		TokenID:  claims.TokenID,
	}, nil
}

// ChangePassword verifies the current password and stores a hash of the
// new one. A wrong current password returns ErrInvalidCredentials.
func (s *Service) ChangePassword(ctx context.Context, username, currentPassword, newPassword string) error {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidCredentials
		}
		return s.storeFailure("change password user lookup", err)
	}

	if !s.hasher.Verify(currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash new password: %w", err)
	}

	if err := s.store.UpdatePassword(ctx, username, hash); err != nil {
		return s.storeFailure("password update", err)
	}
	return nil
}

// validate decodes the token and cross-checks the store: the record must
// exist and be non-revoked, the owner must exist and be active. Every
// failure except inactive-owner collapses to ErrInvalidToken.
func (s *Service) validate(ctx context.Context, rawToken string) (*Claims, *User, error) {
	if rawToken == "" {
		return nil, nil, ErrInvalidToken
	}

	claims, err := s.codec.Decode(rawToken)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}

	rec, err := s.store.GetToken(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, s.storeFailure("token lookup", err)
	}
	if rec.Revoked || rec.Username != claims.Subject {
		return nil, nil, ErrInvalidToken
	}

	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, s.storeFailure("token owner lookup", err)
	}
	if !user.Active {
		return nil, nil, ErrUserInactive
	}

	return claims, user, nil
}

// issueAccess mints an access token and rotates it into place: the store
// revokes any prior access token in the same transaction that inserts the
// new record, so at most one live access token exists per user.
func (s *Service) issueAccess(ctx context.Context, user *User, scopes []string, issuedBy, reason string) (*IssuedToken, error) {
	var expires *time.Time
	if !s.cfg.AdminNeverExpires || !ContainsScope(user.Scopes, ScopeAdmin) {
		t := s.now().Add(s.cfg.AccessTTL)
		expires = &t
	}

	signed, claims, err := s.codec.Encode(Claims{
		Subject:   user.Username,
		Scopes:    scopes,
		Kind:      KindAccess,
		ExpiresAt: expires,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode access token: %w", err)
	}

	rec := recordFromClaims(claims, issuedBy, reason)
	rotated, err := s.store.RotateAccessToken(ctx, rec)
	if err != nil {
		return nil, s.storeFailure("access token rotate", err)
	}

	if err := s.store.TouchLastRefresh(ctx, user.Username); err != nil {
		s.logger.WithError(err).WithField("username", user.Username).Warn("failed to update last refresh marker")
	}

	s.countIssued(KindAccess)
	if rotated > 0 {
		s.countRevoked("rotation", rotated)
	}
	return &IssuedToken{Token: signed, Kind: KindAccess, ExpiresAt: claims.ExpiresAt}, nil
}

func recordFromClaims(claims Claims, issuedBy, reason string) *TokenRecord {
	return &TokenRecord{
		ID:        claims.TokenID,
		Username:  claims.Subject,
		Kind:      claims.Kind,
		Scopes:    claims.Scopes,
		ExpiresAt: claims.ExpiresAt,
		IssuedAt:  claims.IssuedAt,
		IssuedBy:  issuedBy,
		Reason:    reason,
	}
}

func (s *Service) storeFailure(op string, err error) error {
	s.logger.WithError(err).Errorf("store failure during %s", op)
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func (s *Service) countLogin(status string) {
	if s.metrics != nil {
		s.metrics.LoginsTotal.WithLabelValues(status).Inc()
	}
}

func (s *Service) countIssued(kind TokenKind) {
	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.WithLabelValues(string(kind)).Inc()
	}
}

func (s *Service) countRevoked(reason string, n int64) {
	if s.metrics != nil {
		s.metrics.TokensRevokedTotal.WithLabelValues(reason).Add(float64(n))
	}
}
