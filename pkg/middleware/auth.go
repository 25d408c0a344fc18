package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/contextkeys"
	"github.com/modelgate/modelgate/pkg/httputil"
	"github.com/modelgate/modelgate/pkg/observability"
)

// AuthMiddleware authenticates every request against the token service.
type AuthMiddleware struct {
	service      *auth.Service
	allowedPaths map[string]struct{}
	logger       *observability.Logger
}

// NewAuthMiddleware creates the authentication middleware. Requests to
// an allowed path skip token validation entirely.
func NewAuthMiddleware(service *auth.Service, allowedPaths []string, logger *observability.Logger) *AuthMiddleware {
	allowed := make(map[string]struct{}, len(allowedPaths))
	for _, p := range allowedPaths {
		allowed[p] = struct{}{}
	}
	return &AuthMiddleware{
		service:      service,
		allowedPaths: allowed,
		logger:       logger,
	}
}

// Handler wraps an HTTP handler with bearer token authentication. On
// success the effective principal is added to the request context.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := m.allowedPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := BearerToken(r)
		if !ok {
			httputil.WriteUnauthorized(w, "invalid_token", "missing or malformed authorization header")
			return
		}

		principal, err := m.service.Authorize(r.Context(), token, "")
		if err != nil {
			writeAuthError(w, err)
			return
		}

		ctx := contextkeys.WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// writeAuthError maps authorization failures onto the wire taxonomy.
// Store trouble is 503, never a silent allow.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrStoreUnavailable):
		httputil.WriteServiceUnavailable(w, "authorization backend unavailable")
	case errors.Is(err, auth.ErrUserInactive):
		httputil.WriteForbidden(w, "user_inactive", "user account is deactivated")
	case errors.Is(err, auth.ErrInsufficientScope):
		httputil.WriteForbidden(w, "insufficient_scope", "token does not grant the required scope")
	default:
		httputil.WriteUnauthorized(w, "invalid_token", "invalid or expired token")
	}
}

// GetPrincipal extracts the authenticated principal from the request
// context. Returns nil on unauthenticated requests.
func GetPrincipal(r *http.Request) *auth.Principal {
	principal, ok := r.Context().Value(contextkeys.PrincipalKey).(*auth.Principal)
	if !ok {
		return nil
	}
	return principal
}

// RequireScope gates a route on one effective scope. It runs after
// AuthMiddleware and checks the principal's already-intersected scopes.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r)
			if principal == nil {
				httputil.WriteUnauthorized(w, "invalid_token", "authentication required")
				return
			}
			if !principal.HasScope(scope) {
				httputil.WriteForbidden(w, "insufficient_scope", "token does not grant the required scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin gates a route on the admin scope.
func RequireAdmin() func(http.Handler) http.Handler {
	return RequireScope(auth.ScopeAdmin)
}
