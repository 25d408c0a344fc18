package api

import (
	"errors"
	"net/http"

	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/httputil"
	"github.com/modelgate/modelgate/pkg/middleware"
)

// login handles POST /v1/auth/session.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Username, "username") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	issued, err := s.auth.Login(r.Context(), req.Username, req.Password, req.Scopes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, newTokenResponse(issued))
}

// refresh handles POST /v1/auth/refresh. The presented token already
// passed the middleware; the service re-validates it anyway because
// issuing is stricter than serving.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := middleware.BearerToken(r)
	if !ok {
		httputil.WriteUnauthorized(w, "invalid_token", "missing or malformed authorization header")
		return
	}

	issued, err := s.auth.Refresh(r.Context(), raw)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, newTokenResponse(issued))
}

// me handles GET /v1/auth/me.
func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "invalid_token", "authentication required")
		return
	}

	scopes := principal.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	httputil.WriteSuccess(w, meResponse{
		Username: principal.Username,
		Scopes:   scopes,
		Kind:     string(principal.Kind),
		Active:   true,
	})
}

// logout handles DELETE /v1/auth/session: it revokes the presented
// token. The session path skips the auth middleware so the login POST
// can reach it unauthenticated, which means logout resolves the bearer
// token itself.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := middleware.BearerToken(r)
	if !ok {
		httputil.WriteUnauthorized(w, "invalid_token", "missing or malformed authorization header")
		return
	}

	principal, err := s.auth.Authorize(r.Context(), raw, "")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if err := s.auth.RevokeToken(r.Context(), principal.Username, principal.TokenID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// changePassword handles POST /v1/auth/password.
func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "invalid_token", "authentication required")
		return
	}

	var req changePasswordRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.CurrentPassword, "current_password") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.NewPassword, "new_password") {
		return
	}

	if err := s.auth.ChangePassword(r.Context(), principal.Username, req.CurrentPassword, req.NewPassword); err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"status": "password changed"})
}

// writeServiceError maps auth service errors onto the wire taxonomy.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		httputil.WriteUnauthorized(w, "invalid_credentials", "invalid username or password")
	case errors.Is(err, auth.ErrNoMatchingScopes):
		httputil.WriteUnauthorized(w, "no_matching_scopes", "requested scopes are not granted to this user")
	case errors.Is(err, auth.ErrInvalidToken):
		httputil.WriteUnauthorized(w, "invalid_token", "invalid or expired token")
	case errors.Is(err, auth.ErrUserInactive):
		httputil.WriteForbidden(w, "user_inactive", "user account is deactivated")
	case errors.Is(err, auth.ErrInsufficientScope):
		httputil.WriteForbidden(w, "insufficient_scope", "token does not grant the required scope")
	case errors.Is(err, auth.ErrUserNotFound):
		httputil.WriteNotFound(w, "user not found")
	case errors.Is(err, auth.ErrDuplicateUser):
		httputil.WriteConflict(w, "username or email already exists")
	case errors.Is(err, auth.ErrStoreUnavailable):
		httputil.WriteServiceUnavailable(w, "storage backend unavailable")
	default:
		s.logger.WithError(err).Error("unhandled service error")
		httputil.WriteInternalError(w)
	}
}
