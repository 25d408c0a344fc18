package api

import (
	"net/http"
	"time"

	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/httputil"
	"github.com/modelgate/modelgate/pkg/middleware"
)

// listUsers handles GET /v1/admin/users.
func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := make([]userResponse, 0, len(users))
	for i := range users {
		out = append(out, newUserResponse(&users[i]))
	}
	httputil.WriteSuccess(w, out)
}

// createUser handles POST /v1/admin/users.
func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Username, "username") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		s.logger.WithError(err).Error("failed to hash password")
		httputil.WriteInternalError(w)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	user := &auth.User{
		Username:     req.Username,
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Scopes:       auth.NormalizeScopes(req.Scopes),
		Active:       active,
	}

	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, newUserResponse(user))
}

// getUser handles GET /v1/admin/users/{username}.
func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	username, ok := httputil.ParsePathStringOrError(w, r, "username")
	if !ok {
		return
	}

	user, err := s.store.GetUser(r.Context(), username)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, newUserResponse(user))
}

// updateUser handles PUT /v1/admin/users/{username}. Absent fields keep
// their current value.
func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	username, ok := httputil.ParsePathStringOrError(w, r, "username")
	if !ok {
		return
	}

	var req updateUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, err := s.store.GetUser(r.Context(), username)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.DisplayName != nil {
		user.DisplayName = *req.DisplayName
	}
	if req.Scopes != nil {
		user.Scopes = auth.NormalizeScopes(req.Scopes)
	}
	if req.Active != nil {
		user.Active = *req.Active
	}

	if err := s.store.UpdateUser(r.Context(), user); err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, newUserResponse(user))
}

// deleteUser handles DELETE /v1/admin/users/{username}. The store
// cascades the user's tokens and the cache layer drops them.
func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	username, ok := httputil.ParsePathStringOrError(w, r, "username")
	if !ok {
		return
	}

	if _, err := s.store.DeleteUser(r.Context(), username); err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// issueToken handles POST /v1/admin/users/{username}/token.
func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	username, ok := httputil.ParsePathStringOrError(w, r, "username")
	if !ok {
		return
	}

	var req issueTokenRequest
	if r.ContentLength > 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	issued, err := s.auth.AdminIssue(r.Context(), middleware.GetPrincipal(r), username, req.Scopes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, newTokenResponse(issued))
}

// revokeTokens handles DELETE /v1/admin/users/{username}/token.
// Idempotent: revoking a user with no live access token is still 204.
func (s *Server) revokeTokens(w http.ResponseWriter, r *http.Request) {
	username, ok := httputil.ParsePathStringOrError(w, r, "username")
	if !ok {
		return
	}

	if err := s.auth.AdminRevoke(r.Context(), middleware.GetPrincipal(r), username); err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// listUserTokens handles GET /v1/admin/users/{username}/tokens.
func (s *Server) listUserTokens(w http.ResponseWriter, r *http.Request) {
	username, ok := httputil.ParsePathStringOrError(w, r, "username")
	if !ok {
		return
	}

	if _, err := s.store.GetUser(r.Context(), username); err != nil {
		s.writeServiceError(w, err)
		return
	}

	records, err := s.store.ListUserTokens(r.Context(), username)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := make([]tokenRecordResponse, 0, len(records))
	for _, rec := range records {
		scopes := rec.Scopes
		if scopes == nil {
			scopes = []string{}
		}
		out = append(out, tokenRecordResponse{
			ID:        rec.ID,
			Kind:      string(rec.Kind),
			Scopes:    scopes,
			ExpiresAt: formatExpiry(rec.ExpiresAt),
			Revoked:   rec.Revoked,
			IssuedAt:  rec.IssuedAt.UTC().Format(time.RFC3339),
			IssuedBy:  rec.IssuedBy,
			Reason:    rec.Reason,
		})
	}
	httputil.WriteSuccess(w, out)
}

// usageSummary handles GET /v1/admin/usage?window=24h.
func (s *Server) usageSummary(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := httputil.ParseQueryString(r, "window", ""); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			httputil.WriteValidationError(w, "window must be a positive duration like 24h")
			return
		}
		window = parsed
	}

	rows, err := s.store.UsageSummary(r.Context(), time.Now().UTC().Add(-window))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := make([]usageRowResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, usageRowResponse{
			Username:         row.Username,
			APIType:          row.APIType,
			Model:            row.Model,
			Requests:         row.Requests,
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
			TotalTokens:      row.TotalTokens,
		})
	}
	httputil.WriteSuccess(w, out)
}
