package api

import (
	"context"
	"time"

	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/store"
)

// Store is the slice of the storage layer the handlers use directly.
// Token validation goes through auth.Service, not through here.
type Store interface {
	CreateUser(ctx context.Context, user *auth.User) error
	GetUser(ctx context.Context, username string) (*auth.User, error)
	ListUsers(ctx context.Context) ([]auth.User, error)
	UpdateUser(ctx context.Context, user *auth.User) error
	DeleteUser(ctx context.Context, username string) ([]string, error)
	ListUserTokens(ctx context.Context, username string) ([]auth.TokenRecord, error)
	UsageSummary(ctx context.Context, since time.Time) ([]store.UsageRow, error)
}

type loginRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Scopes   []string `json:"scopes,omitempty"`
}

// tokenResponse carries an issued token. ExpiresAt is RFC 3339 or the
// literal "never" for non-expiring admin tokens.
type tokenResponse struct {
	Token     string `json:"token"`
	Kind      string `json:"kind"`
	ExpiresAt string `json:"expires_at"`
}

type meResponse struct {
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
	Kind     string   `json:"kind"`
	Active   bool     `json:"active"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type createUserRequest struct {
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Password    string   `json:"password"`
	Scopes      []string `json:"scopes"`
	Active      *bool    `json:"active,omitempty"`
}

type updateUserRequest struct {
	Email       *string  `json:"email,omitempty"`
	DisplayName *string  `json:"display_name,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	Active      *bool    `json:"active,omitempty"`
}

type issueTokenRequest struct {
	Scopes []string `json:"scopes,omitempty"`
}

// userResponse is the wire shape of a user. The password hash stays in
// the store.
type userResponse struct {
	Username      string     `json:"username"`
	Email         string     `json:"email,omitempty"`
	DisplayName   string     `json:"display_name,omitempty"`
	Scopes        []string   `json:"scopes"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`
}

type tokenRecordResponse struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Scopes    []string `json:"scopes"`
	ExpiresAt string   `json:"expires_at"`
	Revoked   bool     `json:"revoked"`
	IssuedAt  string   `json:"issued_at"`
	IssuedBy  string   `json:"issued_by,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

type usageRowResponse struct {
	Username         string `json:"username"`
	APIType          string `json:"api_type"`
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

func newUserResponse(user *auth.User) userResponse {
	scopes := user.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return userResponse{
		Username:      user.Username,
		Email:         user.Email,
		DisplayName:   user.DisplayName,
		Scopes:        scopes,
		Active:        user.Active,
		CreatedAt:     user.CreatedAt,
		UpdatedAt:     user.UpdatedAt,
		LastLoginAt:   user.LastLoginAt,
		LastRefreshAt: user.LastRefreshAt,
	}
}

func newTokenResponse(issued *auth.IssuedToken) tokenResponse {
	return tokenResponse{
		Token:     issued.Token,
		Kind:      string(issued.Kind),
		ExpiresAt: formatExpiry(issued.ExpiresAt),
	}
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
