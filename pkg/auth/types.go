package auth

import (
	"sort"
	"time"
)

// ScopeAdmin grants the admin override path and the never-expires rule.
const ScopeAdmin = "admin"

// TokenKind distinguishes session from access tokens
type TokenKind string

const (
	// KindSession is a short-lived token obtained via login.
	KindSession TokenKind = "session"
	// KindAccess is a long-lived token obtained via refresh, subject to
	// the one-active-token-per-user rule.
	KindAccess TokenKind = "access"
)

// Valid reports whether the kind is one of the two known kinds.
func (k TokenKind) Valid() bool {
	return k == KindSession || k == KindAccess
}

// Claims is the signed token payload. ExpiresAt nil means the token never
// expires (reserved for admin access tokens under the never-expires
// configuration).
type Claims struct {
	TokenID   string
	Subject   string
	Scopes    []string
	Kind      TokenKind
	IssuedAt  time.Time
	ExpiresAt *time.Time
}

// Principal is the resolved identity attached to a request after
// successful authorization. Scopes are the effective scopes: token scopes
// intersected with the user's current scopes.
type Principal struct {
	Username string
	Scopes   []string
	Kind     TokenKind
	TokenID  string
}

// HasScope reports whether the principal carries the given scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal carries the admin scope.
func (p *Principal) IsAdmin() bool {
	return p.HasScope(ScopeAdmin)
}

// User is a credential store record. PasswordHash never crosses the API
// boundary; handlers serialize users through response types that omit it.
type User struct {
	ID            int64
	Username      string
	Email         string
	DisplayName   string
	PasswordHash  string
	Scopes        []string
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastLoginAt   *time.Time
	LastRefreshAt *time.Time
}

// TokenRecord is the persisted side of an issued token. Records are
// immutable after insert except for the Revoked flag.
type TokenRecord struct {
	ID        string
	Username  string
	Kind      TokenKind
	Scopes    []string
	ExpiresAt *time.Time
	Revoked   bool
	IssuedAt  time.Time
	IssuedBy  string
	Reason    string
}

// IssuedToken is the result of login, refresh, or admin issuance.
// ExpiresAt nil means the token never expires.
type IssuedToken struct {
	Token     string
	Kind      TokenKind
	ExpiresAt *time.Time
}

// NormalizeScopes deduplicates, drops empties, and sorts a scope set.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IntersectScopes returns the normalized intersection of two scope sets.
func IntersectScopes(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, s := range b {
		inB[s] = struct{}{}
	}
	out := make([]string, 0, len(a))
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		if s == "" {
			continue
		}
		if _, ok := inB[s]; !ok {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ContainsScope reports whether the scope set contains the given scope.
func ContainsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
