// Package middleware provides the HTTP request gate: bearer token
// authentication, scope checks, and login rate limiting.
//
// AuthMiddleware validates the Authorization header on every request
// whose path is not on the allow list and injects the resulting
// principal into the request context. RequireScope layers a per-route
// scope check on top of it. LoginRateLimiter throttles credential
// guessing against the login endpoint using Redis and fails open when
// Redis is unavailable.
//
// Related packages:
//
//   - pkg/auth: token validation and scope semantics
//   - pkg/contextkeys: principal context key
//   - pkg/httputil: error response bodies
package middleware
