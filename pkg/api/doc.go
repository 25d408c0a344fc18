// Package api exposes the HTTP surface: token endpoints under /v1/auth
// and user administration under /v1/admin.
//
// The login endpoint is the only route reachable without a token. Every
// other route passes through the authentication middleware, and the
// admin routes additionally require the admin scope. Error bodies
// follow the httputil taxonomy; password hashes never appear in any
// response.
package api
