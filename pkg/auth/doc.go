// Package auth implements token issuance, validation, and revocation for
// the gateway.
//
// # Overview
//
// Two token kinds exist: short-lived session tokens minted at login with
// username/password, and long-lived access tokens minted by exchanging any
// valid token via refresh. A user holds at most one live access token;
// issuing a new one revokes the prior one in the same store transaction.
//
// Tokens are signed HS256 JWTs. Decoding is a pure offline check; only
// signature-valid, non-expired tokens reach the store-backed revocation
// lookup. Revocation state lives in the store, never in the token payload,
// so revocation takes effect immediately regardless of embedded expiry.
//
// A principal's effective scopes at request time are the intersection of
// the scopes embedded in the token and the user's current scopes, so
// removing a scope from a user narrows access for already-issued tokens
// without revoking them.
//
// # Components
//
//   - Hasher: bcrypt password hashing and verification
//   - Codec: JWT encode/decode with failure classification
//   - Service: the issuance state machine (Login, Refresh, Authorize,
//     ChangePassword, and the admin override path)
//   - Store: the persistence interface implemented by pkg/store
package auth
