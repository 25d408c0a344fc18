// Package store implements the credential store on database/sql.
//
// # Overview
//
// PostgreSQL is the production backend; SQLite serves development and
// tests. The SQL is written in the shared subset of both dialects with
// $N placeholders, which the sqlite driver binds positionally.
//
// The store is the single source of truth for token validity. The
// single-active-access-token rule is enforced twice: RotateAccessToken
// revokes prior tokens and inserts the new one in a single transaction,
// and a partial unique index on (username) for live access tokens catches
// the concurrent-insert race, which the rotate retries.
//
// CachedStore decorates Store with an advisory validation cache: a shared
// Redis row cache with a short TTL plus a local LRU of known-revoked token
// ids. Revocation deletes Redis entries synchronously inside the revoking
// call, so a revoked token never validates from cache. The cache can only
// ever shorten the observable lifetime of a token, never extend it.
//
// # Table layout
//
// Three tables, all prefixed with a configurable name prefix so the store
// can share a database with other tenants: users, tokens, usage_events,
// plus a schema_migrations tracking table.
package store
