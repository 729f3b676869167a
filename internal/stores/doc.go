// Package stores provides the Redis-backed records behind the authentication
// flows: one-time codes, CSRF tokens, out-of-band action codes, local
// accounts and refresh tokens.
//
// # Design
//
// Short-lived challenge records are versioned, binary-encoded values with a
// TTL. Every read-modify-write step (code consumption, CSRF compare, refresh
// rotation) runs as a single Lua script so concurrent callers observe one
// winner. Account documents use WATCH/MULTI with bounded retries. Secret
// comparisons are repeated in Go with constant-time compare.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control. It does NOT generate
// codes or tokens, enforce rate limits, or decide authentication outcomes.
//
// # What this package must NOT do
//
//   - Import authflow or any sibling internal package.
//   - Log or expose plaintext secrets.
//   - Use non-constant-time comparisons for secret matching.
package stores
