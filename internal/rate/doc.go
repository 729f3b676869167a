// Package rate provides Redis-backed fixed-window counters for the code
// backend and the refresh endpoint.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefixes:
//   - rci prefix: one-time code issuance per email
//   - rip prefix: HTTP requests per client IP
//   - rrf prefix: refresh exchanges per token fingerprint
//
// # What this package must NOT do
//
//   - Decide what happens to a limited caller (callers map ErrRateLimited).
//   - Be imported outside the authflow module.
package rate
