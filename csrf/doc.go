// Package csrf issues and validates per-client anti-forgery tokens.
//
// A token is a 36-character UUID string bound to a client scope (a browser
// session id, a device id or an account id). [Guard.Validate] fails closed:
// any mismatch, including a missing token, replaces the stored token before
// the error is returned, so a leaked or guessed value is single-shot.
//
// Two storage backends are provided. [MemoryStorage] keeps a durable and a
// volatile copy per scope, the volatile copy being rebuilt from the durable
// one after a restart of the holder. [RedisStorage] makes the server the
// authority and performs compare-or-replace atomically in Redis.
package csrf
