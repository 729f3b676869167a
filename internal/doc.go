// Package internal contains helpers that are private to authflow, mainly
// secure random generation for codes, opaque ids and action-code tokens.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - config: environment loading for the daemon
//   - rate: Redis fixed-window counters
//   - schedule: cancelable periodic and one-shot tasks
//   - stores: Redis records for codes, CSRF tokens, accounts and refresh tokens
//
// # What this package must NOT do
//
//   - Export types that appear in the public authflow API.
//   - Be imported by any package outside the authflow module.
package internal
