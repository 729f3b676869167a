// Package otc issues and verifies short numeric one-time codes bound to an
// email address.
//
// Each email has at most one outstanding code; issuing again replaces it.
// Verification distinguishes a missing code, an expired code (expired at or
// after its expiry instant, after which the record is deleted) and a wrong
// code (the record stays until it expires). A successful verification
// consumes the code. A periodic sweep removes expired records.
//
// [Service] runs next to a [Store]; [RemoteClient] gives clients the same
// Send/Verify contract against a remote code backend.
package otc
