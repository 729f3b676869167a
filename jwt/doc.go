// Package jwt signs and verifies the two token kinds used by authflow:
// session tokens, which bind a browser session to one access token, and
// identity tokens minted by the local identity provider.
//
// Validation is strict: algorithm pinning, required expiry, optional
// issuer/audience/iat checks, and kid-based key rotation.
package jwt
