// Package idp is a self-hosted identity provider for authflow.
//
// A [Backend] owns accounts (Redis), password hashes (argon2id), identity
// tokens (JWT), single-use refresh tokens and out-of-band action codes for
// email verification and password reset. Each client gets its own [Client],
// which tracks the currently signed-in user the way a browser SDK does and
// satisfies authflow.IdentityProvider.
//
// Federated sign-in goes through a [Federator]; [NewGoogleFederator] covers
// Google's OAuth2 code flow.
package idp
