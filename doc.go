// Package authflow is the authentication state machine that sits on top of an
// identity provider.
//
// An [Orchestrator] drives one client through
//
//	Anonymous -> Authenticating -> {EmailUnverified, TwoFactorPending, Authenticated} -> Anonymous
//
// combining password and federated sign-in, mandatory email verification, a
// one-time-code second factor, CSRF validation and the access/refresh/session
// token triple owned by the session package.
//
// Build an Orchestrator with [New]:
//
//	orch, err := authflow.New().
//		WithConfig(cfg).
//		WithRedis(rdb).
//		WithProvider(provider).
//		WithDirectory(users).
//		WithMailer(mailer).
//		Build()
//
// Every transition produces a new [AuthState] value delivered to subscribers
// registered with [Orchestrator.Subscribe].
package authflow
