// Package guard decides whether a client may enter a protected route.
//
// # Admission
//
// [Protected] and [Admin] map an [authflow.AuthState] to a [Decision]:
// admit, wait for a pending check, or redirect to the login, second factor
// or home route. They are pure functions of the state, so a UI shell can
// call them on every published transition.
//
// # HTTP
//
// [RequireSession] verifies the session cookie server side through
// [session.Manager.Verify] and stores the subject in the request context.
// [RequireCSRF] checks the X-CSRF-Token header of unsafe requests and
// [RequireRole] loads the user record to check its role.
//
// This package does not authenticate anyone. Credentials, codes and
// token issuance stay with the orchestrator.
package guard
