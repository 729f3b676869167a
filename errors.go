package authflow

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/authflow/csrf"
	"github.com/MrEthical07/authflow/otc"
	"github.com/MrEthical07/authflow/session"
)

var (
	// ErrCredential covers every rejected credential. Provider errors for a
	// wrong password or unknown account wrap it.
	ErrCredential = errors.New("invalid credentials")
	// ErrWrongPassword is a credential error.
	ErrWrongPassword = fmt.Errorf("%w: wrong password", ErrCredential)
	// ErrUserNotFound is a credential error.
	ErrUserNotFound = fmt.Errorf("%w: user not found", ErrCredential)
	// ErrEmailInUse is returned by CreateAccount for a taken address.
	ErrEmailInUse = fmt.Errorf("%w: email already in use", ErrCredential)
	// ErrWeakPassword is returned by CreateAccount for a rejected password.
	ErrWeakPassword = fmt.Errorf("%w: weak password", ErrCredential)
	// ErrProviderUnavailable means the identity provider could not be reached.
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	ErrEmailNotVerified = errors.New("email not verified")

	ErrCSRFMismatch = csrf.ErrMismatch

	ErrNoCodeFound  = otc.ErrNoCodeFound
	ErrCodeExpired  = otc.ErrCodeExpired
	ErrCodeMismatch = otc.ErrCodeMismatch
	ErrRateLimited  = otc.ErrRateLimited
	ErrCodeDispatch = otc.ErrDispatch

	ErrTooManyAttempts = otc.ErrTooManyAttempts

	ErrRefreshFailed = session.ErrRefreshFailed

	// ErrStoreInconsistency is a provider session without a matching user record.
	ErrStoreInconsistency = errors.New("store inconsistency")
	// ErrSessionEstablish is returned when tokens could not be written; the
	// orchestrator rolls back to the state it had before the call.
	ErrSessionEstablish = errors.New("session establish failed")
	// ErrInvalidTransition is returned for operations not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAuthInProgress rejects a mutating call while another one is in flight.
	ErrAuthInProgress = errors.New("authentication already in progress")
	// ErrStaleResult means a logout happened while the call was in flight and
	// its result was discarded.
	ErrStaleResult = errors.New("stale result discarded")

	ErrOrchestratorNotReady = errors.New("orchestrator not ready")
	ErrNotAuthenticated     = errors.New("not authenticated")
)

// ErrUserRecordNotFound is returned by UserDirectory.GetUser.
var ErrUserRecordNotFound = errors.New("user record not found")
