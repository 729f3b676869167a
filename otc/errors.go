package otc

import "errors"

var (
	// ErrNoCodeFound means no code is outstanding for the email.
	ErrNoCodeFound = errors.New("no code found for this email")
	// ErrCodeExpired means the code reached its expiry; the record is gone.
	ErrCodeExpired = errors.New("verification code expired")
	// ErrCodeMismatch means the candidate differs from the outstanding code,
	// which stays valid until it expires.
	ErrCodeMismatch = errors.New("invalid verification code")
	// ErrTooManyAttempts means the attempt cap was reached and the code was discarded.
	ErrTooManyAttempts = errors.New("too many verification attempts")
	ErrRateLimited     = errors.New("too many code requests")
	ErrInvalidEmail    = errors.New("email is required")
	ErrDispatch        = errors.New("failed to send verification code")
	ErrBackend         = errors.New("code backend unavailable")
)

// Wire codes shared by the HTTP backend and RemoteClient.
const (
	CodeNoCode       = "no_code"
	CodeExpired      = "expired"
	CodeMismatch     = "mismatch"
	CodeTooMany      = "too_many_attempts"
	CodeRateLimited  = "rate_limited"
	CodeInvalidInput = "invalid_input"
	CodeDispatch     = "dispatch_failed"
	CodeInternal     = "internal"
)

var wireErrors = map[string]error{
	CodeNoCode:       ErrNoCodeFound,
	CodeExpired:      ErrCodeExpired,
	CodeMismatch:     ErrCodeMismatch,
	CodeTooMany:      ErrTooManyAttempts,
	CodeRateLimited:  ErrRateLimited,
	CodeInvalidInput: ErrInvalidEmail,
	CodeDispatch:     ErrDispatch,
}

// WireCode maps err to its wire code.
func WireCode(err error) string {
	for code, sentinel := range wireErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// ErrorForWireCode is the inverse of WireCode. Unknown codes map to ErrBackend.
func ErrorForWireCode(code string) error {
	if err, ok := wireErrors[code]; ok {
		return err
	}
	return ErrBackend
}
