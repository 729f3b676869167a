package authflow

import "errors"

var userMessages = []struct {
	err error
	msg string
}{
	{ErrCSRFMismatch, "Your session is out of date. Please reload the page and try again."},
	{ErrEmailNotVerified, "Verification email sent. Please verify your email."},
	{ErrWrongPassword, "Incorrect email or password."},
	{ErrUserNotFound, "Email not found. Please create an account."},
	{ErrEmailInUse, "Email is already in use"},
	{ErrWeakPassword, "Password should be at least 6 characters."},
	{ErrCredential, "Incorrect email or password."},
	{ErrNoCodeFound, "No code found for this email"},
	{ErrCodeExpired, "Verification code expired"},
	{ErrCodeMismatch, "Invalid verification code."},
	{ErrTooManyAttempts, "Too many attempts. Please request a new code."},
	{ErrRateLimited, "Too many requests. Please try again later."},
	{ErrCodeDispatch, "Failed to send verification code. Please try again later."},
	{ErrRefreshFailed, "Session expired. You have been logged out."},
	{ErrStoreInconsistency, "Your account could not be loaded. Please sign in again."},
	{ErrAuthInProgress, "A sign-in is already in progress."},
	{ErrProviderUnavailable, "Failed to log in. Please try again."},
}

// UserMessage maps err to text suitable for showing to the end user. Unknown
// errors get a generic message; internal details are never included.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, m := range userMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return "Something went wrong. Please try again."
}
