package internaldefs

import (
	"github.com/MrEthical07/authflow"
)

// CounterDef names one authflow counter.
type CounterDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// HistogramDef names one authflow latency histogram.
type HistogramDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: authflow.MetricSignupSuccess, Name: "authflow_signup_success_total", Help: "Successful signups."},
	{ID: authflow.MetricSignupFailure, Name: "authflow_signup_failure_total", Help: "Failed signups."},
	{ID: authflow.MetricLoginSuccess, Name: "authflow_login_success_total", Help: "Logins that established a session."},
	{ID: authflow.MetricLoginFailure, Name: "authflow_login_failure_total", Help: "Failed login attempts."},
	{ID: authflow.MetricLoginUnverified, Name: "authflow_login_unverified_total", Help: "Logins rejected for an unverified email."},
	{ID: authflow.MetricFederatedLoginSuccess, Name: "authflow_federated_login_success_total", Help: "Successful federated sign-ins."},
	{ID: authflow.MetricFederatedLoginFailure, Name: "authflow_federated_login_failure_total", Help: "Failed federated sign-ins."},
	{ID: authflow.MetricCSRFMismatch, Name: "authflow_csrf_mismatch_total", Help: "Submissions rejected by the CSRF guard."},
	{ID: authflow.MetricTwoFactorRequired, Name: "authflow_two_factor_required_total", Help: "Logins that required a second factor."},
	{ID: authflow.MetricTwoFactorSuccess, Name: "authflow_two_factor_success_total", Help: "Accepted second factor codes."},
	{ID: authflow.MetricTwoFactorFailure, Name: "authflow_two_factor_failure_total", Help: "Rejected second factor codes."},
	{ID: authflow.MetricCodeIssued, Name: "authflow_code_issued_total", Help: "One-time codes issued."},
	{ID: authflow.MetricCodeRateLimited, Name: "authflow_code_rate_limited_total", Help: "Code requests denied by the per-email budget."},
	{ID: authflow.MetricCodeVerified, Name: "authflow_code_verified_total", Help: "One-time codes consumed."},
	{ID: authflow.MetricCodeRejected, Name: "authflow_code_rejected_total", Help: "Code verifications rejected as missing, expired or wrong."},
	{ID: authflow.MetricCodeDispatchFailure, Name: "authflow_code_dispatch_failure_total", Help: "Codes that could not be mailed."},
	{ID: authflow.MetricRequestRateLimited, Name: "authflow_request_rate_limited_total", Help: "Requests denied by the per-IP budget."},
	{ID: authflow.MetricSessionEstablished, Name: "authflow_session_established_total", Help: "Session cookie triples written."},
	{ID: authflow.MetricSessionEstablishFailure, Name: "authflow_session_establish_failure_total", Help: "Failed session establishment."},
	{ID: authflow.MetricSessionRestored, Name: "authflow_session_restored_total", Help: "Sessions restored on re-entry."},
	{ID: authflow.MetricSessionTimeout, Name: "authflow_session_timeout_total", Help: "Sessions ended by the timeout."},
	{ID: authflow.MetricRefreshSuccess, Name: "authflow_refresh_success_total", Help: "Successful token refreshes."},
	{ID: authflow.MetricRefreshFailure, Name: "authflow_refresh_failure_total", Help: "Failed token refreshes."},
	{ID: authflow.MetricLogout, Name: "authflow_logout_total", Help: "Logouts."},
	{ID: authflow.MetricStaleResultDiscarded, Name: "authflow_stale_result_discarded_total", Help: "Results discarded after a logout overtook them."},
	{ID: authflow.MetricStoreInconsistency, Name: "authflow_store_inconsistency_total", Help: "Provider accounts without a user record."},
	{ID: authflow.MetricPasswordResetRequest, Name: "authflow_password_reset_request_total", Help: "Password reset requests."},
	{ID: authflow.MetricEmailChanged, Name: "authflow_email_changed_total", Help: "Email address changes."},
	{ID: authflow.MetricEmailVerified, Name: "authflow_email_verified_total", Help: "Applied email verification links."},
}

// HistogramDefs lists the exported histograms.
var HistogramDefs = []HistogramDef{
	{ID: authflow.MetricLoginLatency, Name: "authflow_login_latency_seconds", Help: "Login latency histogram."},
}

// HistogramBounds are the upper bounds of the eight latency buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds in instrument-name form.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, zero filling.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to "le" counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
