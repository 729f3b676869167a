package guard

import "github.com/MrEthical07/authflow"

// Decision is the outcome of an admission check.
type Decision uint8

const (
	Admit Decision = iota
	// Wait means a check is still in flight; render nothing yet.
	Wait
	ToLogin
	ToTwoFactor
	ToHome
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case Wait:
		return "wait"
	case ToLogin:
		return "to_login"
	case ToTwoFactor:
		return "to_two_factor"
	case ToHome:
		return "to_home"
	default:
		return "unknown"
	}
}

// Routes are the redirect targets of the non-admitting decisions.
type Routes struct {
	Login     string
	TwoFactor string
	Home      string
}

func DefaultRoutes() Routes {
	return Routes{Login: "/login", TwoFactor: "/2fa", Home: "/"}
}

// Target returns the path to redirect to, or "" for Admit and Wait.
func (r Routes) Target(d Decision) string {
	switch d {
	case ToLogin:
		return r.Login
	case ToTwoFactor:
		return r.TwoFactor
	case ToHome:
		return r.Home
	default:
		return ""
	}
}

// Protected admits an authenticated client. sessionValid is the cookie check
// of the session manager; with no signed-in user but valid cookies the
// client waits for Restore instead of being sent to the login page.
func Protected(st authflow.AuthState, sessionValid bool) Decision {
	if st.Loading || st.Status == authflow.StatusAuthenticating {
		return Wait
	}
	switch {
	case st.Status == authflow.StatusTwoFactorPending:
		return ToTwoFactor
	case st.Authenticated():
		return Admit
	case sessionValid:
		return Wait
	default:
		return ToLogin
	}
}

// Admin admits authenticated clients whose record carries the admin role.
// A provisional session waits until the record is confirmed.
func Admin(st authflow.AuthState) Decision {
	if st.Loading || st.Status == authflow.StatusAuthenticating {
		return Wait
	}
	if !st.Authenticated() {
		if st.Status == authflow.StatusTwoFactorPending {
			return ToTwoFactor
		}
		return ToLogin
	}
	if st.Provisional {
		return Wait
	}
	if st.Identity.Role != authflow.RoleAdmin {
		return ToHome
	}
	return Admit
}
