package authflow

import (
	"context"
	"time"
)

// Status is the position of a client in the authentication state machine.
type Status uint8

const (
	StatusAnonymous Status = iota
	StatusAuthenticating
	StatusEmailUnverified
	StatusTwoFactorPending
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticating:
		return "authenticating"
	case StatusEmailUnverified:
		return "email_unverified"
	case StatusTwoFactorPending:
		return "two_factor_pending"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Role of a user record. Assigning roles is outside this package.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is what the identity provider knows about the signed-in user.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	DisplayName   string
	PhotoURL      string
	Role          Role
}

// ProviderSession is the result of a successful provider sign-in.
type ProviderSession struct {
	Identity     Identity
	AccessToken  string
	RefreshToken string
}

// FederatedCredential carries the result of a third-party redirect flow.
// State doubles as the CSRF token of the attempt.
type FederatedCredential struct {
	Provider string
	Code     string
	State    string
}

// UserRecord is the document kept for every account in the users collection.
type UserRecord struct {
	UID            string         `json:"uid"`
	Email          string         `json:"email"`
	Name           string         `json:"name,omitempty"`
	DateOfBirth    *time.Time     `json:"dateOfBirth,omitempty"`
	ProfilePicture string         `json:"profilePicture,omitempty"`
	Role           Role           `json:"role"`
	Wallet         int64          `json:"wallet"`
	CartItems      map[string]int `json:"cartItems"`
	EmailVerified  bool           `json:"emailVerified"`
	Requires2FA    bool           `json:"requires2FA"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// NewUserRecord returns the record created at signup.
func NewUserRecord(id Identity, now time.Time) UserRecord {
	return UserRecord{
		UID:            id.UID,
		Email:          id.Email,
		Name:           id.DisplayName,
		ProfilePicture: id.PhotoURL,
		Role:           RoleUser,
		Wallet:         0,
		CartItems:      map[string]int{},
		EmailVerified:  id.EmailVerified,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ProfileUpdate is applied by UserDirectory.MergeUser. Empty fields leave the
// stored value untouched.
type ProfileUpdate struct {
	Name           string
	Email          string
	ProfilePicture string
	EmailVerified  *bool
}

// AuthState is an immutable snapshot of a client's authentication state.
type AuthState struct {
	Status      Status
	Identity    *Identity
	Requires2FA bool
	Loading     bool
	// Provisional is set when the session was restored from cookies and the
	// user record has not been confirmed yet.
	Provisional bool
	LastError   error
}

// Authenticated reports whether the state admits protected routes.
func (s AuthState) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.Identity != nil
}

// LoginResult is returned by the sign-in operations.
type LoginResult struct {
	Identity          Identity
	TwoFactorRequired bool
}

// IdentityProvider is the external account system. Implementations keep a
// current user, like a browser SDK instance.
type IdentityProvider interface {
	CreateAccount(ctx context.Context, email, password string) (ProviderSession, error)
	SignIn(ctx context.Context, email, password string) (ProviderSession, error)
	SignInFederated(ctx context.Context, cred FederatedCredential) (ProviderSession, error)
	SendVerificationEmail(ctx context.Context, id Identity) error
	SignOut(ctx context.Context) error
	IDToken(ctx context.Context, forceRefresh bool) (string, error)
	RefreshToken(ctx context.Context, refreshToken string) (ProviderSession, error)
	// CurrentIdentity returns nil without error when nobody is signed in.
	CurrentIdentity(ctx context.Context) (*Identity, error)
	SendPasswordResetEmail(ctx context.Context, email string) error
	Reauthenticate(ctx context.Context, password string) error
	// ApplyVerificationCode returns the uid of the account the code verified.
	ApplyVerificationCode(ctx context.Context, code string) (string, error)
}

// UserDirectory stores user records and the per-user CSRF token copy.
// GetUser returns ErrUserRecordNotFound for unknown uids.
type UserDirectory interface {
	GetUser(ctx context.Context, uid string) (*UserRecord, error)
	CreateUser(ctx context.Context, rec UserRecord) error
	MergeUser(ctx context.Context, uid string, update ProfileUpdate) (*UserRecord, error)
	UpdateEmail(ctx context.Context, uid, email string) error
	DeleteUser(ctx context.Context, uid string) error
	SaveCSRFToken(ctx context.Context, uid, token string) error
}

// CodeChallenger issues and checks second-factor codes. Both otc.Service and
// otc.RemoteClient satisfy it.
type CodeChallenger interface {
	Send(ctx context.Context, email string) error
	Verify(ctx context.Context, email, code string) error
}
