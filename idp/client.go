package idp

import (
	"context"
	"errors"
	"sync"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/internal/stores"
	"go.uber.org/zap"
)

// Client is one client's view of the Backend. It remembers the signed-in user
// and that user's current tokens.
type Client struct {
	backend *Backend

	mu      sync.Mutex
	current *authflow.ProviderSession
}

var _ authflow.IdentityProvider = (*Client)(nil)

func (c *Client) setCurrent(ps authflow.ProviderSession) {
	c.mu.Lock()
	c.current = &ps
	c.mu.Unlock()
}

func (c *Client) currentSession() (authflow.ProviderSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return authflow.ProviderSession{}, false
	}
	return *c.current, true
}

// CreateAccount registers a password account and signs it in.
func (c *Client) CreateAccount(ctx context.Context, email, password string) (authflow.ProviderSession, error) {
	account, err := c.backend.createAccount(ctx, email, password)
	if err != nil {
		return authflow.ProviderSession{}, err
	}
	return c.start(ctx, account)
}

func (c *Client) SignIn(ctx context.Context, email, password string) (authflow.ProviderSession, error) {
	account, err := c.backend.signIn(ctx, email, password)
	if err != nil {
		return authflow.ProviderSession{}, err
	}
	return c.start(ctx, account)
}

func (c *Client) SignInFederated(ctx context.Context, cred authflow.FederatedCredential) (authflow.ProviderSession, error) {
	account, err := c.backend.signInFederated(ctx, cred)
	if err != nil {
		return authflow.ProviderSession{}, err
	}
	return c.start(ctx, account)
}

// start replaces the signed-in user, revoking the previous refresh token.
func (c *Client) start(ctx context.Context, account *stores.Account) (authflow.ProviderSession, error) {
	ps, err := c.backend.session(ctx, account)
	if err != nil {
		return authflow.ProviderSession{}, err
	}
	if prev, ok := c.currentSession(); ok && prev.RefreshToken != ps.RefreshToken {
		if err := c.backend.revoke(ctx, prev.RefreshToken); err != nil {
			c.backend.logger.Warn("revoking previous refresh token failed", zap.Error(err))
		}
	}
	c.setCurrent(ps)
	return ps, nil
}

// SendVerificationEmail mails a verification link for id.
func (c *Client) SendVerificationEmail(ctx context.Context, id authflow.Identity) error {
	if id.UID == "" || id.Email == "" {
		return ErrNoCurrentUser
	}
	return c.backend.sendActionLink(ctx, id.UID, id.Email, stores.ActionVerifyEmail)
}

// SignOut forgets the current user and revokes its refresh token.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	prev := c.current
	c.current = nil
	c.mu.Unlock()
	if prev == nil {
		return nil
	}
	return c.backend.revoke(ctx, prev.RefreshToken)
}

// IDToken returns the current identity token, minting a new one when
// forceRefresh is set or the current one no longer verifies.
func (c *Client) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	ps, ok := c.currentSession()
	if !ok {
		return "", ErrNoCurrentUser
	}
	if !forceRefresh {
		if _, err := c.backend.VerifyIDToken(ps.AccessToken); err == nil {
			return ps.AccessToken, nil
		}
	}
	account, err := c.backend.accounts.Get(ctx, ps.Identity.UID)
	if err != nil {
		return "", mapAccountErr(err)
	}
	token, err := c.backend.idToken(account)
	if err != nil {
		return "", err
	}
	ps.AccessToken = token
	ps.Identity = identityOf(account)
	c.setCurrent(ps)
	return token, nil
}

// RefreshToken exchanges refreshToken. When it belongs to the current user
// the client's tokens are replaced too.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (authflow.ProviderSession, error) {
	ps, err := c.backend.Exchange(ctx, refreshToken)
	if err != nil {
		return authflow.ProviderSession{}, err
	}
	c.mu.Lock()
	if c.current != nil && c.current.Identity.UID == ps.Identity.UID {
		next := ps
		c.current = &next
	}
	c.mu.Unlock()
	return ps, nil
}

// CurrentIdentity reloads the signed-in account, or returns nil.
func (c *Client) CurrentIdentity(ctx context.Context) (*authflow.Identity, error) {
	ps, ok := c.currentSession()
	if !ok {
		return nil, nil
	}
	account, err := c.backend.accounts.Get(ctx, ps.Identity.UID)
	if errors.Is(err, stores.ErrAccountNotFound) {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		return nil, mapAccountErr(err)
	}
	id := identityOf(account)
	return &id, nil
}

func (c *Client) SendPasswordResetEmail(ctx context.Context, email string) error {
	return c.backend.SendPasswordResetEmail(ctx, email)
}

// Reauthenticate checks password against the signed-in account.
func (c *Client) Reauthenticate(ctx context.Context, password string) error {
	ps, ok := c.currentSession()
	if !ok {
		return ErrNoCurrentUser
	}
	account, err := c.backend.accounts.Get(ctx, ps.Identity.UID)
	if err != nil {
		return mapAccountErr(err)
	}
	return c.backend.checkPassword(account, password)
}

// ApplyVerificationCode applies a verification link code and refreshes the
// signed-in identity when it is the verified account.
func (c *Client) ApplyVerificationCode(ctx context.Context, code string) (string, error) {
	uid, err := c.backend.ApplyVerificationCode(ctx, code)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.current != nil && c.current.Identity.UID == uid {
		c.current.Identity.EmailVerified = true
	}
	c.mu.Unlock()
	return uid, nil
}
