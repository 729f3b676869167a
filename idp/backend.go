package idp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/internal"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/mail"
	"github.com/MrEthical07/authflow/password"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrInvalidActionCode covers unknown, expired, used and forged link codes.
	ErrInvalidActionCode = errors.New("invalid or expired action code")
	// ErrNoCurrentUser is returned by client calls that need a signed-in user.
	ErrNoCurrentUser = errors.New("no user signed in")
	// ErrUnknownFederator is returned for a provider name without a registered Federator.
	ErrUnknownFederator = errors.New("unknown federated provider")
	ErrInvalidEmail     = errors.New("invalid email")
)

// Config tunes a Backend.
type Config struct {
	// LinkBaseURL receives the mode and oobCode query parameters of
	// verification and reset links.
	LinkBaseURL       string
	RefreshTTL        time.Duration
	ActionCodeTTL     time.Duration
	MaxActionAttempts int
	RedisPrefix       string
}

func DefaultConfig() Config {
	return Config{
		LinkBaseURL:       "http://localhost:3000/verify-email",
		RefreshTTL:        7 * 24 * time.Hour,
		ActionCodeTTL:     24 * time.Hour,
		MaxActionAttempts: 5,
		RedisPrefix:       "idp",
	}
}

// Option configures a Backend.
type Option func(*Backend)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// WithFederator registers f under name, e.g. "google".
func WithFederator(name string, f Federator) Option {
	return func(b *Backend) {
		b.federators[name] = f
	}
}

// Backend is the account system shared by all clients.
type Backend struct {
	accounts *stores.AccountStore
	codes    *stores.ActionCodeStore
	refresh  *stores.RefreshTokenStore
	hasher   *password.Argon2
	tokens   *jwt.Manager
	mailer   mail.Mailer

	federators map[string]Federator
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewBackend wires a Backend. tokens signs identity tokens; its TTL is the
// access token lifetime.
func NewBackend(rdb redis.UniversalClient, hasher *password.Argon2, tokens *jwt.Manager, mailer mail.Mailer, cfg Config, opts ...Option) (*Backend, error) {
	if rdb == nil || hasher == nil || tokens == nil || mailer == nil {
		return nil, errors.New("idp: redis, hasher, tokens and mailer are required")
	}
	if cfg.RefreshTTL <= 0 || cfg.ActionCodeTTL <= 0 {
		return nil, errors.New("idp: ttls must be positive")
	}
	if _, err := url.Parse(cfg.LinkBaseURL); err != nil || cfg.LinkBaseURL == "" {
		return nil, fmt.Errorf("idp: invalid LinkBaseURL %q", cfg.LinkBaseURL)
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "idp"
	}

	b := &Backend{
		accounts:   stores.NewAccountStore(rdb, cfg.RedisPrefix+":acct"),
		codes:      stores.NewActionCodeStore(rdb, cfg.RedisPrefix+":aoc"),
		refresh:    stores.NewRefreshTokenStore(rdb, cfg.RedisPrefix+":rt"),
		hasher:     hasher,
		tokens:     tokens,
		mailer:     mailer,
		federators: make(map[string]Federator),
		config:     cfg,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// NewClient returns a client with nobody signed in.
func (b *Backend) NewClient() *Client {
	return &Client{backend: b}
}

// Federator returns the federator registered under name.
func (b *Backend) Federator(name string) (Federator, bool) {
	f, ok := b.federators[name]
	return f, ok
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (b *Backend) createAccount(ctx context.Context, email, pw string) (*stores.Account, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	hash, err := b.hasher.Hash(pw)
	if err != nil {
		if errors.Is(err, password.ErrTooShort) || errors.Is(err, password.ErrTooLong) {
			return nil, authflow.ErrWeakPassword
		}
		return nil, err
	}

	now := b.now().UTC()
	account := &stores.Account{
		UID:          uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Provider:     "password",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := b.accounts.Create(ctx, account); err != nil {
		return nil, mapAccountErr(err)
	}
	b.logger.Info("account created", zap.String("uid", account.UID))
	return account, nil
}

func (b *Backend) signIn(ctx context.Context, email, pw string) (*stores.Account, error) {
	account, err := b.accounts.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, mapAccountErr(err)
	}
	if err := b.checkPassword(account, pw); err != nil {
		return nil, err
	}
	return account, nil
}

func (b *Backend) checkPassword(account *stores.Account, pw string) error {
	if account.PasswordHash == "" {
		return authflow.ErrWrongPassword
	}
	ok, err := b.hasher.Verify(pw, account.PasswordHash)
	if err != nil && !errors.Is(err, password.ErrTooLong) {
		return err
	}
	if !ok {
		return authflow.ErrWrongPassword
	}
	return nil
}

// signInFederated exchanges the authorization code and finds or creates the
// matching account. An existing password account with the same email is
// linked.
func (b *Backend) signInFederated(ctx context.Context, cred authflow.FederatedCredential) (*stores.Account, error) {
	f, ok := b.federators[cred.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFederator, cred.Provider)
	}
	profile, err := f.Exchange(ctx, cred.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authflow.ErrProviderUnavailable, err)
	}
	if profile.Subject == "" || profile.Email == "" {
		return nil, fmt.Errorf("%w: incomplete federated profile", authflow.ErrProviderUnavailable)
	}

	account, err := b.accounts.GetByFederated(ctx, cred.Provider, profile.Subject)
	if err == nil {
		return b.refreshProfile(ctx, account.UID, profile)
	}
	if !errors.Is(err, stores.ErrAccountNotFound) {
		return nil, mapAccountErr(err)
	}

	account, err = b.accounts.GetByEmail(ctx, normalizeEmail(profile.Email))
	if err == nil {
		return b.refreshProfile(ctx, account.UID, profile)
	}
	if !errors.Is(err, stores.ErrAccountNotFound) {
		return nil, mapAccountErr(err)
	}

	now := b.now().UTC()
	account = &stores.Account{
		UID:              uuid.NewString(),
		Email:            normalizeEmail(profile.Email),
		EmailVerified:    profile.EmailVerified,
		DisplayName:      profile.Name,
		PhotoURL:         profile.Picture,
		Provider:         cred.Provider,
		FederatedSubject: profile.Subject,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := b.accounts.Create(ctx, account); err != nil {
		return nil, mapAccountErr(err)
	}
	return account, nil
}

func (b *Backend) refreshProfile(ctx context.Context, uid string, p Profile) (*stores.Account, error) {
	account, err := b.accounts.Update(ctx, uid, func(a *stores.Account) error {
		if p.Name != "" {
			a.DisplayName = p.Name
		}
		if p.Picture != "" {
			a.PhotoURL = p.Picture
		}
		a.EmailVerified = a.EmailVerified || p.EmailVerified
		return nil
	})
	if err != nil {
		return nil, mapAccountErr(err)
	}
	return account, nil
}

// session mints an identity token and a fresh refresh token for account.
func (b *Backend) session(ctx context.Context, account *stores.Account) (authflow.ProviderSession, error) {
	idToken, err := b.idToken(account)
	if err != nil {
		return authflow.ProviderSession{}, err
	}
	refreshToken, err := internal.NewOpaqueToken()
	if err != nil {
		return authflow.ProviderSession{}, err
	}
	if err := b.refresh.Save(ctx, internal.HashString(refreshToken), account.UID, b.config.RefreshTTL); err != nil {
		return authflow.ProviderSession{}, fmt.Errorf("%w: %v", authflow.ErrProviderUnavailable, err)
	}
	return authflow.ProviderSession{
		Identity:     identityOf(account),
		AccessToken:  idToken,
		RefreshToken: refreshToken,
	}, nil
}

func (b *Backend) idToken(account *stores.Account) (string, error) {
	claims := jwt.IdentityClaims{
		Email:         account.Email,
		EmailVerified: account.EmailVerified,
		Name:          account.DisplayName,
		Picture:       account.PhotoURL,
	}
	claims.Subject = account.UID
	return b.tokens.IssueIdentity(claims)
}

// Exchange consumes refreshToken and returns a new token pair for its account.
// Refresh tokens are single use.
func (b *Backend) Exchange(ctx context.Context, refreshToken string) (authflow.ProviderSession, error) {
	if refreshToken == "" {
		return authflow.ProviderSession{}, authflow.ErrCredential
	}
	successor, err := internal.NewOpaqueToken()
	if err != nil {
		return authflow.ProviderSession{}, err
	}
	uid, err := b.refresh.Rotate(ctx, internal.HashString(refreshToken), internal.HashString(successor), b.config.RefreshTTL)
	if err != nil {
		if errors.Is(err, stores.ErrRefreshTokenNotFound) {
			return authflow.ProviderSession{}, fmt.Errorf("%w: refresh token not recognised", authflow.ErrCredential)
		}
		return authflow.ProviderSession{}, fmt.Errorf("%w: %v", authflow.ErrProviderUnavailable, err)
	}
	account, err := b.accounts.Get(ctx, uid)
	if err != nil {
		return authflow.ProviderSession{}, mapAccountErr(err)
	}
	idToken, err := b.idToken(account)
	if err != nil {
		return authflow.ProviderSession{}, err
	}
	return authflow.ProviderSession{
		Identity:     identityOf(account),
		AccessToken:  idToken,
		RefreshToken: successor,
	}, nil
}

// VerifyIDToken checks an identity token minted by this backend.
func (b *Backend) VerifyIDToken(token string) (authflow.Identity, error) {
	claims, err := b.tokens.ParseIdentity(token)
	if err != nil {
		return authflow.Identity{}, fmt.Errorf("%w: %v", authflow.ErrCredential, err)
	}
	return authflow.Identity{
		UID:           claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		DisplayName:   claims.Name,
		PhotoURL:      claims.Picture,
	}, nil
}

func (b *Backend) revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return b.refresh.Delete(ctx, internal.HashString(refreshToken))
}

// sendActionLink stores a single-use action code for account and mails the link.
func (b *Backend) sendActionLink(ctx context.Context, uid, email string, purpose stores.ActionPurpose) error {
	id, err := internal.NewOpaqueID()
	if err != nil {
		return err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return err
	}
	record := &stores.ActionCodeRecord{
		UID:        uid,
		Email:      email,
		Purpose:    purpose,
		SecretHash: internal.HashSecret(secret),
		ExpiresAt:  b.now().Add(b.config.ActionCodeTTL).Unix(),
	}
	if err := b.codes.Save(ctx, id.String(), record, b.config.ActionCodeTTL); err != nil {
		return fmt.Errorf("%w: %v", authflow.ErrProviderUnavailable, err)
	}
	code, err := internal.EncodeSecretToken(id.String(), secret)
	if err != nil {
		return err
	}

	switch purpose {
	case stores.ActionResetPassword:
		return b.mailer.SendPasswordReset(ctx, email, b.link("resetPassword", code))
	default:
		return b.mailer.SendVerificationLink(ctx, email, b.link("verifyEmail", code))
	}
}

func (b *Backend) link(mode, code string) string {
	q := url.Values{}
	q.Set("mode", mode)
	q.Set("oobCode", code)
	sep := "?"
	if strings.Contains(b.config.LinkBaseURL, "?") {
		sep = "&"
	}
	return b.config.LinkBaseURL + sep + q.Encode()
}

func (b *Backend) consumeActionCode(ctx context.Context, code string, purpose stores.ActionPurpose) (*stores.ActionCodeRecord, error) {
	id, secret, err := internal.DecodeSecretToken(code)
	if err != nil {
		return nil, ErrInvalidActionCode
	}
	record, err := b.codes.Consume(ctx, id, internal.HashSecret(secret), purpose, b.config.MaxActionAttempts)
	if err != nil {
		if errors.Is(err, stores.ErrActionCodeBackend) {
			return nil, fmt.Errorf("%w: %v", authflow.ErrProviderUnavailable, err)
		}
		return nil, ErrInvalidActionCode
	}
	return record, nil
}

// ApplyVerificationCode marks the account of a verification link verified.
func (b *Backend) ApplyVerificationCode(ctx context.Context, code string) (string, error) {
	record, err := b.consumeActionCode(ctx, code, stores.ActionVerifyEmail)
	if err != nil {
		return "", err
	}
	_, err = b.accounts.Update(ctx, record.UID, func(a *stores.Account) error {
		if !strings.EqualFold(a.Email, record.Email) {
			return ErrInvalidActionCode
		}
		a.EmailVerified = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidActionCode) {
			return "", err
		}
		return "", mapAccountErr(err)
	}
	b.logger.Info("email verified", zap.String("uid", record.UID))
	return record.UID, nil
}

// SendPasswordResetEmail mails a reset link. Unknown addresses get
// ErrUserNotFound.
func (b *Backend) SendPasswordResetEmail(ctx context.Context, email string) error {
	account, err := b.accounts.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return mapAccountErr(err)
	}
	return b.sendActionLink(ctx, account.UID, account.Email, stores.ActionResetPassword)
}

// ConfirmPasswordReset sets a new password using the code of a reset link.
func (b *Backend) ConfirmPasswordReset(ctx context.Context, code, newPassword string) error {
	hash, err := b.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrTooShort) || errors.Is(err, password.ErrTooLong) {
			return authflow.ErrWeakPassword
		}
		return err
	}
	record, err := b.consumeActionCode(ctx, code, stores.ActionResetPassword)
	if err != nil {
		return err
	}
	_, err = b.accounts.Update(ctx, record.UID, func(a *stores.Account) error {
		a.PasswordHash = hash
		return nil
	})
	return mapAccountErr(err)
}

func identityOf(a *stores.Account) authflow.Identity {
	return authflow.Identity{
		UID:           a.UID,
		Email:         a.Email,
		EmailVerified: a.EmailVerified,
		DisplayName:   a.DisplayName,
		PhotoURL:      a.PhotoURL,
		Role:          authflow.RoleUser,
	}
}

func mapAccountErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrAccountNotFound):
		return authflow.ErrUserNotFound
	case errors.Is(err, stores.ErrAccountEmailInUse):
		return authflow.ErrEmailInUse
	case errors.Is(err, stores.ErrAccountBackend), errors.Is(err, stores.ErrAccountContention):
		return fmt.Errorf("%w: %v", authflow.ErrProviderUnavailable, err)
	default:
		return err
	}
}
