package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrEthical07/authflow/jwt"
	"go.uber.org/zap"
)

var (
	// ErrEstablish is returned when a session cannot be written. No cookie is left behind.
	ErrEstablish = errors.New("session establish failed")
	// ErrRefreshFailed is terminal: all tokens have been cleared.
	ErrRefreshFailed = errors.New("session refresh failed")
	// ErrNoSession means the session or access cookie is missing.
	ErrNoSession = errors.New("no session")
	// ErrInvalidSession means the session token failed verification or its binding.
	ErrInvalidSession = errors.New("invalid session")
)

// Grant is what an identity provider hands over after a successful sign-in.
type Grant struct {
	Subject      string
	AccessToken  string
	RefreshToken string
}

// Refresher exchanges a refresh token for a new grant. Subject may be left
// empty, in which case the subject of the current session token is kept.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Grant, error)
}

type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		AccessTTL:  time.Hour,
		RefreshTTL: 7 * 24 * time.Hour,
	}
}

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithRefresher(r Refresher) Option {
	return func(m *Manager) { m.refresher = r }
}

// Manager owns the token triple stored in one Jar.
type Manager struct {
	mu        sync.Mutex
	jar       Jar
	tokens    *jwt.Manager
	refresher Refresher
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager builds a Manager. The session token lifetime is the TTL of tokens.
func NewManager(jar Jar, tokens *jwt.Manager, cfg Config, opts ...Option) (*Manager, error) {
	if jar == nil {
		return nil, errors.New("session: jar is nil")
	}
	if tokens == nil {
		return nil, errors.New("session: token manager is nil")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("session: ttls must be positive")
	}
	if cfg.RefreshTTL < cfg.AccessTTL {
		return nil, errors.New("session: refresh ttl shorter than access ttl")
	}
	m := &Manager{
		jar:    jar,
		tokens: tokens,
		config: cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// WithJar returns a Manager sharing configuration but writing to jar.
// The HTTP layer uses it to get a request-scoped Manager. An HTTPJar is
// switched to the Manager's clock.
func (m *Manager) WithJar(jar Jar) *Manager {
	if hj, ok := jar.(*HTTPJar); ok {
		hj.useClock(m.now)
	}
	return &Manager{
		jar:       jar,
		tokens:    m.tokens,
		refresher: m.refresher,
		config:    m.config,
		logger:    m.logger,
		now:       m.now,
	}
}

// AccessHash is the "ath" binding of a session token to accessToken.
func AccessHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Establish derives the session token and writes all three cookies.
func (m *Manager) Establish(ctx context.Context, g Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.establishLocked(ctx, g)
}

func (m *Manager) establishLocked(ctx context.Context, g Grant) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrEstablish, err)
	}
	if g.Subject == "" || g.AccessToken == "" || g.RefreshToken == "" {
		return fmt.Errorf("%w: incomplete grant", ErrEstablish)
	}
	sessionToken, err := m.tokens.IssueSession(g.Subject, AccessHash(g.AccessToken))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEstablish, err)
	}

	now := m.now()
	m.jar.Set(Cookie{Name: CookieAccess, Value: g.AccessToken, Expires: now.Add(m.config.AccessTTL)})
	m.jar.Set(Cookie{Name: CookieSession, Value: sessionToken, Expires: now.Add(m.tokens.TTL())})
	m.jar.Set(Cookie{Name: CookieRefresh, Value: g.RefreshToken, Expires: now.Add(m.config.RefreshTTL)})
	return nil
}

// IsValid reports whether both the session and access cookies are present.
// It does not check signatures; use Verify for that.
func (m *Manager) IsValid() bool {
	if _, ok := m.jar.Get(CookieSession); !ok {
		return false
	}
	_, ok := m.jar.Get(CookieAccess)
	return ok
}

// Verify checks the session token signature, expiry and access binding and
// returns the subject.
func (m *Manager) Verify(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sessionToken, ok := m.jar.Get(CookieSession)
	if !ok {
		return "", ErrNoSession
	}
	access, ok := m.jar.Get(CookieAccess)
	if !ok {
		return "", ErrNoSession
	}
	claims, err := m.tokens.ParseSession(sessionToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	want := AccessHash(access)
	if subtle.ConstantTimeCompare([]byte(claims.AccessHash), []byte(want)) != 1 {
		return "", fmt.Errorf("%w: access token binding", ErrInvalidSession)
	}
	return claims.Subject, nil
}

// AccessToken returns the stored access token, if any.
func (m *Manager) AccessToken() (string, bool) {
	return m.jar.Get(CookieAccess)
}

// Clear removes all three tokens. Safe to call repeatedly.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.clearLocked()
	m.mu.Unlock()
}

func (m *Manager) clearLocked() {
	m.jar.Delete(CookieSession)
	m.jar.Delete(CookieAccess)
	m.jar.Delete(CookieRefresh)
}

// Refresh exchanges the refresh token for a new pair and re-establishes the
// session. Any failure clears all tokens and returns ErrRefreshFailed.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fail := func(reason string, err error) (string, error) {
		m.clearLocked()
		m.logger.Warn("session refresh failed", zap.String("reason", reason), zap.Error(err))
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrRefreshFailed, reason, err)
		}
		return "", fmt.Errorf("%w: %s", ErrRefreshFailed, reason)
	}

	if m.refresher == nil {
		return fail("no refresher configured", nil)
	}
	refreshToken, ok := m.jar.Get(CookieRefresh)
	if !ok {
		return fail("missing refresh token", nil)
	}

	grant, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return fail("exchange", err)
	}
	if grant.Subject == "" {
		sessionToken, ok := m.jar.Get(CookieSession)
		if !ok {
			return fail("unknown subject", nil)
		}
		claims, err := m.tokens.ParseExpiredSession(sessionToken)
		if err != nil {
			return fail("unknown subject", err)
		}
		grant.Subject = claims.Subject
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = refreshToken
	}
	if err := m.establishLocked(ctx, grant); err != nil {
		return fail("establish", err)
	}
	return grant.AccessToken, nil
}
