package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/mail"
	"github.com/MrEthical07/authflow/session"
)

type fakeAccount struct {
	id       Identity
	password string
}

// fakeProvider keeps accounts in memory and tracks one current user.
type fakeProvider struct {
	mu       sync.Mutex
	accounts map[string]*fakeAccount
	current  *ProviderSession
	seq      int

	// beforeSignIn runs once, outside the lock, before SignIn answers.
	beforeSignIn func()
	refreshErr   error
	signOutErr   error

	signIns           int
	federatedSignIns  int
	signOuts          int
	verificationSends int
	resetSends        int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{accounts: make(map[string]*fakeAccount)}
}

func (p *fakeProvider) addAccount(email, password string, verified bool) Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := Identity{UID: fmt.Sprintf("uid-%d", p.seq), Email: email, EmailVerified: verified}
	p.accounts[strings.ToLower(email)] = &fakeAccount{id: id, password: password}
	return id
}

func (p *fakeProvider) sessionLocked(id Identity) ProviderSession {
	p.seq++
	ps := ProviderSession{
		Identity:     id,
		AccessToken:  fmt.Sprintf("access-%s-%d", id.UID, p.seq),
		RefreshToken: fmt.Sprintf("refresh-%s-%d", id.UID, p.seq),
	}
	p.current = &ps
	return ps
}

func (p *fakeProvider) setCurrent(ps *ProviderSession) {
	p.mu.Lock()
	p.current = ps
	p.mu.Unlock()
}

func (p *fakeProvider) counts() (signIns, signOuts, verificationSends int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signIns, p.signOuts, p.verificationSends
}

func (p *fakeProvider) CreateAccount(_ context.Context, email, password string) (ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := p.accounts[key]; ok {
		return ProviderSession{}, ErrEmailInUse
	}
	if len(password) < 6 {
		return ProviderSession{}, ErrWeakPassword
	}
	p.seq++
	id := Identity{UID: fmt.Sprintf("uid-%d", p.seq), Email: email}
	p.accounts[key] = &fakeAccount{id: id, password: password}
	return p.sessionLocked(id), nil
}

func (p *fakeProvider) SignIn(_ context.Context, email, password string) (ProviderSession, error) {
	p.mu.Lock()
	p.signIns++
	hook := p.beforeSignIn
	p.beforeSignIn = nil
	p.mu.Unlock()
	if hook != nil {
		hook()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[strings.ToLower(email)]
	if !ok {
		return ProviderSession{}, ErrUserNotFound
	}
	if acct.password != password {
		return ProviderSession{}, ErrWrongPassword
	}
	return p.sessionLocked(acct.id), nil
}

func (p *fakeProvider) SignInFederated(_ context.Context, cred FederatedCredential) (ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.federatedSignIns++
	if cred.Code == "" {
		return ProviderSession{}, ErrCredential
	}
	id := Identity{UID: "fed-" + cred.Code, Email: cred.Code + "@fed.io", EmailVerified: true}
	return p.sessionLocked(id), nil
}

func (p *fakeProvider) SendVerificationEmail(context.Context, Identity) error {
	p.mu.Lock()
	p.verificationSends++
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOuts++
	p.current = nil
	return p.signOutErr
}

func (p *fakeProvider) IDToken(context.Context, bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return "", errors.New("no current user")
	}
	return "id-" + p.current.Identity.UID, nil
}

func (p *fakeProvider) RefreshToken(_ context.Context, refreshToken string) (ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refreshErr != nil {
		return ProviderSession{}, p.refreshErr
	}
	if p.current == nil || p.current.RefreshToken != refreshToken {
		return ProviderSession{}, errors.New("unknown refresh token")
	}
	return p.sessionLocked(p.current.Identity), nil
}

func (p *fakeProvider) CurrentIdentity(context.Context) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, nil
	}
	id := p.current.Identity
	return &id, nil
}

func (p *fakeProvider) SendPasswordResetEmail(_ context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[strings.ToLower(email)]; !ok {
		return ErrUserNotFound
	}
	p.resetSends++
	return nil
}

func (p *fakeProvider) Reauthenticate(_ context.Context, password string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ErrNotAuthenticated
	}
	acct, ok := p.accounts[strings.ToLower(p.current.Identity.Email)]
	if !ok || acct.password != password {
		return ErrWrongPassword
	}
	return nil
}

// ApplyVerificationCode accepts "good" and verifies the current user.
func (p *fakeProvider) ApplyVerificationCode(_ context.Context, code string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if code != "good" || p.current == nil {
		return "", errors.New("invalid action code")
	}
	if acct, ok := p.accounts[strings.ToLower(p.current.Identity.Email)]; ok {
		acct.id.EmailVerified = true
	}
	p.current.Identity.EmailVerified = true
	return p.current.Identity.UID, nil
}

// memDirectory is an in-memory UserDirectory.
type memDirectory struct {
	mu    sync.Mutex
	users map[string]UserRecord
	csrf  map[string]string
}

func newMemDirectory() *memDirectory {
	return &memDirectory{users: make(map[string]UserRecord), csrf: make(map[string]string)}
}

func (d *memDirectory) GetUser(_ context.Context, uid string) (*UserRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.users[uid]
	if !ok {
		return nil, ErrUserRecordNotFound
	}
	return &rec, nil
}

func (d *memDirectory) CreateUser(_ context.Context, rec UserRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[rec.UID]; !ok {
		d.users[rec.UID] = rec
	}
	return nil
}

func (d *memDirectory) MergeUser(_ context.Context, uid string, update ProfileUpdate) (*UserRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.users[uid]
	if !ok {
		return nil, ErrUserRecordNotFound
	}
	if update.Name != "" {
		rec.Name = update.Name
	}
	if update.Email != "" {
		rec.Email = update.Email
	}
	if update.ProfilePicture != "" {
		rec.ProfilePicture = update.ProfilePicture
	}
	if update.EmailVerified != nil {
		rec.EmailVerified = *update.EmailVerified
	}
	d.users[uid] = rec
	return &rec, nil
}

func (d *memDirectory) UpdateEmail(_ context.Context, uid, email string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.users[uid]
	if !ok {
		return ErrUserRecordNotFound
	}
	rec.Email = email
	d.users[uid] = rec
	return nil
}

func (d *memDirectory) DeleteUser(_ context.Context, uid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, uid)
	delete(d.csrf, uid)
	return nil
}

func (d *memDirectory) SaveCSRFToken(_ context.Context, uid, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.csrf[uid] = token
	return nil
}

func (d *memDirectory) record(uid string) (UserRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.users[uid]
	return rec, ok
}

func (d *memDirectory) csrfToken(uid string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.csrf[uid]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	o      *Orchestrator
	p      *fakeProvider
	dir    *memDirectory
	outbox *mail.Outbox
	jar    *session.MemoryJar
	clock  *testClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Session.Timeout = 0
	return cfg
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	clock := newTestClock()
	h := &harness{
		p:      newFakeProvider(),
		dir:    newMemDirectory(),
		outbox: mail.NewOutbox(),
		jar:    session.NewMemoryJar(clock.Now),
		clock:  clock,
	}
	h.o = h.build(t, mutate)
	return h
}

// build returns another orchestrator over the harness's provider, directory
// and cookie jar, as after a process restart.
func (h *harness) build(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New().
		WithConfig(cfg).
		WithProvider(h.p).
		WithDirectory(h.dir).
		WithMailer(h.outbox).
		WithJar(h.jar).
		WithClock(h.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("build orchestrator: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func (h *harness) csrfToken(t *testing.T) string {
	t.Helper()
	token, err := h.o.CSRFToken(context.Background())
	if err != nil {
		t.Fatalf("csrf token: %v", err)
	}
	return token
}

// seedUser registers an account with the provider and its user record.
func (h *harness) seedUser(t *testing.T, email, password string, verified, requires2FA bool) Identity {
	t.Helper()
	id := h.p.addAccount(email, password, verified)
	rec := NewUserRecord(id, h.clock.Now())
	rec.Requires2FA = requires2FA
	if err := h.dir.CreateUser(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return id
}

func (h *harness) login(t *testing.T, email, password string) LoginResult {
	t.Helper()
	res, err := h.o.Login(context.Background(), email, password, h.csrfToken(t))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return res
}

// statusRecorder collects every published state.
type statusRecorder struct {
	mu     sync.Mutex
	states []AuthState
}

func (r *statusRecorder) record(s AuthState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *statusRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.Status)
	}
	return out
}

func (r *statusRecorder) snapshot() []AuthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuthState(nil), r.states...)
}
