package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/jwt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestManager(t *testing.T, opts ...Option) (*Manager, *MemoryJar, *testClock) {
	t.Helper()
	return newTestManagerAt(t, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), opts...)
}

func newTestManagerAt(t *testing.T, start time.Time, opts ...Option) (*Manager, *MemoryJar, *testClock) {
	t.Helper()
	clock := &testClock{now: start}
	tokens, err := jwt.NewManager(jwt.Config{
		TTL:           time.Hour,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	jar := NewMemoryJar(clock.Now)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	m, err := NewManager(jar, tokens, DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, jar, clock
}

func TestEstablishRoundTrip(t *testing.T) {
	m, jar, clock := newTestManager(t)
	ctx := context.Background()

	if err := m.Establish(ctx, Grant{Subject: "uid-1", AccessToken: "acc", RefreshToken: "ref"}); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if !m.IsValid() {
		t.Fatal("expected valid session after establish")
	}
	if v, _ := jar.Get(CookieAccess); v != "acc" {
		t.Fatalf("unexpected access cookie %q", v)
	}
	if v, _ := jar.Get(CookieRefresh); v != "ref" {
		t.Fatalf("unexpected refresh cookie %q", v)
	}
	uid, err := m.Verify(ctx)
	if err != nil || uid != "uid-1" {
		t.Fatalf("verify: uid=%q err=%v", uid, err)
	}

	clock.Advance(59 * time.Minute)
	if !m.IsValid() {
		t.Fatal("expected session to survive until expiry")
	}
	clock.Advance(time.Minute)
	if m.IsValid() {
		t.Fatal("expected session to lapse at access expiry")
	}
	if _, ok := jar.Get(CookieRefresh); !ok {
		t.Fatal("refresh token must outlive the session")
	}
}

func TestClearAlwaysInvalidates(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	m.Clear()
	if m.IsValid() {
		t.Fatal("expected invalid after clear on empty jar")
	}
	_ = m.Establish(ctx, Grant{Subject: "u", AccessToken: "a", RefreshToken: "r"})
	m.Clear()
	m.Clear()
	if m.IsValid() {
		t.Fatal("expected invalid after clear")
	}
	if _, err := m.Verify(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestEstablishRejectsIncompleteGrant(t *testing.T) {
	m, jar, _ := newTestManager(t)
	err := m.Establish(context.Background(), Grant{Subject: "u", AccessToken: "a"})
	if !errors.Is(err, ErrEstablish) {
		t.Fatalf("expected ErrEstablish, got %v", err)
	}
	for _, name := range []string{CookieSession, CookieAccess, CookieRefresh} {
		if _, ok := jar.Get(name); ok {
			t.Fatalf("cookie %s must not be written", name)
		}
	}
}

func TestVerifyDetectsSwappedAccessToken(t *testing.T) {
	m, jar, _ := newTestManager(t)
	ctx := context.Background()
	_ = m.Establish(ctx, Grant{Subject: "u", AccessToken: "a", RefreshToken: "r"})

	jar.Set(Cookie{Name: CookieAccess, Value: "other", Expires: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)})
	if !m.IsValid() {
		t.Fatal("IsValid only checks presence")
	}
	if _, err := m.Verify(ctx); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestRefreshSuccessReestablishes(t *testing.T) {
	var seen string
	refresher := RefresherFunc(func(_ context.Context, rt string) (Grant, error) {
		seen = rt
		return Grant{AccessToken: "acc-2", RefreshToken: "ref-2"}, nil
	})
	m, jar, _ := newTestManager(t, WithRefresher(refresher))
	ctx := context.Background()
	_ = m.Establish(ctx, Grant{Subject: "uid-1", AccessToken: "acc-1", RefreshToken: "ref-1"})

	access, err := m.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if seen != "ref-1" || access != "acc-2" {
		t.Fatalf("unexpected exchange seen=%q access=%q", seen, access)
	}
	if v, _ := jar.Get(CookieRefresh); v != "ref-2" {
		t.Fatalf("refresh token not rotated: %q", v)
	}
	uid, err := m.Verify(ctx)
	if err != nil || uid != "uid-1" {
		t.Fatalf("verify after refresh: uid=%q err=%v", uid, err)
	}
}

func TestRefreshAfterSessionLapseUsesGrantSubject(t *testing.T) {
	refresher := RefresherFunc(func(context.Context, string) (Grant, error) {
		return Grant{Subject: "uid-9", AccessToken: "acc-2", RefreshToken: "ref-2"}, nil
	})
	m, _, clock := newTestManager(t, WithRefresher(refresher))
	ctx := context.Background()
	_ = m.Establish(ctx, Grant{Subject: "uid-9", AccessToken: "acc-1", RefreshToken: "ref-1"})
	clock.Advance(2 * time.Hour)

	if _, err := m.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if uid, err := m.Verify(ctx); err != nil || uid != "uid-9" {
		t.Fatalf("verify: uid=%q err=%v", uid, err)
	}
}

func TestRefreshFailureClearsEverything(t *testing.T) {
	refresher := RefresherFunc(func(context.Context, string) (Grant, error) {
		return Grant{}, errors.New("revoked")
	})
	m, jar, _ := newTestManager(t, WithRefresher(refresher))
	ctx := context.Background()
	_ = m.Establish(ctx, Grant{Subject: "u", AccessToken: "a", RefreshToken: "r"})

	if _, err := m.Refresh(ctx); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if m.IsValid() {
		t.Fatal("expected no session after failed refresh")
	}
	if _, ok := jar.Get(CookieRefresh); ok {
		t.Fatal("refresh token must be cleared")
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	m, _, _ := newTestManager(t, WithRefresher(RefresherFunc(func(context.Context, string) (Grant, error) {
		t.Fatal("refresher must not be called")
		return Grant{}, nil
	})))
	if _, err := m.Refresh(context.Background()); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
}

func TestHTTPRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RefreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(RefreshResponse{AccessToken: "a2", NewRefreshToken: "r2", UID: "u"})
	}))
	defer srv.Close()

	r := NewHTTPRefresher(srv.URL+"/refresh-token", srv.Client())
	g, err := r.Refresh(context.Background(), "good")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if g.AccessToken != "a2" || g.RefreshToken != "r2" || g.Subject != "u" {
		t.Fatalf("unexpected grant %+v", g)
	}
	if _, err := r.Refresh(context.Background(), "bad"); err == nil {
		t.Fatal("expected rejection")
	}
}

func TestHTTPJarCookieAttributes(t *testing.T) {
	m, _, _ := newTestManagerAt(t, time.Now())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	jar := NewHTTPJar(rec, req, DefaultAttributes())
	rm := m.WithJar(jar)

	if err := rm.Establish(context.Background(), Grant{Subject: "u", AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if !rm.IsValid() {
		t.Fatal("writes must be visible through the same jar")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 3 {
		t.Fatalf("expected 3 cookies, got %d", len(cookies))
	}
	for _, c := range cookies {
		if !c.Secure || !c.HttpOnly || c.SameSite != http.SameSiteStrictMode || c.Path != "/" {
			t.Fatalf("cookie %s has weak attributes: %+v", c.Name, c)
		}
	}

	rm.Clear()
	if rm.IsValid() {
		t.Fatal("expected invalid after clear")
	}
}

func TestHTTPJarFollowsManagerClock(t *testing.T) {
	m, _, clock := newTestManagerAt(t, time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := httptest.NewRecorder()
	rm := m.WithJar(NewHTTPJar(rec, httptest.NewRequest(http.MethodGet, "/", nil), DefaultAttributes()))

	if err := rm.Establish(context.Background(), Grant{Subject: "u", AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if !rm.IsValid() {
		t.Fatal("expected valid session at the manager's time")
	}
	for _, c := range rec.Result().Cookies() {
		want := int(time.Hour.Seconds())
		if c.Name == CookieRefresh {
			want = int((7 * 24 * time.Hour).Seconds())
		}
		if c.MaxAge != want {
			t.Fatalf("cookie %s MaxAge = %d, want %d", c.Name, c.MaxAge, want)
		}
	}

	clock.Advance(time.Hour)
	if rm.IsValid() {
		t.Fatal("expected pending cookies to expire on the manager's clock")
	}
}

func TestHTTPJarReadsRequestCookies(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieSession, Value: "s"})
	jar := NewHTTPJar(httptest.NewRecorder(), req, Attributes{})

	if v, ok := jar.Get(CookieSession); !ok || v != "s" {
		t.Fatalf("unexpected session cookie %q %v", v, ok)
	}
	jar.Delete(CookieSession)
	if _, ok := jar.Get(CookieSession); ok {
		t.Fatal("deleted cookie must not be read back")
	}
}
