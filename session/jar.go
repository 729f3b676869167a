package session

import (
	"net/http"
	"sync"
	"time"
)

// Cookie names shared with browsers and the HTTP API.
const (
	CookieSession = "session"
	CookieAccess  = "accessToken"
	CookieRefresh = "refreshToken"
	CookieCSRF    = "csrfToken"
)

// Cookie is a named value with an absolute expiry.
type Cookie struct {
	Name    string
	Value   string
	Expires time.Time
}

// Jar stores cookies. Implementations must treat expired cookies as absent.
type Jar interface {
	Get(name string) (string, bool)
	Set(c Cookie)
	Delete(name string)
}

type jarEntry struct {
	value   string
	expires time.Time
}

// MemoryJar is a concurrency-safe Jar with clock-aware expiry.
type MemoryJar struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]jarEntry
}

func NewMemoryJar(now func() time.Time) *MemoryJar {
	if now == nil {
		now = time.Now
	}
	return &MemoryJar{now: now, entries: make(map[string]jarEntry)}
}

func (j *MemoryJar) Get(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[name]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && !j.now().Before(e.expires) {
		delete(j.entries, name)
		return "", false
	}
	return e.value, true
}

func (j *MemoryJar) Set(c Cookie) {
	j.mu.Lock()
	j.entries[c.Name] = jarEntry{value: c.Value, expires: c.Expires}
	j.mu.Unlock()
}

func (j *MemoryJar) Delete(name string) {
	j.mu.Lock()
	delete(j.entries, name)
	j.mu.Unlock()
}

// Attributes are applied to every cookie an HTTPJar writes.
type Attributes struct {
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// DefaultAttributes are Secure, SameSite=Strict.
func DefaultAttributes() Attributes {
	return Attributes{Secure: true, SameSite: http.SameSiteStrictMode}
}

// HTTPJar reads cookies from a request and writes Set-Cookie headers to the
// response. Writes are visible to later reads through the same jar.
type HTTPJar struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	r       *http.Request
	attrs   Attributes
	now     func() time.Time
	pending map[string]*jarEntry
}

func NewHTTPJar(w http.ResponseWriter, r *http.Request, attrs Attributes) *HTTPJar {
	if attrs.SameSite == 0 {
		attrs.SameSite = http.SameSiteStrictMode
	}
	return &HTTPJar{w: w, r: r, attrs: attrs, now: time.Now, pending: make(map[string]*jarEntry)}
}

func (j *HTTPJar) useClock(now func() time.Time) {
	j.mu.Lock()
	j.now = now
	j.mu.Unlock()
}

func (j *HTTPJar) Get(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if e, ok := j.pending[name]; ok {
		if e == nil || (!e.expires.IsZero() && !j.now().Before(e.expires)) {
			return "", false
		}
		return e.value, true
	}
	c, err := j.r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (j *HTTPJar) Set(c Cookie) {
	j.mu.Lock()
	j.pending[c.Name] = &jarEntry{value: c.Value, expires: c.Expires}
	now := j.now()
	j.mu.Unlock()

	maxAge := int(c.Expires.Sub(now).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(j.w, &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     "/",
		Domain:   j.attrs.Domain,
		Expires:  c.Expires,
		MaxAge:   maxAge,
		Secure:   j.attrs.Secure,
		HttpOnly: c.Name != CookieCSRF,
		SameSite: j.attrs.SameSite,
	})
}

func (j *HTTPJar) Delete(name string) {
	j.mu.Lock()
	j.pending[name] = nil
	j.mu.Unlock()

	http.SetCookie(j.w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   j.attrs.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		Secure:   j.attrs.Secure,
		HttpOnly: name != CookieCSRF,
		SameSite: j.attrs.SameSite,
	})
}
