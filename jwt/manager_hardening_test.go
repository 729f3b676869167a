package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

var testHMACKey = []byte("0123456789abcdef0123456789abcdef")

func TestSessionRoundTripHS256(t *testing.T) {
	m, err := NewManager(Config{TTL: time.Hour, SigningMethod: MethodHS256, PrivateKey: testHMACKey})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	tok, err := m.IssueSession("uid-1", "hash-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := m.ParseSession(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "uid-1" || claims.AccessHash != "hash-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Fatalf("expected 1h lifetime, got %v", got)
	}
}

func TestHS256RejectsShortKey(t *testing.T) {
	if _, err := NewManager(Config{TTL: time.Hour, SigningMethod: MethodHS256, PrivateKey: []byte("short")}); err == nil {
		t.Fatal("expected short key to be rejected")
	}
}

func TestParseSessionExpiresWithClock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, err := NewManager(Config{
		TTL:           time.Hour,
		SigningMethod: MethodHS256,
		PrivateKey:    testHMACKey,
		Now:           func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	tok, _ := m.IssueSession("uid-1", "h")

	now = now.Add(59 * time.Minute)
	if _, err := m.ParseSession(tok); err != nil {
		t.Fatalf("expected valid token: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := m.ParseSession(tok); err == nil {
		t.Fatal("expected expired token to fail")
	}
	claims, err := m.ParseExpiredSession(tok)
	if err != nil {
		t.Fatalf("expected expired session to be readable: %v", err)
	}
	if claims.Subject != "uid-1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if _, err := m.ParseExpiredSession(tok + "x"); err == nil {
		t.Fatal("expected tampered token to fail")
	}
}

func TestParseSessionRejectsWrongAlgorithm(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{TTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := SessionClaims{AccessHash: "h", RegisteredClaims: gjwt.RegisteredClaims{Subject: "u", ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute))}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims)
	token, err := tok.SignedString([]byte("secret-secret-secret-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := m.ParseSession(token); err == nil {
		t.Fatal("expected wrong algorithm to be rejected")
	}
}

func TestParseSessionRequiresSubject(t *testing.T) {
	m, _ := NewManager(Config{TTL: time.Minute, SigningMethod: MethodHS256, PrivateKey: testHMACKey})
	claims := SessionClaims{AccessHash: "h", RegisteredClaims: gjwt.RegisteredClaims{ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute))}}
	tok, _ := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString(testHMACKey)
	if _, err := m.ParseSession(tok); err == nil {
		t.Fatal("expected missing subject to fail")
	}
}

func TestIdentityIssuerAudienceAndLeeway(t *testing.T) {
	_, priv := newEdKeys(t)
	m, err := NewManager(Config{
		TTL:           time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     priv.Public().(ed25519.PublicKey),
		Issuer:        "authflow",
		Audience:      "web",
		Leeway:        30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	tok, err := m.IssueIdentity(IdentityClaims{
		Email:            "a@x.io",
		EmailVerified:    true,
		RegisteredClaims: gjwt.RegisteredClaims{Subject: "uid-1"},
	})
	if err != nil {
		t.Fatalf("issue identity: %v", err)
	}
	claims, err := m.ParseIdentity(tok)
	if err != nil {
		t.Fatalf("expected valid token to parse: %v", err)
	}
	if claims.Email != "a@x.io" || !claims.EmailVerified || claims.Issuer != "authflow" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	wrongIssuer := IdentityClaims{Email: "a@x.io", RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "uid-1",
		Issuer:    "other",
		Audience:  gjwt.ClaimStrings{"web"},
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  gjwt.NewNumericDate(time.Now()),
	}}
	badIssuer, _ := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, wrongIssuer).SignedString(priv)
	if _, err := m.ParseIdentity(badIssuer); err == nil {
		t.Fatal("expected wrong issuer to fail")
	}

	wrongAudience := IdentityClaims{Email: "a@x.io", RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "uid-1",
		Issuer:    "authflow",
		Audience:  gjwt.ClaimStrings{"other"},
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  gjwt.NewNumericDate(time.Now()),
	}}
	badAudience, _ := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, wrongAudience).SignedString(priv)
	if _, err := m.ParseIdentity(badAudience); err == nil {
		t.Fatal("expected wrong audience to fail")
	}

	withinLeeway := IdentityClaims{Email: "a@x.io", RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "uid-1",
		Issuer:    "authflow",
		Audience:  gjwt.ClaimStrings{"web"},
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(-15 * time.Second)),
		IssuedAt:  gjwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	within, _ := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, withinLeeway).SignedString(priv)
	if _, err := m.ParseIdentity(within); err != nil {
		t.Fatalf("expected token within leeway to pass: %v", err)
	}

	expired := withinLeeway
	expired.ExpiresAt = gjwt.NewNumericDate(time.Now().Add(-2 * time.Minute))
	expiredSigned, _ := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, expired).SignedString(priv)
	if _, err := m.ParseIdentity(expiredSigned); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestParseUnknownKidFails(t *testing.T) {
	pub1, priv1 := newEdKeys(t)
	pub2, _ := newEdKeys(t)
	m, err := NewManager(Config{
		TTL:           time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv1,
		PublicKey:     pub1,
		KeyID:         "k1",
		VerifyKeys: map[string][]byte{
			"k1": pub1,
		},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	claims := SessionClaims{AccessHash: "h", RegisteredClaims: gjwt.RegisteredClaims{Subject: "u", ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute))}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "k2"
	token, err := tok.SignedString(priv1)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := m.ParseSession(token); err == nil {
		t.Fatal("expected unknown kid failure")
	}

	good, err := m.IssueSession("u", "h")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.ParseSession(good); err != nil {
		t.Fatalf("expected known kid token to pass: %v", err)
	}

	m2, _ := NewManager(Config{TTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub2, VerifyKeys: map[string][]byte{"k2": pub2}})
	if _, err := m2.ParseSession(good); err == nil {
		t.Fatal("expected parse failure with mismatched key set")
	}
}
