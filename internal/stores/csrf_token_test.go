package stores

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCSRFTokenGetOrCreateIsStable(t *testing.T) {
	_, rdb, done := newRedisTest(t)
	defer done()
	ctx := context.Background()
	store := NewCSRFTokenStore(rdb, "csrf", time.Hour)

	first, err := store.GetOrCreate(ctx, "client-1", "token-a")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	second, err := store.GetOrCreate(ctx, "client-1", "token-b")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if first != "token-a" || second != "token-a" {
		t.Fatalf("expected stable token-a, got %q then %q", first, second)
	}
}

func TestCSRFTokenCompareOrReplace(t *testing.T) {
	_, rdb, done := newRedisTest(t)
	defer done()
	ctx := context.Background()
	store := NewCSRFTokenStore(rdb, "csrf", time.Hour)

	if err := store.Put(ctx, "client-1", "token-a"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.CompareOrReplace(ctx, "client-1", "token-a", "unused"); err != nil {
		t.Fatalf("matching candidate: %v", err)
	}
	if got, _ := store.Get(ctx, "client-1"); got != "token-a" {
		t.Fatalf("match must not rotate, got %q", got)
	}

	if err := store.CompareOrReplace(ctx, "client-1", "forged", "token-b"); !errors.Is(err, ErrCSRFTokenMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if got, _ := store.Get(ctx, "client-1"); got != "token-b" {
		t.Fatalf("mismatch must install replacement, got %q", got)
	}
	if err := store.CompareOrReplace(ctx, "client-1", "token-a", "token-c"); !errors.Is(err, ErrCSRFTokenMismatch) {
		t.Fatalf("old token must fail after rotation, got %v", err)
	}
}

func TestCSRFTokenCompareMissingFailsClosed(t *testing.T) {
	_, rdb, done := newRedisTest(t)
	defer done()
	ctx := context.Background()
	store := NewCSRFTokenStore(rdb, "csrf", time.Hour)

	if err := store.CompareOrReplace(ctx, "nobody", "", "fresh"); !errors.Is(err, ErrCSRFTokenMismatch) {
		t.Fatalf("expected mismatch for missing token, got %v", err)
	}
	if got, err := store.Get(ctx, "nobody"); err != nil || got != "fresh" {
		t.Fatalf("expected fresh token installed, got %q err=%v", got, err)
	}
}

func TestCSRFTokenCompareBackendError(t *testing.T) {
	mr, rdb, done := newRedisTest(t)
	defer done()
	ctx := context.Background()
	store := NewCSRFTokenStore(rdb, "csrf", time.Hour)

	if err := store.Put(ctx, "client-1", "token-a"); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.SetError("LOADING")
	err := store.CompareOrReplace(ctx, "client-1", "token-a", "token-b")
	if !errors.Is(err, ErrCSRFTokenBackend) || errors.Is(err, ErrCSRFTokenMismatch) {
		t.Fatalf("expected backend error, got %v", err)
	}
	mr.SetError("")
	if got, _ := store.Get(ctx, "client-1"); got != "token-a" {
		t.Fatalf("failed compare must not change the token, got %q", got)
	}
}
