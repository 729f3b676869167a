package csrf

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"redis":  NewRedisStorage(rdb, "csrf", time.Hour),
	}
}

func TestIssueIsIdempotentAndWellFormed(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(storage, nil)
			ctx := context.Background()

			first, err := g.Issue(ctx, "client")
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			second, err := g.Issue(ctx, "client")
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			if first != second {
				t.Fatalf("issue must be idempotent: %q vs %q", first, second)
			}
			if len(first) != TokenLength || !WellFormed(first) {
				t.Fatalf("malformed token %q", first)
			}
		})
	}
}

func TestValidateFailsClosedAndRegenerates(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(storage, nil)
			ctx := context.Background()

			token, err := g.Issue(ctx, "client")
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			if err := g.Validate(ctx, "client", token); err != nil {
				t.Fatalf("valid token rejected: %v", err)
			}

			if err := g.Validate(ctx, "client", "forged"); !errors.Is(err, ErrMismatch) {
				t.Fatalf("expected mismatch, got %v", err)
			}
			fresh, err := g.Issue(ctx, "client")
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			if fresh == token {
				t.Fatal("mismatch must regenerate the token")
			}
			if err := g.Validate(ctx, "client", token); !errors.Is(err, ErrMismatch) {
				t.Fatalf("pre-rotation token must fail, got %v", err)
			}
		})
	}
}

func TestValidateWithoutIssuedTokenFails(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(storage, nil)
			if err := g.Validate(context.Background(), "new-client", ""); !errors.Is(err, ErrMismatch) {
				t.Fatalf("expected mismatch, got %v", err)
			}
		})
	}
}

func TestRotateInvalidatesPrevious(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(storage, nil)
			ctx := context.Background()

			old, _ := g.Issue(ctx, "client")
			next, err := g.Rotate(ctx, "client")
			if err != nil {
				t.Fatalf("rotate: %v", err)
			}
			if next == old {
				t.Fatal("rotate must change the token")
			}
			if err := g.Validate(ctx, "client", next); err != nil {
				t.Fatalf("rotated token rejected: %v", err)
			}
		})
	}
}

func TestConcurrentDoubleSubmit(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(storage, nil)
			ctx := context.Background()

			valid, _ := g.Issue(ctx, "client")

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				results = map[string]error{}
			)
			for _, candidate := range []string{valid, "00000000-0000-0000-0000-000000000000"} {
				wg.Add(1)
				go func(c string) {
					defer wg.Done()
					err := g.Validate(ctx, "client", c)
					mu.Lock()
					results[c] = err
					mu.Unlock()
				}(candidate)
			}
			wg.Wait()

			if results["00000000-0000-0000-0000-000000000000"] == nil {
				t.Fatal("stale token must never validate")
			}
			// The valid submission wins only if it was serialized first.
			current, _ := g.Current(ctx, "client")
			if current == valid {
				t.Fatal("the failed submission must have rotated the token")
			}
		})
	}
}

func TestMemoryStorageRehydratesVolatileTier(t *testing.T) {
	storage := NewMemoryStorage()
	g := NewGuard(storage, nil)
	ctx := context.Background()

	token, _ := g.Issue(ctx, "client")
	storage.DropVolatile()

	again, err := g.Issue(ctx, "client")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if again != token {
		t.Fatalf("durable tier must survive, got %q want %q", again, token)
	}
}

func TestEmptyScopeRejected(t *testing.T) {
	g := NewGuard(NewMemoryStorage(), nil)
	if _, err := g.Issue(context.Background(), ""); !errors.Is(err, ErrEmptyScope) {
		t.Fatalf("expected ErrEmptyScope, got %v", err)
	}
}

func TestWellFormed(t *testing.T) {
	cases := map[string]bool{
		"123e4567-e89b-42d3-a456-426614174000": true,
		"123e4567e89b42d3a456426614174000":     false,
		"123e4567-e89b-42d3-a456-42661417400g": false,
		"":                                     false,
	}
	for in, want := range cases {
		if got := WellFormed(in); got != want {
			t.Errorf("WellFormed(%q) = %v, want %v", in, got, want)
		}
	}
}
