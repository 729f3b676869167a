//go:build integration
// +build integration

package test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/csrf"
	"github.com/MrEthical07/authflow/internal/rate"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/otc"
)

// The first script call may be EVALSHA followed by EVAL on a cache miss.
const scriptBudget = 2

func TestCodeConsumeRedisBudget(t *testing.T) {
	rdb, _, counter := newCountedClient(t)
	store := otc.NewRedisStore(rdb, "budget")
	ctx := context.Background()
	now := time.Now()

	record := otc.Record{CodeHash: hashByte(0x01), ExpiresAt: now.Add(5 * time.Minute)}
	if err := store.Put(ctx, "kim@example.com", record, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	counter.Reset()
	if err := store.Consume(ctx, "kim@example.com", hashByte(0x02), now, 0); !errors.Is(err, otc.ErrCodeMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if cmds := counter.Commands(); cmds > scriptBudget {
		t.Errorf("mismatched Consume used %d commands; budget is %d", cmds, scriptBudget)
	}

	// script is cached now
	counter.Reset()
	if err := store.Consume(ctx, "kim@example.com", hashByte(0x01), now, 0); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if cmds := counter.Commands(); cmds != 1 {
		t.Errorf("Consume used %d commands; want 1", cmds)
	}
	t.Logf("Consume: %d commands, %d pipelines", counter.Commands(), counter.Pipelines())
}

func TestCodeConsumeSingleWinner(t *testing.T) {
	rdb, _, _ := newCountedClient(t)
	store := otc.NewRedisStore(rdb, "race")
	ctx := context.Background()
	now := time.Now()

	record := otc.Record{CodeHash: hashByte(0x07), ExpiresAt: now.Add(time.Minute)}
	if err := store.Put(ctx, "lee@example.com", record, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Consume(ctx, "lee@example.com", hashByte(0x07), now, 0)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, otc.ErrNoCodeFound) {
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestCSRFCompareRedisBudget(t *testing.T) {
	rdb, _, counter := newCountedClient(t)
	storage := csrf.NewRedisStorage(rdb, "budget-csrf", time.Hour)
	ctx := context.Background()

	if err := storage.Store(ctx, "sid-1", "aa"); err != nil {
		t.Fatalf("store: %v", err)
	}

	counter.Reset()
	if err := storage.CompareOrReplace(ctx, "sid-1", "aa", "bb"); err != nil {
		t.Fatalf("compare: %v", err)
	}
	if cmds := counter.Commands(); cmds > scriptBudget {
		t.Errorf("CompareOrReplace used %d commands; budget is %d", cmds, scriptBudget)
	}

	counter.Reset()
	if err := storage.CompareOrReplace(ctx, "sid-1", "zz", "cc"); !errors.Is(err, csrf.ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if cmds := counter.Commands(); cmds != 1 {
		t.Errorf("cached CompareOrReplace used %d commands; want 1", cmds)
	}

	// the mismatch installed the replacement
	if err := storage.CompareOrReplace(ctx, "sid-1", "cc", "dd"); err != nil {
		t.Fatalf("expected replacement to be current, got %v", err)
	}
}

func TestRefreshRotationRedisBudget(t *testing.T) {
	rdb, _, counter := newCountedClient(t)
	tokens := stores.NewRefreshTokenStore(rdb, "budget-rt")
	ctx := context.Background()

	if err := tokens.Save(ctx, hashByte(0x0A), "uid-1", time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	counter.Reset()
	uid, err := tokens.Rotate(ctx, hashByte(0x0A), hashByte(0x0B), time.Hour)
	if err != nil || uid != "uid-1" {
		t.Fatalf("rotate: %q %v", uid, err)
	}
	if cmds := counter.Commands(); cmds > scriptBudget {
		t.Errorf("Rotate used %d commands; budget is %d", cmds, scriptBudget)
	}

	if _, err := tokens.Rotate(ctx, hashByte(0x0A), hashByte(0x0C), time.Hour); !errors.Is(err, stores.ErrRefreshTokenNotFound) {
		t.Fatalf("expected consumed token to be gone, got %v", err)
	}
}

func TestRequestLimiterRedisBudget(t *testing.T) {
	rdb, mr, counter := newCountedClient(t)
	limiter := rate.New(rdb, rate.Config{MaxRequestsPerIP: 3, RequestWindow: time.Minute})
	ctx := context.Background()

	// INCR + EXPIRE on the first hit of a window
	if err := limiter.AllowRequest(ctx, "198.51.100.4"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if cmds := counter.Commands(); cmds != 2 {
		t.Errorf("first AllowRequest used %d commands; want 2", cmds)
	}

	counter.Reset()
	if err := limiter.AllowRequest(ctx, "198.51.100.4"); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if cmds := counter.Commands(); cmds != 1 {
		t.Errorf("AllowRequest used %d commands; want 1", cmds)
	}

	_ = limiter.AllowRequest(ctx, "198.51.100.4")
	if err := limiter.AllowRequest(ctx, "198.51.100.4"); !errors.Is(err, rate.ErrRateLimited) {
		t.Fatalf("expected limit, got %v", err)
	}

	mr.FastForward(time.Minute + time.Second)
	if err := limiter.AllowRequest(ctx, "198.51.100.4"); err != nil {
		t.Fatalf("expected fresh window, got %v", err)
	}
}
