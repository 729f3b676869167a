package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter tuning parameters. A zero Max disables that limit.
type Config struct {
	MaxCodeIssues      int
	CodeIssueWindow    time.Duration
	MaxRequestsPerIP   int
	RequestWindow      time.Duration
	MaxRefreshAttempts int
	RefreshWindow      time.Duration
}

// Limiter enforces per-email and per-IP budgets using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// AllowCodeIssue counts one code issuance for email and reports
// ErrRateLimited once the window budget is spent.
func (l *Limiter) AllowCodeIssue(ctx context.Context, email string) error {
	return l.allow(ctx, codeIssueKey(email), l.config.MaxCodeIssues, l.config.CodeIssueWindow)
}

// AllowRequest counts one request from ip against the endpoint budget.
func (l *Limiter) AllowRequest(ctx context.Context, ip string) error {
	if ip == "" {
		return nil
	}
	return l.allow(ctx, requestIPKey(ip), l.config.MaxRequestsPerIP, l.config.RequestWindow)
}

// AllowRefresh counts one refresh exchange attempt for the presented token fingerprint.
func (l *Limiter) AllowRefresh(ctx context.Context, fingerprint string) error {
	return l.allow(ctx, refreshKey(fingerprint), l.config.MaxRefreshAttempts, l.config.RefreshWindow)
}

// ResetCodeIssue clears the issuance counter for email.
func (l *Limiter) ResetCodeIssue(ctx context.Context, email string) error {
	if err := l.redis.Del(ctx, codeIssueKey(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// CodeIssues returns the current issuance counter for email.
func (l *Limiter) CodeIssues(ctx context.Context, email string) (int, error) {
	count, err := l.redis.Get(ctx, codeIssueKey(email)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) allow(ctx context.Context, key string, max int, window time.Duration) error {
	if l == nil || max <= 0 || window <= 0 {
		return nil
	}
	count, err := l.incrementWithTTL(ctx, key, window)
	if err != nil {
		return err
	}
	if count > int64(max) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func codeIssueKey(email string) string {
	return "rci:" + strings.ToLower(strings.TrimSpace(email))
}

func requestIPKey(ip string) string {
	return "rip:" + ip
}

func refreshKey(fingerprint string) string {
	return "rrf:" + fingerprint
}
