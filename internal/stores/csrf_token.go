package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrCSRFTokenNotFound = errors.New("csrf token not found")
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
	ErrCSRFTokenBackend  = errors.New("csrf token backend unavailable")
)

// getOrCreateCSRFLua returns the stored token or installs ARGV[1].
// KEYS[1] = token key
// ARGV[1] = candidate new token
// ARGV[2] = ttl milliseconds
var getOrCreateCSRFLua = redis.NewScript(`
local stored = redis.call('GET', KEYS[1])
if stored then
  return stored
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ARGV[1]
`)

// compareOrReplaceCSRFLua returns the stored token when it equals the
// candidate. Otherwise it installs the replacement and returns nil.
// KEYS[1] = token key
// ARGV[1] = candidate
// ARGV[2] = replacement
// ARGV[3] = ttl milliseconds
var compareOrReplaceCSRFLua = redis.NewScript(`
local stored = redis.call('GET', KEYS[1])
if stored and stored == ARGV[1] then
  return stored
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return false
`)

// CSRFTokenStore persists one anti-forgery token per client scope.
type CSRFTokenStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewCSRFTokenStore(redisClient redis.UniversalClient, prefix string, ttl time.Duration) *CSRFTokenStore {
	if prefix == "" {
		prefix = "csrf"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CSRFTokenStore{
		redis:  redisClient,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *CSRFTokenStore) key(scope string) string {
	return s.prefix + ":" + scope
}

func (s *CSRFTokenStore) Get(ctx context.Context, scope string) (string, error) {
	token, err := s.redis.Get(ctx, s.key(scope)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCSRFTokenNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrCSRFTokenBackend, err)
	}
	return token, nil
}

// GetOrCreate returns the current token for scope, storing candidate if none exists.
func (s *CSRFTokenStore) GetOrCreate(ctx context.Context, scope, candidate string) (string, error) {
	token, err := getOrCreateCSRFLua.Run(ctx, s.redis, []string{s.key(scope)}, candidate, s.ttl.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCSRFTokenBackend, err)
	}
	return token, nil
}

func (s *CSRFTokenStore) Put(ctx context.Context, scope, token string) error {
	if err := s.redis.Set(ctx, s.key(scope), token, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCSRFTokenBackend, err)
	}
	return nil
}

// CompareOrReplace succeeds when candidate equals the stored token. On any
// mismatch, including a missing token, replacement becomes the stored token
// and ErrCSRFTokenMismatch is returned.
func (s *CSRFTokenStore) CompareOrReplace(ctx context.Context, scope, candidate, replacement string) error {
	stored, err := compareOrReplaceCSRFLua.Run(ctx, s.redis,
		[]string{s.key(scope)},
		candidate,
		replacement,
		s.ttl.Milliseconds(),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCSRFTokenMismatch
		}
		return fmt.Errorf("%w: %v", ErrCSRFTokenBackend, err)
	}
	// the script returns a value only on an exact match
	if stored != candidate {
		return ErrCSRFTokenMismatch
	}
	return nil
}

func (s *CSRFTokenStore) Delete(ctx context.Context, scope string) error {
	if err := s.redis.Del(ctx, s.key(scope)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCSRFTokenBackend, err)
	}
	return nil
}
