package stores

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenBackend  = errors.New("refresh token backend unavailable")
)

// rotateRefreshLua swaps a refresh token for its successor in one step.
// KEYS[1] = current token key
// KEYS[2] = successor token key
// ARGV[1] = successor ttl milliseconds
var rotateRefreshLua = redis.NewScript(`
local uid = redis.call('GET', KEYS[1])
if not uid then
  return false
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], uid, 'PX', ARGV[1])
return uid
`)

// RefreshTokenStore maps hashed refresh tokens to account ids. Tokens are
// single-use: Rotate consumes the presented token.
type RefreshTokenStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRefreshTokenStore(redisClient redis.UniversalClient, prefix string) *RefreshTokenStore {
	if prefix == "" {
		prefix = "art"
	}
	return &RefreshTokenStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RefreshTokenStore) key(tokenHash [32]byte) string {
	return s.prefix + ":" + hex.EncodeToString(tokenHash[:])
}

func (s *RefreshTokenStore) Save(ctx context.Context, tokenHash [32]byte, uid string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(tokenHash), uid, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshTokenBackend, err)
	}
	return nil
}

// Rotate consumes current and stores successor for the same account.
func (s *RefreshTokenStore) Rotate(ctx context.Context, current, successor [32]byte, ttl time.Duration) (string, error) {
	uid, err := rotateRefreshLua.Run(ctx, s.redis,
		[]string{s.key(current), s.key(successor)},
		ttl.Milliseconds(),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrRefreshTokenNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrRefreshTokenBackend, err)
	}
	return uid, nil
}

func (s *RefreshTokenStore) Delete(ctx context.Context, tokenHash [32]byte) error {
	if err := s.redis.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshTokenBackend, err)
	}
	return nil
}
