package csrf

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/redis/go-redis/v9"
)

// Storage persists one token per scope. Implementations must make
// CompareOrReplace atomic per scope.
type Storage interface {
	// Load returns the current token or "" when none exists.
	Load(ctx context.Context, scope string) (string, error)
	// GetOrCreate returns the current token, storing candidate if none exists.
	GetOrCreate(ctx context.Context, scope, candidate string) (string, error)
	Store(ctx context.Context, scope, token string) error
	// CompareOrReplace returns nil when candidate matches. Otherwise it stores
	// replacement and returns ErrMismatch.
	CompareOrReplace(ctx context.Context, scope, candidate, replacement string) error
}

// MemoryStorage mirrors the two-tier client storage of a browser: a durable
// tier that survives restarts and a volatile per-session tier.
type MemoryStorage struct {
	mu       sync.Mutex
	durable  map[string]string
	volatile map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		durable:  make(map[string]string),
		volatile: make(map[string]string),
	}
}

func (m *MemoryStorage) Load(_ context.Context, scope string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(scope), nil
}

func (m *MemoryStorage) loadLocked(scope string) string {
	if token, ok := m.durable[scope]; ok {
		// durable tier is authoritative; rehydrate the volatile copy
		m.volatile[scope] = token
		return token
	}
	return m.volatile[scope]
}

func (m *MemoryStorage) GetOrCreate(_ context.Context, scope, candidate string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token := m.loadLocked(scope); token != "" {
		return token, nil
	}
	m.storeLocked(scope, candidate)
	return candidate, nil
}

func (m *MemoryStorage) Store(_ context.Context, scope, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(scope, token)
	return nil
}

func (m *MemoryStorage) storeLocked(scope, token string) {
	m.durable[scope] = token
	m.volatile[scope] = token
}

func (m *MemoryStorage) CompareOrReplace(_ context.Context, scope, candidate, replacement string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.loadLocked(scope)
	if stored != "" && subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1 {
		return nil
	}
	m.storeLocked(scope, replacement)
	return ErrMismatch
}

// DropVolatile discards the volatile tier, as happens when a browser tab closes.
func (m *MemoryStorage) DropVolatile() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volatile = make(map[string]string)
}

// RedisStorage keeps tokens server side.
type RedisStorage struct {
	store *stores.CSRFTokenStore
}

func NewRedisStorage(redisClient redis.UniversalClient, prefix string, ttl time.Duration) *RedisStorage {
	return &RedisStorage{store: stores.NewCSRFTokenStore(redisClient, prefix, ttl)}
}

func (r *RedisStorage) Load(ctx context.Context, scope string) (string, error) {
	token, err := r.store.Get(ctx, scope)
	if errors.Is(err, stores.ErrCSRFTokenNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return token, nil
}

func (r *RedisStorage) GetOrCreate(ctx context.Context, scope, candidate string) (string, error) {
	token, err := r.store.GetOrCreate(ctx, scope, candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return token, nil
}

func (r *RedisStorage) Store(ctx context.Context, scope, token string) error {
	if err := r.store.Put(ctx, scope, token); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (r *RedisStorage) CompareOrReplace(ctx context.Context, scope, candidate, replacement string) error {
	err := r.store.CompareOrReplace(ctx, scope, candidate, replacement)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrCSRFTokenMismatch):
		return ErrMismatch
	default:
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
}
