package otc

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

// Record is a stored code. Only the hash of the code is kept.
type Record struct {
	CodeHash  [32]byte
	ExpiresAt time.Time
}

// Store holds at most one record per email. Consume must be atomic per email:
// of two concurrent consumers of the same valid code exactly one succeeds.
type Store interface {
	// Put replaces any record for email. retention bounds how long an expired
	// record may linger before the sweep.
	Put(ctx context.Context, email string, record Record, retention time.Duration) error
	// Consume returns nil on match, deleting the record. It returns
	// ErrNoCodeFound, ErrCodeExpired (record deleted), ErrCodeMismatch
	// (record kept) or ErrTooManyAttempts (record deleted).
	Consume(ctx context.Context, email string, candidateHash [32]byte, now time.Time, maxAttempts int) error
	// Sweep deletes every record expired at now.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type memoryRecord struct {
	Record
	attempts int
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

func (m *MemoryStore) Put(_ context.Context, email string, record Record, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[email] = &memoryRecord{Record: record}
	return nil
}

func (m *MemoryStore) Consume(_ context.Context, email string, candidateHash [32]byte, now time.Time, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[email]
	if !ok {
		return ErrNoCodeFound
	}
	if !now.Before(rec.ExpiresAt) {
		delete(m.records, email)
		return ErrCodeExpired
	}
	if subtle.ConstantTimeCompare(rec.CodeHash[:], candidateHash[:]) != 1 {
		rec.attempts++
		if maxAttempts > 0 && rec.attempts >= maxAttempts {
			delete(m.records, email)
			return ErrTooManyAttempts
		}
		return ErrCodeMismatch
	}
	delete(m.records, email)
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for email, rec := range m.records {
		if !now.Before(rec.ExpiresAt) {
			delete(m.records, email)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of outstanding records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// RedisStore shares code state across backend replicas.
type RedisStore struct {
	store *stores.OneTimeCodeStore
}

func NewRedisStore(redisClient redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{store: stores.NewOneTimeCodeStore(redisClient, prefix)}
}

func (r *RedisStore) Put(ctx context.Context, email string, record Record, retention time.Duration) error {
	err := r.store.Save(ctx, email, &stores.OneTimeCodeRecord{
		CodeHash:  record.CodeHash,
		ExpiresAt: record.ExpiresAt.UnixMilli(),
	}, retention)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func (r *RedisStore) Consume(ctx context.Context, email string, candidateHash [32]byte, now time.Time, maxAttempts int) error {
	err := r.store.Consume(ctx, email, candidateHash, now, maxAttempts)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrOneTimeCodeNotFound):
		return ErrNoCodeFound
	case errors.Is(err, stores.ErrOneTimeCodeExpired):
		return ErrCodeExpired
	case errors.Is(err, stores.ErrOneTimeCodeMismatch):
		return ErrCodeMismatch
	case errors.Is(err, stores.ErrOneTimeCodeAttemptsExceeded):
		return ErrTooManyAttempts
	default:
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
}

func (r *RedisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := r.store.SweepExpired(ctx, now)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return n, nil
}
