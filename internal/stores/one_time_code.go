package stores

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	oneTimeCodeRecordVersion1 = 1
	oneTimeCodeRecordSize     = 1 + 2 + 8 + 32
	sweepScanCount            = 256
)

var (
	ErrOneTimeCodeNotFound         = errors.New("one-time code not found")
	ErrOneTimeCodeExpired          = errors.New("one-time code expired")
	ErrOneTimeCodeMismatch         = errors.New("one-time code mismatch")
	ErrOneTimeCodeAttemptsExceeded = errors.New("one-time code attempts exceeded")
	ErrOneTimeCodeBackend          = errors.New("one-time code backend unavailable")
)

// consumeOneTimeCodeLua performs GET→check→DEL on a code record in one step.
// KEYS[1] = record key
// ARGV[1] = candidate hash (32 bytes)
// ARGV[2] = now, unix milliseconds
// ARGV[3] = max attempts (0 disables the cap)
//
// Layout: version(1) attempts(2 big-endian) expiresAtMs(8 big-endian) hash(32).
// An expired record is deleted; a mismatch keeps it for further attempts.
var consumeOneTimeCodeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local providedHash = ARGV[1]
local nowMs = tonumber(ARGV[2])
local maxAttempts = tonumber(ARGV[3])

if string.len(data) ~= 43 or string.byte(data, 1) ~= 1 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local attempts = string.byte(data, 2) * 256 + string.byte(data, 3)

local expiresAt = 0
for i = 4, 11 do
  expiresAt = expiresAt * 256 + string.byte(data, i)
end

if nowMs >= expiresAt then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end

local storedHash = string.sub(data, 12, 43)
if storedHash ~= providedHash then
  attempts = attempts + 1
  if maxAttempts > 0 and attempts >= maxAttempts then
    redis.call('DEL', KEYS[1])
    return {err='attempts_exceeded'}
  end
  local ttlMs = redis.call('PTTL', KEYS[1])
  if ttlMs > 0 then
    local newData = string.char(1, math.floor(attempts / 256), attempts % 256) .. string.sub(data, 4)
    redis.call('SET', KEYS[1], newData, 'PX', ttlMs)
  end
  return {err='mismatch'}
end

redis.call('DEL', KEYS[1])
return data
`)

// deleteExpiredOneTimeCodeLua removes the record only if it is past its expiry.
// KEYS[1] = record key
// ARGV[1] = now, unix milliseconds
var deleteExpiredOneTimeCodeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return 0
end
if string.len(data) ~= 43 or string.byte(data, 1) ~= 1 then
  redis.call('DEL', KEYS[1])
  return 1
end
local expiresAt = 0
for i = 4, 11 do
  expiresAt = expiresAt * 256 + string.byte(data, i)
end
if tonumber(ARGV[1]) >= expiresAt then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// OneTimeCodeRecord is the persisted form of an issued code. The plaintext
// code is never stored.
type OneTimeCodeRecord struct {
	CodeHash  [32]byte
	ExpiresAt int64 // unix milliseconds
	Attempts  uint16
}

// OneTimeCodeStore keeps at most one code record per owner key.
type OneTimeCodeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewOneTimeCodeStore(redisClient redis.UniversalClient, prefix string) *OneTimeCodeStore {
	if prefix == "" {
		prefix = "otc"
	}
	return &OneTimeCodeStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *OneTimeCodeStore) key(owner string) string {
	return s.prefix + ":" + owner
}

// Save overwrites any record for owner. retention is the Redis key lifetime and
// should outlast ExpiresAt so an expired code is still reported as expired.
func (s *OneTimeCodeStore) Save(ctx context.Context, owner string, record *OneTimeCodeRecord, retention time.Duration) error {
	if record == nil {
		return errors.New("nil one-time code record")
	}
	if err := s.redis.Set(ctx, s.key(owner), encodeOneTimeCodeRecord(record), retention).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOneTimeCodeBackend, err)
	}
	return nil
}

// Consume checks candidateHash against the stored record at time now and
// deletes the record when it matches or has expired.
func (s *OneTimeCodeStore) Consume(
	ctx context.Context,
	owner string,
	candidateHash [32]byte,
	now time.Time,
	maxAttempts int,
) error {
	if maxAttempts < 0 {
		maxAttempts = 0
	}

	result, err := consumeOneTimeCodeLua.Run(ctx, s.redis,
		[]string{s.key(owner)},
		string(candidateHash[:]),
		now.UnixMilli(),
		maxAttempts,
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found":
			return ErrOneTimeCodeNotFound
		case "expired":
			return ErrOneTimeCodeExpired
		case "mismatch":
			return ErrOneTimeCodeMismatch
		case "attempts_exceeded":
			return ErrOneTimeCodeAttemptsExceeded
		default:
			return fmt.Errorf("%w: %v", ErrOneTimeCodeBackend, err)
		}
	}

	data, ok := result.(string)
	if !ok {
		return fmt.Errorf("%w: unexpected lua result type", ErrOneTimeCodeBackend)
	}
	record, err := decodeOneTimeCodeRecord([]byte(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOneTimeCodeBackend, err)
	}

	// Lua string equality is not constant-time.
	if subtle.ConstantTimeCompare(record.CodeHash[:], candidateHash[:]) != 1 {
		return ErrOneTimeCodeMismatch
	}
	return nil
}

// Get returns the current record without consuming it.
func (s *OneTimeCodeStore) Get(ctx context.Context, owner string) (*OneTimeCodeRecord, error) {
	data, err := s.redis.Get(ctx, s.key(owner)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrOneTimeCodeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrOneTimeCodeBackend, err)
	}
	return decodeOneTimeCodeRecord(data)
}

func (s *OneTimeCodeStore) Delete(ctx context.Context, owner string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(owner)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrOneTimeCodeBackend, err)
	}
	return n > 0, nil
}

// SweepExpired walks the keyspace and deletes every record whose expiry is at
// or before now. It returns the number of deleted records.
func (s *OneTimeCodeStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	match := s.prefix + ":*"
	nowMs := now.UnixMilli()

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, match, sweepScanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrOneTimeCodeBackend, err)
		}
		for _, key := range keys {
			n, err := deleteExpiredOneTimeCodeLua.Run(ctx, s.redis, []string{key}, nowMs).Int()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrOneTimeCodeBackend, err)
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func encodeOneTimeCodeRecord(record *OneTimeCodeRecord) []byte {
	buf := make([]byte, 0, oneTimeCodeRecordSize)
	buf = append(buf, oneTimeCodeRecordVersion1)
	buf = binary.BigEndian.AppendUint16(buf, record.Attempts)
	buf = binary.BigEndian.AppendUint64(buf, uint64(record.ExpiresAt))
	buf = append(buf, record.CodeHash[:]...)
	return buf
}

func decodeOneTimeCodeRecord(data []byte) (*OneTimeCodeRecord, error) {
	if len(data) != oneTimeCodeRecordSize {
		return nil, errors.New("invalid one-time code record size")
	}
	if data[0] != oneTimeCodeRecordVersion1 {
		return nil, errors.New("invalid one-time code record version")
	}

	record := &OneTimeCodeRecord{
		Attempts:  binary.BigEndian.Uint16(data[1:3]),
		ExpiresAt: int64(binary.BigEndian.Uint64(data[3:11])),
	}
	copy(record.CodeHash[:], data[11:])
	return record, nil
}
