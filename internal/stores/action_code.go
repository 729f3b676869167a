package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	actionCodeRecordVersionV1 = 1
)

// ActionPurpose scopes an action code to the flow that issued it.
type ActionPurpose byte

const (
	ActionVerifyEmail ActionPurpose = iota + 1
	ActionResetPassword
)

var (
	ErrActionCodeNotFound         = errors.New("action code not found")
	ErrActionCodeSecretMismatch   = errors.New("action code secret mismatch")
	ErrActionCodeAttemptsExceeded = errors.New("action code attempts exceeded")
	ErrActionCodeBackend          = errors.New("action code backend unavailable")
)

// consumeActionCodeLua atomically performs GET→validate→DEL/SET on an action code record.
// KEYS[1] = record key
// ARGV[1] = provided hash (32 bytes)
// ARGV[2] = expected purpose (byte)
// ARGV[3] = max attempts (int string)
// ARGV[4] = current unix timestamp (int string)
//
// Returns:
//
//	record bytes on success
//	error string: "not_found", "expired", "purpose_mismatch", "attempts_exceeded", "secret_mismatch"
var consumeActionCodeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local providedHash = ARGV[1]
local expectedPurpose = tonumber(ARGV[2])
local maxAttempts = tonumber(ARGV[3])
local nowUnix = tonumber(ARGV[4])

-- version(1) purpose(1) attempts(2) expiresAt(8) uidLen(2) uid emailLen(2) email hash(32)
if string.byte(data, 1) ~= 1 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local purpose = string.byte(data, 2)
local attempts = string.byte(data, 3) * 256 + string.byte(data, 4)

local expiresAt = 0
for i = 5, 12 do
  expiresAt = expiresAt * 256 + string.byte(data, i)
end

if nowUnix > expiresAt then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end

if purpose ~= expectedPurpose then
  redis.call('DEL', KEYS[1])
  return {err='purpose_mismatch'}
end

local uidLen = string.byte(data, 13) * 256 + string.byte(data, 14)
local emailLenOffset = 15 + uidLen
local emailLen = string.byte(data, emailLenOffset) * 256 + string.byte(data, emailLenOffset + 1)
local hashOffset = emailLenOffset + 2 + emailLen
local storedHash = string.sub(data, hashOffset, hashOffset + 31)

if storedHash ~= providedHash then
  attempts = attempts + 1
  if attempts >= maxAttempts then
    redis.call('DEL', KEYS[1])
    return {err='attempts_exceeded'}
  end
  local ttlMs = redis.call('PTTL', KEYS[1])
  if ttlMs <= 0 then
    redis.call('DEL', KEYS[1])
    return {err='expired'}
  end
  local newData = string.sub(data, 1, 2) .. string.char(math.floor(attempts / 256), attempts % 256) .. string.sub(data, 5)
  redis.call('SET', KEYS[1], newData, 'PX', ttlMs)
  return {err='secret_mismatch'}
end

redis.call('DEL', KEYS[1])
return data
`)

// ActionCodeRecord backs an out-of-band link such as an email verification
// or password reset mail.
type ActionCodeRecord struct {
	UID        string
	Email      string
	Purpose    ActionPurpose
	SecretHash [32]byte
	ExpiresAt  int64
	Attempts   uint16
}

type ActionCodeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewActionCodeStore(redisClient redis.UniversalClient, prefix string) *ActionCodeStore {
	if prefix == "" {
		prefix = "aoc"
	}
	return &ActionCodeStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *ActionCodeStore) key(codeID string) string {
	return s.prefix + ":" + codeID
}

func (s *ActionCodeStore) Save(ctx context.Context, codeID string, record *ActionCodeRecord, ttl time.Duration) error {
	encoded, err := encodeActionCodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(codeID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrActionCodeBackend, err)
	}
	return nil
}

func (s *ActionCodeStore) Consume(
	ctx context.Context,
	codeID string,
	providedHash [32]byte,
	purpose ActionPurpose,
	maxAttempts int,
) (*ActionCodeRecord, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	result, err := consumeActionCodeLua.Run(ctx, s.redis,
		[]string{s.key(codeID)},
		string(providedHash[:]),
		int(purpose),
		maxAttempts,
		time.Now().Unix(),
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found", "expired":
			return nil, ErrActionCodeNotFound
		case "purpose_mismatch", "secret_mismatch":
			return nil, ErrActionCodeSecretMismatch
		case "attempts_exceeded":
			return nil, ErrActionCodeAttemptsExceeded
		default:
			return nil, fmt.Errorf("%w: %v", ErrActionCodeBackend, err)
		}
	}

	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrActionCodeBackend)
	}
	record, err := decodeActionCodeRecord([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActionCodeBackend, err)
	}
	if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
		return nil, ErrActionCodeSecretMismatch
	}
	return record, nil
}

func encodeActionCodeRecord(record *ActionCodeRecord) ([]byte, error) {
	if record == nil {
		return nil, errors.New("nil action code record")
	}
	if len(record.UID) > 65535 || len(record.Email) > 65535 {
		return nil, errors.New("action code record field too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(actionCodeRecordVersionV1)
	buf.WriteByte(byte(record.Purpose))
	_ = binary.Write(&buf, binary.BigEndian, record.Attempts)
	_ = binary.Write(&buf, binary.BigEndian, record.ExpiresAt)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(record.UID)))
	buf.WriteString(record.UID)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(record.Email)))
	buf.WriteString(record.Email)
	buf.Write(record.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeActionCodeRecord(data []byte) (*ActionCodeRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != actionCodeRecordVersionV1 {
		return nil, errors.New("invalid action code record version")
	}
	purpose, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &ActionCodeRecord{Purpose: ActionPurpose(purpose)}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if record.UID, err = readLenPrefixed(reader); err != nil {
		return nil, err
	}
	if record.Email, err = readLenPrefixed(reader); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}
	return record, nil
}

func readLenPrefixed(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
