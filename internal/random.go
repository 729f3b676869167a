package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// OpaqueID is a random 128-bit identifier rendered as base64url.
type OpaqueID [16]byte

const (
	secretSize      = 32
	secretTokenSize = 16 + secretSize
)

func NewOpaqueID() (OpaqueID, error) {
	var id OpaqueID
	_, err := rand.Read(id[:])
	return id, err
}

func (id OpaqueID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func ParseOpaqueID(value string) (OpaqueID, error) {
	var id OpaqueID

	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid opaque id size")
	}

	copy(id[:], raw)
	return id, nil
}

func NewSecret() ([secretSize]byte, error) {
	var secret [secretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashSecret(secret [secretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// HashString hashes a presented token or code for storage lookups.
func HashString(v string) [32]byte {
	return sha256.Sum256([]byte(v))
}

// EncodeSecretToken packs an id and its secret into one URL-safe token.
func EncodeSecretToken(id string, secret [secretSize]byte) (string, error) {
	parsed, err := ParseOpaqueID(id)
	if err != nil {
		return "", err
	}

	var raw [secretTokenSize]byte
	copy(raw[:len(parsed)], parsed[:])
	copy(raw[len(parsed):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeSecretToken(token string) (string, [secretSize]byte, error) {
	var secret [secretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != secretTokenSize {
		return "", secret, errors.New("invalid secret token size")
	}

	var id OpaqueID
	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id.String(), secret, nil
}

// NewOpaqueToken returns 32 random bytes as base64url, used for refresh tokens.
func NewOpaqueToken() (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(secret[:]), nil
}

// NewOTP returns a uniformly distributed numeric code of the given length.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}
