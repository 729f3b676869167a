package csrf

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrMismatch is returned when a presented token does not match the stored one.
	ErrMismatch = errors.New("csrf token mismatch")
	// ErrStorage wraps backend failures.
	ErrStorage = errors.New("csrf storage unavailable")
	// ErrEmptyScope rejects calls without a scope.
	ErrEmptyScope = errors.New("csrf scope is empty")
)

// TokenLength is the length of an issued token.
const TokenLength = 36

// Guard issues, validates and rotates CSRF tokens.
type Guard struct {
	storage  Storage
	logger   *zap.Logger
	generate func() string
}

// NewGuard returns a Guard over storage. A nil logger disables logging.
func NewGuard(storage Storage, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		storage:  storage,
		logger:   logger,
		generate: uuid.NewString,
	}
}

// Issue returns the scope's token, creating one if needed. Repeated calls
// return the same value until Validate fails or Rotate is called.
func (g *Guard) Issue(ctx context.Context, scope string) (string, error) {
	if scope == "" {
		return "", ErrEmptyScope
	}
	token, err := g.storage.GetOrCreate(ctx, scope, g.generate())
	if err != nil {
		return "", err
	}
	return token, nil
}

// Validate checks candidate against the scope's token. On mismatch the stored
// token is regenerated and ErrMismatch is returned; the caller must fetch the
// new token through Issue before retrying.
func (g *Guard) Validate(ctx context.Context, scope, candidate string) error {
	if scope == "" {
		return ErrEmptyScope
	}
	err := g.storage.CompareOrReplace(ctx, scope, candidate, g.generate())
	if errors.Is(err, ErrMismatch) {
		g.logger.Warn("csrf token mismatch, token regenerated",
			zap.String("scope", scope),
			zap.Bool("well_formed", WellFormed(candidate)),
		)
	}
	return err
}

// Rotate replaces the scope's token unconditionally.
func (g *Guard) Rotate(ctx context.Context, scope string) (string, error) {
	if scope == "" {
		return "", ErrEmptyScope
	}
	token := g.generate()
	if err := g.storage.Store(ctx, scope, token); err != nil {
		return "", fmt.Errorf("rotate csrf token: %w", err)
	}
	return token, nil
}

// Current returns the stored token without creating one.
func (g *Guard) Current(ctx context.Context, scope string) (string, error) {
	if scope == "" {
		return "", ErrEmptyScope
	}
	return g.storage.Load(ctx, scope)
}

// WellFormed reports whether token has the 8-4-4-4-12 hex shape.
func WellFormed(token string) bool {
	if len(token) != TokenLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !isHex(c) {
				return false
			}
		}
	}
	return true
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
