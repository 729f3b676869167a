package otc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/authflow/internal"
	"github.com/MrEthical07/authflow/internal/rate"
	"github.com/MrEthical07/authflow/internal/schedule"
	"go.uber.org/zap"
)

// Sender delivers a freshly issued code to its owner.
type Sender interface {
	SendCode(ctx context.Context, email, code string) error
}

// IssueLimiter budgets code issuance per email.
type IssueLimiter interface {
	AllowCodeIssue(ctx context.Context, email string) error
}

// Config tunes the code lifecycle.
type Config struct {
	// CodeTTL is the validity window of an issued code.
	CodeTTL time.Duration
	// Digits is the code length.
	Digits int
	// Retention keeps expired records around so verification can report
	// "expired" rather than "not found" until the sweep runs.
	Retention time.Duration
	// SweepInterval is the period of the expired-record sweep.
	SweepInterval time.Duration
	// MaxAttempts caps wrong guesses per code; 0 allows retries until expiry.
	MaxAttempts int
}

// DefaultConfig returns a five minute, six digit code with a one minute sweep.
func DefaultConfig() Config {
	return Config{
		CodeTTL:       5 * time.Minute,
		Digits:        6,
		Retention:     time.Hour,
		SweepInterval: time.Minute,
	}
}

func (c Config) validate() error {
	if c.CodeTTL <= 0 {
		return errors.New("otc: CodeTTL must be > 0")
	}
	if c.Digits < 6 || c.Digits > 10 {
		return errors.New("otc: Digits must be in [6,10]")
	}
	if c.Retention < c.CodeTTL {
		return errors.New("otc: Retention must be >= CodeTTL")
	}
	if c.SweepInterval <= 0 {
		return errors.New("otc: SweepInterval must be > 0")
	}
	if c.MaxAttempts < 0 {
		return errors.New("otc: MaxAttempts must be >= 0")
	}
	return nil
}

// Option customizes a Service.
type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLimiter(limiter IssueLimiter) Option {
	return func(s *Service) {
		s.limiter = limiter
	}
}

// Service issues, verifies and sweeps one-time codes.
type Service struct {
	store   Store
	sender  Sender
	limiter IssueLimiter
	config  Config
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	scheduler *schedule.Scheduler
	sweep     *schedule.Task
}

// NewService wires a Service. sender may be nil when codes are delivered by
// the caller using the value returned from Issue.
func NewService(store Store, sender Sender, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("otc: nil store")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:  store,
		sender: sender,
		config: cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NormalizeEmail is the key under which codes are stored.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Issue generates a code for email, replacing any outstanding one, and hands
// it to the Sender. The returned code is for callers without a Sender and for
// tests; it must not be echoed to the requesting client.
func (s *Service) Issue(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return "", ErrInvalidEmail
	}

	if s.limiter != nil {
		if err := s.limiter.AllowCodeIssue(ctx, email); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				return "", ErrRateLimited
			}
			return "", fmt.Errorf("%w: %v", ErrBackend, err)
		}
	}

	code, err := internal.NewOTP(s.config.Digits)
	if err != nil {
		return "", fmt.Errorf("otc: generate code: %w", err)
	}

	record := Record{
		CodeHash:  internal.HashString(code),
		ExpiresAt: s.now().Add(s.config.CodeTTL),
	}
	if err := s.store.Put(ctx, email, record, s.config.Retention); err != nil {
		return "", err
	}

	if s.sender != nil {
		if err := s.sender.SendCode(ctx, email, code); err != nil {
			s.logger.Error("code dispatch failed", zap.String("email", email), zap.Error(err))
			return "", fmt.Errorf("%w: %v", ErrDispatch, err)
		}
	}

	s.logger.Debug("code issued", zap.String("email", email), zap.Time("expires_at", record.ExpiresAt))
	return code, nil
}

// Send issues a code without exposing it to the caller.
func (s *Service) Send(ctx context.Context, email string) error {
	_, err := s.Issue(ctx, email)
	return err
}

// Verify consumes the outstanding code for email if candidate matches.
func (s *Service) Verify(ctx context.Context, email, candidate string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return ErrInvalidEmail
	}
	candidate = strings.TrimSpace(candidate)

	err := s.store.Consume(ctx, email, internal.HashString(candidate), s.now(), s.config.MaxAttempts)
	switch {
	case err == nil:
		s.logger.Debug("code verified", zap.String("email", email))
	case errors.Is(err, ErrCodeMismatch), errors.Is(err, ErrNoCodeFound), errors.Is(err, ErrCodeExpired), errors.Is(err, ErrTooManyAttempts):
		s.logger.Info("code rejected", zap.String("email", email), zap.String("reason", WireCode(err)))
	default:
		s.logger.Error("code verification failed", zap.String("email", email), zap.Error(err))
	}
	return err
}

// Sweep removes every expired record and returns how many were deleted.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx, s.now())
}

// Start runs Sweep every SweepInterval until Close. Calling Start twice is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweep != nil {
		return nil
	}
	if s.scheduler == nil {
		s.scheduler = schedule.New()
	}
	task, err := s.scheduler.Every(s.config.SweepInterval, func(ctx context.Context) {
		removed, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Warn("code sweep failed", zap.Error(err))
			return
		}
		if removed > 0 {
			s.logger.Debug("expired codes swept", zap.Int("removed", removed))
		}
	})
	if err != nil {
		return err
	}
	s.sweep = task
	return nil
}

// Close stops the sweep.
func (s *Service) Close() {
	s.mu.Lock()
	scheduler := s.scheduler
	s.scheduler = nil
	s.sweep = nil
	s.mu.Unlock()
	if scheduler != nil {
		scheduler.Close()
	}
}
