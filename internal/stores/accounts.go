package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountEmailInUse = errors.New("account email already in use")
	ErrAccountContention = errors.New("account update contention")
	ErrAccountBackend    = errors.New("account backend unavailable")
)

const accountMaxRetries = 4

// Account is the credential-side identity record kept by the local provider.
type Account struct {
	UID              string    `json:"uid"`
	Email            string    `json:"email"`
	PasswordHash     string    `json:"password_hash,omitempty"`
	EmailVerified    bool      `json:"email_verified"`
	DisplayName      string    `json:"display_name,omitempty"`
	PhotoURL         string    `json:"photo_url,omitempty"`
	Provider         string    `json:"provider"`
	FederatedSubject string    `json:"federated_subject,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AccountStore keeps accounts as JSON documents with an email index and an
// optional federated-subject index.
type AccountStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewAccountStore(redisClient redis.UniversalClient, prefix string) *AccountStore {
	if prefix == "" {
		prefix = "acct"
	}
	return &AccountStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *AccountStore) uidKey(uid string) string {
	return s.prefix + ":uid:" + uid
}

func (s *AccountStore) emailKey(email string) string {
	return s.prefix + ":email:" + strings.ToLower(strings.TrimSpace(email))
}

func (s *AccountStore) federatedKey(provider, subject string) string {
	return s.prefix + ":fed:" + provider + ":" + subject
}

// Create stores a new account. The email index is claimed inside the same
// optimistic transaction so two concurrent signups cannot share an email.
func (s *AccountStore) Create(ctx context.Context, account *Account) error {
	if account == nil || account.UID == "" || account.Email == "" {
		return errors.New("invalid account")
	}
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}

	emailKey := s.emailKey(account.Email)
	for i := 0; i < accountMaxRetries; i++ {
		err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, emailKey).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrAccountEmailInUse
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, emailKey, account.UID, 0)
				pipe.Set(ctx, s.uidKey(account.UID), data, 0)
				if account.FederatedSubject != "" {
					pipe.Set(ctx, s.federatedKey(account.Provider, account.FederatedSubject), account.UID, 0)
				}
				return nil
			})
			return err
		}, emailKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrAccountEmailInUse) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAccountBackend, err)
		}
		return nil
	}
	return ErrAccountContention
}

func (s *AccountStore) Get(ctx context.Context, uid string) (*Account, error) {
	data, err := s.redis.Get(ctx, s.uidKey(uid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrAccountBackend, err)
	}
	var account Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccountBackend, err)
	}
	return &account, nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return s.getByIndex(ctx, s.emailKey(email))
}

func (s *AccountStore) GetByFederated(ctx context.Context, provider, subject string) (*Account, error) {
	return s.getByIndex(ctx, s.federatedKey(provider, subject))
}

func (s *AccountStore) getByIndex(ctx context.Context, indexKey string) (*Account, error) {
	uid, err := s.redis.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrAccountBackend, err)
	}
	return s.Get(ctx, uid)
}

// Update applies mutate under WATCH and retries on contention. A changed
// email moves the email index in the same transaction.
func (s *AccountStore) Update(ctx context.Context, uid string, mutate func(*Account) error) (*Account, error) {
	key := s.uidKey(uid)

	for i := 0; i < accountMaxRetries; i++ {
		var updated *Account
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrAccountNotFound
				}
				return err
			}
			var account Account
			if err := json.Unmarshal(data, &account); err != nil {
				return err
			}
			oldEmail := account.Email
			if err := mutate(&account); err != nil {
				return err
			}
			account.UpdatedAt = time.Now().UTC()

			emailChanged := !strings.EqualFold(oldEmail, account.Email)
			if emailChanged {
				owner, err := tx.Get(ctx, s.emailKey(account.Email)).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				if err == nil && owner != uid {
					return ErrAccountEmailInUse
				}
			}

			encoded, err := json.Marshal(&account)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				if emailChanged {
					pipe.Del(ctx, s.emailKey(oldEmail))
					pipe.Set(ctx, s.emailKey(account.Email), uid, 0)
				}
				return nil
			})
			if err == nil {
				updated = &account
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrAccountEmailInUse) {
			return nil, err
		}
		if err != nil {
			var redisErr redis.Error
			if errors.As(err, &redisErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrAccountBackend, err)
			}
			return nil, err
		}
		return updated, nil
	}
	return nil, ErrAccountContention
}
