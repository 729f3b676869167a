// Package directory stores user records and per-user CSRF tokens in Redis.
//
// Records live at {prefix}:users:{uid} as JSON documents, the CSRF copy at
// {prefix}:csrfTokens:{uid}. Read-modify-write goes through WATCH so
// concurrent merges never lose fields.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authflow"
	"github.com/redis/go-redis/v9"
)

const maxRetries = 4

// ErrContention is returned when a record kept changing under WATCH.
var ErrContention = errors.New("user record update contention")

// Redis implements authflow.UserDirectory.
type Redis struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ authflow.UserDirectory = (*Redis)(nil)

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "dir"
	}
	return &Redis{redis: rdb, prefix: prefix, now: time.Now}
}

func (d *Redis) userKey(uid string) string {
	return d.prefix + ":users:" + uid
}

func (d *Redis) csrfKey(uid string) string {
	return d.prefix + ":csrfTokens:" + uid
}

func (d *Redis) GetUser(ctx context.Context, uid string) (*authflow.UserRecord, error) {
	if uid == "" {
		return nil, authflow.ErrUserRecordNotFound
	}
	data, err := d.redis.Get(ctx, d.userKey(uid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, authflow.ErrUserRecordNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", uid, err)
	}
	var rec authflow.UserRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", uid, err)
	}
	return &rec, nil
}

// CreateUser writes rec unless a record for the uid exists already, in which
// case it is left untouched.
func (d *Redis) CreateUser(ctx context.Context, rec authflow.UserRecord) error {
	if rec.UID == "" {
		return errors.New("user record without uid")
	}
	if rec.CartItems == nil {
		rec.CartItems = map[string]int{}
	}
	if rec.Role == "" {
		rec.Role = authflow.RoleUser
	}
	now := d.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := d.redis.SetNX(ctx, d.userKey(rec.UID), data, 0).Err(); err != nil {
		return fmt.Errorf("create user %s: %w", rec.UID, err)
	}
	return nil
}

// MergeUser applies the non-empty fields of update.
func (d *Redis) MergeUser(ctx context.Context, uid string, update authflow.ProfileUpdate) (*authflow.UserRecord, error) {
	return d.mutate(ctx, uid, func(rec *authflow.UserRecord) {
		if update.Name != "" {
			rec.Name = update.Name
		}
		if update.Email != "" {
			rec.Email = strings.TrimSpace(update.Email)
		}
		if update.ProfilePicture != "" {
			rec.ProfilePicture = update.ProfilePicture
		}
		if update.EmailVerified != nil {
			rec.EmailVerified = *update.EmailVerified
		}
	})
}

func (d *Redis) UpdateEmail(ctx context.Context, uid, email string) error {
	_, err := d.mutate(ctx, uid, func(rec *authflow.UserRecord) {
		rec.Email = strings.TrimSpace(email)
	})
	return err
}

// SetRequires2FA turns the second-factor gate on or off for uid.
func (d *Redis) SetRequires2FA(ctx context.Context, uid string, required bool) error {
	_, err := d.mutate(ctx, uid, func(rec *authflow.UserRecord) {
		rec.Requires2FA = required
	})
	return err
}

// SetRole assigns role to uid.
func (d *Redis) SetRole(ctx context.Context, uid string, role authflow.Role) error {
	_, err := d.mutate(ctx, uid, func(rec *authflow.UserRecord) {
		rec.Role = role
	})
	return err
}

func (d *Redis) DeleteUser(ctx context.Context, uid string) error {
	if err := d.redis.Del(ctx, d.userKey(uid), d.csrfKey(uid)).Err(); err != nil {
		return fmt.Errorf("delete user %s: %w", uid, err)
	}
	return nil
}

func (d *Redis) SaveCSRFToken(ctx context.Context, uid, token string) error {
	if err := d.redis.Set(ctx, d.csrfKey(uid), token, 0).Err(); err != nil {
		return fmt.Errorf("save csrf token %s: %w", uid, err)
	}
	return nil
}

// CSRFToken returns the stored copy of uid's token.
func (d *Redis) CSRFToken(ctx context.Context, uid string) (string, error) {
	token, err := d.redis.Get(ctx, d.csrfKey(uid)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}

func (d *Redis) mutate(ctx context.Context, uid string, fn func(*authflow.UserRecord)) (*authflow.UserRecord, error) {
	key := d.userKey(uid)
	for i := 0; i < maxRetries; i++ {
		var out *authflow.UserRecord
		err := d.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return authflow.ErrUserRecordNotFound
				}
				return err
			}
			var rec authflow.UserRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			fn(&rec)
			rec.UpdatedAt = d.now().UTC()
			encoded, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			if err == nil {
				out = &rec
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, authflow.ErrUserRecordNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("update user %s: %w", uid, err)
		}
		return out, nil
	}
	return nil, ErrContention
}
