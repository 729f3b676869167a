package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for key := range defaults {
		if old, ok := os.LookupEnv(key); ok {
			require.NoError(t, os.Unsetenv(key))
			t.Cleanup(func() { os.Setenv(key, old) })
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ":3001", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Minute, cfg.CodeTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 100, cfg.RateLimitMax)
	assert.Equal(t, 15*time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 0, cfg.CodeMaxAttempts)
	assert.Equal(t, 168*time.Hour, cfg.RefreshTTL)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.OTLPEndpoint)
	assert.False(t, cfg.Production())
}

func TestLoadDotEnvThenEnvironment(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDR=:9000\nCODE_TTL=2m\nEMAIL_USER=codes@example.com\n"), 0o600))
	t.Setenv("CODE_TTL", "3m")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 3*time.Minute, cfg.CodeTTL)
	assert.Equal(t, "codes@example.com", cfg.From())
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"zero code ttl":         {"CODE_TTL": "0s"},
		"retention below ttl":   {"CODE_TTL": "10m", "CODE_RETENTION": "5m"},
		"negative attempts":     {"CODE_MAX_ATTEMPTS": "-1"},
		"production no redis":   {"APP_ENV": "production", "JWT_SIGNING_KEY": "0123456789abcdef0123456789abcdef", "SMTP_HOST": "smtp.example.com"},
		"production short key":  {"APP_ENV": "production", "REDIS_ADDR": "redis:6379", "JWT_SIGNING_KEY": "short", "SMTP_HOST": "smtp.example.com"},
		"half google config":    {"GOOGLE_CLIENT_ID": "id"},
		"refresh shorter":       {"ACCESS_TTL": "2h", "REFRESH_TTL": "1h"},
		"window missing":        {"RATE_LIMIT_WINDOW": "0s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadFile("")
			assert.Error(t, err)
		})
	}
}

func TestLoadProduction(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("SMTP_HOST", "smtp.example.com")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.True(t, cfg.Production())
	assert.Equal(t, 587, cfg.SMTPPort)
}
