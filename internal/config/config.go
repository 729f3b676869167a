// Package config loads the authflowd settings from the environment and an
// optional .env file using Viper. Environment variables override .env.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the daemon configuration.
type Config struct {
	// HTTPAddr is the listen address of the code backend.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	Env         string `mapstructure:"APP_ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	// TrustProxy takes client IPs from X-Forwarded-For.
	TrustProxy bool `mapstructure:"TRUST_PROXY"`

	// OTLPEndpoint pushes metrics to an OTLP/gRPC collector when set.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTLP_INSECURE"`

	// RedisAddr is the shared store. Empty runs an embedded in-memory Redis,
	// which is only allowed outside production.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisPrefix   string `mapstructure:"REDIS_PREFIX"`

	CodeTTL         time.Duration `mapstructure:"CODE_TTL"`
	CodeRetention   time.Duration `mapstructure:"CODE_RETENTION"`
	SweepInterval   time.Duration `mapstructure:"SWEEP_INTERVAL"`
	CodeMaxAttempts int           `mapstructure:"CODE_MAX_ATTEMPTS"`

	// RateLimitMax requests per RateLimitWindow per client IP on /send-code.
	RateLimitMax    int           `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	CodeIssueMax    int           `mapstructure:"CODE_ISSUE_MAX"`
	CodeIssueWindow time.Duration `mapstructure:"CODE_ISSUE_WINDOW"`

	// SMTP settings. Without SMTPHost codes are written to the log.
	SMTPHost  string `mapstructure:"SMTP_HOST"`
	SMTPPort  int    `mapstructure:"SMTP_PORT"`
	EmailUser string `mapstructure:"EMAIL_USER"`
	EmailPass string `mapstructure:"EMAIL_PASS"`
	MailFrom  string `mapstructure:"MAIL_FROM"`

	// JWTSigningKey signs identity tokens of the local provider.
	JWTSigningKey string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer     string        `mapstructure:"JWT_ISSUER"`
	AccessTTL     time.Duration `mapstructure:"ACCESS_TTL"`
	RefreshTTL    time.Duration `mapstructure:"REFRESH_TTL"`
	LinkBaseURL   string        `mapstructure:"LINK_BASE_URL"`

	GoogleClientID     string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `mapstructure:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `mapstructure:"GOOGLE_REDIRECT_URL"`
}

var defaults = map[string]any{
	"HTTP_ADDR":            ":3001",
	"METRICS_ADDR":         "",
	"APP_ENV":              "development",
	"LOG_LEVEL":            "info",
	"TRUST_PROXY":          false,
	"OTLP_ENDPOINT":        "",
	"OTLP_INSECURE":        false,
	"REDIS_ADDR":           "",
	"REDIS_PASSWORD":       "",
	"REDIS_DB":             0,
	"REDIS_PREFIX":         "authflow",
	"CODE_TTL":             "5m",
	"CODE_RETENTION":       "1h",
	"SWEEP_INTERVAL":       "1m",
	"CODE_MAX_ATTEMPTS":    0,
	"RATE_LIMIT_MAX":       100,
	"RATE_LIMIT_WINDOW":    "15m",
	"CODE_ISSUE_MAX":       5,
	"CODE_ISSUE_WINDOW":    "15m",
	"SMTP_HOST":            "",
	"SMTP_PORT":            587,
	"EMAIL_USER":           "",
	"EMAIL_PASS":           "",
	"MAIL_FROM":            "",
	"JWT_SIGNING_KEY":      "",
	"JWT_ISSUER":           "authflowd",
	"ACCESS_TTL":           "1h",
	"REFRESH_TTL":          "168h",
	"LINK_BASE_URL":        "http://localhost:3000/verify-email",
	"GOOGLE_CLIENT_ID":     "",
	"GOOGLE_CLIENT_SECRET": "",
	"GOOGLE_REDIRECT_URL":  "",
}

// Load reads .env from the working directory if present.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile reads path (missing files are ignored), then the environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}

	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.CodeTTL <= 0 {
		return errors.New("config: CODE_TTL must be > 0")
	}
	if c.CodeRetention < c.CodeTTL {
		return errors.New("config: CODE_RETENTION must be >= CODE_TTL")
	}
	if c.SweepInterval <= 0 {
		return errors.New("config: SWEEP_INTERVAL must be > 0")
	}
	if c.CodeMaxAttempts < 0 || c.RateLimitMax < 0 || c.CodeIssueMax < 0 {
		return errors.New("config: limits must be >= 0")
	}
	if c.RateLimitMax > 0 && c.RateLimitWindow <= 0 {
		return errors.New("config: RATE_LIMIT_WINDOW must be > 0")
	}
	if c.CodeIssueMax > 0 && c.CodeIssueWindow <= 0 {
		return errors.New("config: CODE_ISSUE_WINDOW must be > 0")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL < c.AccessTTL {
		return errors.New("config: ACCESS_TTL must be > 0 and <= REFRESH_TTL")
	}
	if c.Production() {
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR is required when APP_ENV=production")
		}
		if len(c.JWTSigningKey) < 32 {
			return errors.New("config: JWT_SIGNING_KEY must be at least 32 bytes when APP_ENV=production")
		}
		if c.SMTPHost == "" {
			return errors.New("config: SMTP_HOST is required when APP_ENV=production")
		}
	}
	if c.SMTPHost != "" && c.SMTPPort <= 0 {
		return errors.New("config: SMTP_PORT must be > 0")
	}
	if (c.GoogleClientID == "") != (c.GoogleClientSecret == "") {
		return errors.New("config: GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	}
	return nil
}

// From returns the sender address, defaulting to EMAIL_USER.
func (c *Config) From() string {
	if c.MailFrom != "" {
		return c.MailFrom
	}
	return c.EmailUser
}
