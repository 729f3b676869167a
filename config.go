package authflow

import (
	"errors"
	"strings"
	"time"
)

// Config is the full orchestrator configuration. Build clones it, so later
// mutation of the caller's copy has no effect.
type Config struct {
	JWT     JWTConfig
	Session SessionConfig
	CSRF    CSRFConfig
	OTC     OTCConfig
	Audit   AuditConfig
	Metrics MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig signs session tokens.
type JWTConfig struct {
	SessionTTL    time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

type SessionConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Timeout logs the client out after establishment. Zero disables it.
	Timeout time.Duration
	// RefreshURL is the token refresh endpoint used when no refresher is injected.
	RefreshURL string
}

/*
====================================
CSRF CONFIG
====================================
*/

type CSRFConfig struct {
	// Scope identifies the client session the token is bound to.
	Scope       string
	RedisPrefix string
	TTL         time.Duration
}

/*
====================================
OTC CONFIG
====================================
*/

type OTCConfig struct {
	CodeTTL       time.Duration
	Digits        int
	Retention     time.Duration
	SweepInterval time.Duration
	// MaxAttempts discards a code after that many wrong guesses. Zero keeps
	// the code until it expires.
	MaxAttempts int
	RedisPrefix string
	// MaxIssues per IssueWindow and email. Zero disables the limit.
	MaxIssues   int
	IssueWindow time.Duration
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the defaults: one hour access and session tokens,
// seven day refresh tokens, five minute six digit codes swept every minute.
// JWT.PrivateKey must still be supplied.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			SessionTTL:    time.Hour,
			SigningMethod: "hs256",
			Issuer:        "authflow",
		},
		Session: SessionConfig{
			AccessTTL:  time.Hour,
			RefreshTTL: 7 * 24 * time.Hour,
			Timeout:    time.Hour,
		},
		CSRF: CSRFConfig{
			Scope:       "default",
			RedisPrefix: "csrf",
			TTL:         24 * time.Hour,
		},
		OTC: OTCConfig{
			CodeTTL:       5 * time.Minute,
			Digits:        6,
			Retention:     time.Hour,
			SweepInterval: time.Minute,
			RedisPrefix:   "otc",
			MaxIssues:     5,
			IssueWindow:   15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.SessionTTL <= 0 {
		return errors.New("JWT SessionTTL must be > 0")
	}
	switch c.JWT.SigningMethod {
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Session
	if c.Session.AccessTTL <= 0 {
		return errors.New("Session AccessTTL must be > 0")
	}
	if c.Session.RefreshTTL < c.Session.AccessTTL {
		return errors.New("Session RefreshTTL must be >= AccessTTL")
	}
	if c.Session.Timeout < 0 {
		return errors.New("Session Timeout must be >= 0")
	}

	// CSRF
	if strings.TrimSpace(c.CSRF.Scope) == "" {
		return errors.New("CSRF Scope must not be empty")
	}
	if c.CSRF.TTL <= 0 {
		return errors.New("CSRF TTL must be > 0")
	}

	// OTC
	if c.OTC.CodeTTL <= 0 {
		return errors.New("OTC CodeTTL must be > 0")
	}
	if c.OTC.Digits < 4 || c.OTC.Digits > 10 {
		return errors.New("OTC Digits must be between 4 and 10")
	}
	if c.OTC.Retention < 0 {
		return errors.New("OTC Retention must be >= 0")
	}
	if c.OTC.SweepInterval <= 0 {
		return errors.New("OTC SweepInterval must be > 0")
	}
	if c.OTC.MaxAttempts < 0 {
		return errors.New("OTC MaxAttempts must be >= 0")
	}
	if c.OTC.MaxIssues < 0 {
		return errors.New("OTC MaxIssues must be >= 0")
	}
	if c.OTC.MaxIssues > 0 && c.OTC.IssueWindow <= 0 {
		return errors.New("OTC IssueWindow must be > 0 when MaxIssues is set")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	return nil
}

/*
====================================
LINT
====================================
*/

// LintWarning flags a valid but questionable setting.
type LintWarning struct {
	Code    string
	Message string
}

// LintWarnings is the result of Config.Lint.
type LintWarnings []LintWarning

// Codes lists the warning codes.
func (ws LintWarnings) Codes() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

// Lint reports settings that are accepted by Validate but weaken the flow.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	if c.OTC.MaxIssues == 0 {
		ws = append(ws, LintWarning{Code: "otc_issue_unlimited", Message: "code issue is not rate limited; every call sends mail"})
	}
	if c.OTC.MaxAttempts == 0 {
		ws = append(ws, LintWarning{Code: "otc_attempts_unlimited", Message: "wrong codes can be retried until expiry"})
	}
	if c.OTC.CodeTTL > 15*time.Minute {
		ws = append(ws, LintWarning{Code: "otc_ttl_long", Message: "codes live longer than 15 minutes"})
	}
	if c.Session.Timeout == 0 {
		ws = append(ws, LintWarning{Code: "session_timeout_disabled", Message: "sessions are never logged out locally"})
	}
	if c.JWT.SessionTTL > c.Session.AccessTTL {
		ws = append(ws, LintWarning{Code: "session_outlives_access", Message: "session token outlives the access token it is bound to"})
	}
	if !c.Audit.Enabled {
		ws = append(ws, LintWarning{Code: "audit_disabled", Message: "authentication events are not audited"})
	}
	return ws
}
