package authflow

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MrEthical07/authflow/csrf"
	internalaudit "github.com/MrEthical07/authflow/internal/audit"
	"github.com/MrEthical07/authflow/internal/rate"
	"github.com/MrEthical07/authflow/internal/schedule"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/mail"
	"github.com/MrEthical07/authflow/otc"
	"github.com/MrEthical07/authflow/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an Orchestrator. A Builder is single use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	provider    IdentityProvider
	directory   UserDirectory
	mailer      mail.Mailer
	challenger  CodeChallenger
	csrfStorage csrf.Storage
	jar         session.Jar
	refresher   session.Refresher
	auditSink   AuditSink
	httpClient  *http.Client

	logger *zap.Logger
	clock  func() time.Time

	built bool
}

func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis backs CSRF tokens, one-time codes and the issue limiter with Redis.
// Without it everything is kept in process memory.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithProvider(p IdentityProvider) *Builder {
	b.provider = p
	return b
}

func (b *Builder) WithDirectory(d UserDirectory) *Builder {
	b.directory = d
	return b
}

// WithMailer sets the mailer used by the built-in code service.
func (b *Builder) WithMailer(m mail.Mailer) *Builder {
	b.mailer = m
	return b
}

// WithChallenger replaces the built-in code service, typically with an
// otc.RemoteClient talking to the code backend.
func (b *Builder) WithChallenger(c CodeChallenger) *Builder {
	b.challenger = c
	return b
}

func (b *Builder) WithCSRFStorage(s csrf.Storage) *Builder {
	b.csrfStorage = s
	return b
}

// WithJar sets the cookie jar holding the session triple. The default is an
// in-memory jar.
func (b *Builder) WithJar(jar session.Jar) *Builder {
	b.jar = jar
	return b
}

// WithRefresher overrides token refresh. By default Session.RefreshURL is
// used when set, else the identity provider.
func (b *Builder) WithRefresher(r session.Refresher) *Builder {
	b.refresher = r
	return b
}

func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.httpClient = c
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the orchestrator. When no
// challenger is injected the built-in code service is started and stopped by
// Orchestrator.Close.
func (b *Builder) Build() (*Orchestrator, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.provider == nil {
		return nil, errors.New("identity provider required")
	}
	if b.directory == nil {
		return nil, errors.New("user directory required")
	}
	if b.challenger == nil && b.mailer == nil {
		return nil, errors.New("mailer or code challenger required")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.clock
	if now == nil {
		now = time.Now
	}
	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	// -------- TOKENS --------
	tokens, err := jwt.NewManager(jwt.Config{
		TTL:           cfg.JWT.SessionTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Leeway:        cfg.JWT.Leeway,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	// -------- SESSION --------
	o := &Orchestrator{
		config:    cfg,
		provider:  b.provider,
		directory: b.directory,
		scheduler: schedule.New(),
		metrics:   NewMetrics(cfg.Metrics),
		logger:    logger,
		now:       now,
		subs:      make(map[uint64]func(AuthState)),
	}

	refresher := b.refresher
	switch {
	case refresher != nil:
	case cfg.Session.RefreshURL != "":
		refresher = session.NewHTTPRefresher(cfg.Session.RefreshURL, httpClient)
	default:
		refresher = session.RefresherFunc(o.refreshThroughProvider)
	}

	jar := b.jar
	if jar == nil {
		jar = session.NewMemoryJar(now)
	}
	sessions, err := session.NewManager(jar, tokens, session.Config{
		AccessTTL:  cfg.Session.AccessTTL,
		RefreshTTL: cfg.Session.RefreshTTL,
	},
		session.WithLogger(logger),
		session.WithClock(now),
		session.WithRefresher(refresher),
	)
	if err != nil {
		return nil, err
	}
	o.sessions = sessions

	// -------- CSRF --------
	storage := b.csrfStorage
	if storage == nil {
		if b.redis != nil {
			storage = csrf.NewRedisStorage(b.redis, cfg.CSRF.RedisPrefix, cfg.CSRF.TTL)
		} else {
			storage = csrf.NewMemoryStorage()
		}
	}
	o.csrf = csrf.NewGuard(storage, logger)

	// -------- ONE-TIME CODES --------
	o.codes = b.challenger
	if o.codes == nil {
		var store otc.Store
		opts := []otc.Option{otc.WithLogger(logger), otc.WithClock(now)}
		if b.redis != nil {
			store = otc.NewRedisStore(b.redis, cfg.OTC.RedisPrefix)
			if cfg.OTC.MaxIssues > 0 {
				opts = append(opts, otc.WithLimiter(rate.New(b.redis, rate.Config{
					MaxCodeIssues:   cfg.OTC.MaxIssues,
					CodeIssueWindow: cfg.OTC.IssueWindow,
				})))
			}
		} else {
			store = otc.NewMemoryStore()
		}
		svc, err := otc.NewService(store, b.mailer, otc.Config{
			CodeTTL:       cfg.OTC.CodeTTL,
			Digits:        cfg.OTC.Digits,
			Retention:     cfg.OTC.Retention,
			SweepInterval: cfg.OTC.SweepInterval,
			MaxAttempts:   cfg.OTC.MaxAttempts,
		}, opts...)
		if err != nil {
			return nil, err
		}
		if err := svc.Start(); err != nil {
			return nil, err
		}
		o.otcService = svc
		o.codes = svc
	}

	// -------- AUDIT --------
	o.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	b.built = true

	return o, nil
}

// refreshThroughProvider is the default refresher: the provider exchanges the
// refresh token for a fresh pair.
func (o *Orchestrator) refreshThroughProvider(ctx context.Context, refreshToken string) (session.Grant, error) {
	ps, err := o.provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		return session.Grant{}, err
	}
	return session.Grant{
		Subject:      ps.Identity.UID,
		AccessToken:  ps.AccessToken,
		RefreshToken: ps.RefreshToken,
	}, nil
}
