// Command authflowd is the reference verification-code backend. It serves
// /send-code, /verify-code and /refresh-token over one shared Redis, so
// every client process sees the same code state.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/httpapi"
	"github.com/MrEthical07/authflow/idp"
	"github.com/MrEthical07/authflow/internal"
	"github.com/MrEthical07/authflow/internal/config"
	"github.com/MrEthical07/authflow/internal/rate"
	"github.com/MrEthical07/authflow/internal/telemetry"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/mail"
	otelexport "github.com/MrEthical07/authflow/metrics/export/otel"
	"github.com/MrEthical07/authflow/metrics/export/prometheus"
	"github.com/MrEthical07/authflow/otc"
	"github.com/MrEthical07/authflow/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "authflowd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, closeRedis, err := newRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	mailer := newMailer(cfg, logger)
	limiter := rate.New(rdb, rate.Config{
		MaxCodeIssues:    cfg.CodeIssueMax,
		CodeIssueWindow:  cfg.CodeIssueWindow,
		MaxRequestsPerIP: cfg.RateLimitMax,
		RequestWindow:    cfg.RateLimitWindow,
	})

	codes, err := otc.NewService(
		otc.NewRedisStore(rdb, cfg.RedisPrefix+":otc"),
		mailer,
		otc.Config{
			CodeTTL:       cfg.CodeTTL,
			Digits:        6,
			Retention:     cfg.CodeRetention,
			SweepInterval: cfg.SweepInterval,
			MaxAttempts:   cfg.CodeMaxAttempts,
		},
		otc.WithLogger(logger.Named("otc")),
		otc.WithLimiter(limiter),
	)
	if err != nil {
		return fmt.Errorf("code service: %w", err)
	}
	if err := codes.Start(); err != nil {
		return fmt.Errorf("start sweep: %w", err)
	}
	defer codes.Close()

	backend, err := newBackend(cfg, rdb, mailer, logger)
	if err != nil {
		return err
	}

	metrics := authflow.NewMetrics(authflow.MetricsConfig{Enabled: true})
	api := httpapi.New(codes,
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithLimiter(limiter),
		httpapi.WithExchanger(backend),
		httpapi.WithTrustedProxy(cfg.TrustProxy),
		httpapi.WithMetrics(metrics),
	)

	stopOTLP, err := startOTLP(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer stopOTLP()

	servers := []*http.Server{newServer(cfg.HTTPAddr, api.Handler())}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prometheus.NewPrometheusExporterFromSource(metrics).Handler())
		servers = append(servers, newServer(cfg.MetricsAddr, mux))
	}

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errs:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("shutdown", zap.String("addr", srv.Addr), zap.Error(serr))
		}
	}
	return err
}

// startOTLP pushes the counters to cfg.OTLPEndpoint. It is a no-op when the
// endpoint is unset.
func startOTLP(ctx context.Context, cfg *config.Config, metrics *authflow.Metrics, logger *zap.Logger) (func(), error) {
	if cfg.OTLPEndpoint == "" {
		return func() {}, nil
	}
	meter, err := telemetry.NewMeter(ctx, cfg.OTLPEndpoint, "authflowd", cfg.OTLPInsecure)
	if err != nil {
		return nil, fmt.Errorf("otlp: %w", err)
	}
	exporter, err := otelexport.NewOTelExporterFromSource(meter.Provider.Meter("authflow"), metrics)
	if err != nil {
		_ = meter.Shutdown(ctx)
		return nil, fmt.Errorf("otel exporter: %w", err)
	}
	logger.Info("exporting metrics over otlp", zap.String("endpoint", cfg.OTLPEndpoint))
	return func() {
		_ = exporter.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meter.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otlp shutdown", zap.Error(err))
		}
	}, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if !cfg.Production() {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// newRedis connects to REDIS_ADDR, or runs an embedded miniredis when it is
// empty (development only, enforced by config validation).
func newRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (redis.UniversalClient, func(), error) {
	if cfg.RedisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		logger.Warn("REDIS_ADDR not set, using embedded miniredis", zap.String("addr", mr.Addr()))
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, func() { _ = client.Close() }, nil
}

func newMailer(cfg *config.Config, logger *zap.Logger) mail.Mailer {
	if cfg.SMTPHost == "" {
		logger.Warn("SMTP_HOST not set, mail is written to the log")
		return mail.NewLogMailer(logger.Named("mail"))
	}
	return mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.EmailUser,
		Password: cfg.EmailPass,
		From:     cfg.From(),
	})
}

func newBackend(cfg *config.Config, rdb redis.UniversalClient, mailer mail.Mailer, logger *zap.Logger) (*idp.Backend, error) {
	key := []byte(cfg.JWTSigningKey)
	if len(key) == 0 {
		secret, err := internal.NewSecret()
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		key = secret[:]
		logger.Warn("JWT_SIGNING_KEY not set, identity tokens do not survive a restart")
	}
	tokens, err := jwt.NewManager(jwt.Config{
		TTL:           cfg.AccessTTL,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    key,
		Issuer:        cfg.JWTIssuer,
	})
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}
	hasher, err := password.NewArgon2(password.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}

	idpCfg := idp.DefaultConfig()
	idpCfg.LinkBaseURL = cfg.LinkBaseURL
	idpCfg.RefreshTTL = cfg.RefreshTTL
	idpCfg.RedisPrefix = cfg.RedisPrefix + ":idp"

	opts := []idp.Option{idp.WithLogger(logger.Named("idp"))}
	if cfg.GoogleClientID != "" {
		opts = append(opts, idp.WithFederator("google",
			idp.NewGoogleFederator(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)))
	}
	backend, err := idp.NewBackend(rdb, hasher, tokens, mailer, idpCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("identity backend: %w", err)
	}
	return backend, nil
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
