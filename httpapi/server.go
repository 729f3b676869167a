// Package httpapi serves the verification-code backend over HTTP.
//
// Routes:
//
//	GET  /              liveness text
//	POST /send-code     {"email"} issues and mails a code
//	POST /verify-code   {"email","code"} consumes it
//	POST /refresh-token {"refreshToken"} exchanges a refresh token
//
// Failures answer {"error": message, "code": wire code}; otc.RemoteClient
// maps the wire code back to the otc sentinel.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/internal/rate"
	"github.com/MrEthical07/authflow/otc"
	"github.com/MrEthical07/authflow/session"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 16

// Codes is the code service behind /send-code and /verify-code.
type Codes interface {
	Send(ctx context.Context, email string) error
	Verify(ctx context.Context, email, code string) error
}

// Exchanger backs /refresh-token. idp.Backend satisfies it.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (authflow.ProviderSession, error)
}

// RequestLimiter budgets requests per client IP. *rate.Limiter satisfies it.
type RequestLimiter interface {
	AllowRequest(ctx context.Context, ip string) error
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLimiter applies limiter to /send-code and /refresh-token.
func WithLimiter(limiter RequestLimiter) Option {
	return func(s *Server) {
		s.limiter = limiter
	}
}

// WithExchanger enables /refresh-token.
func WithExchanger(x Exchanger) Option {
	return func(s *Server) {
		s.exchanger = x
	}
}

// WithMetrics counts issued, verified and rejected codes into m.
func WithMetrics(m *authflow.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTrustedProxy takes the client IP from X-Forwarded-For.
func WithTrustedProxy(trusted bool) Option {
	return func(s *Server) {
		s.trustProxy = trusted
	}
}

// Server holds the routes.
type Server struct {
	codes      Codes
	exchanger  Exchanger
	limiter    RequestLimiter
	metrics    *authflow.Metrics
	logger     *zap.Logger
	trustProxy bool
	router     *mux.Router
}

func New(codes Codes, opts ...Option) *Server {
	s := &Server{
		codes:  codes,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.Handle("/send-code", s.limit(http.HandlerFunc(s.handleSendCode))).Methods(http.MethodPost)
	r.HandleFunc("/verify-code", s.handleVerifyCode).Methods(http.MethodPost)
	if s.exchanger != nil {
		r.Handle("/refresh-token", s.limit(http.HandlerFunc(s.handleRefresh))).Methods(http.MethodPost)
	}
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Server is running!")
}

type sendCodeRequest struct {
	Email string `json:"email"`
}

type verifyCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (s *Server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	var body sendCodeRequest
	if err := decode(r, &body); err != nil || strings.TrimSpace(body.Email) == "" {
		writeError(w, http.StatusBadRequest, "Email is required", otc.CodeInvalidInput)
		return
	}

	err := s.codes.Send(r.Context(), body.Email)
	switch {
	case err == nil:
		s.metrics.Inc(authflow.MetricCodeIssued)
		writeJSON(w, http.StatusOK, otc.Response{Success: true})
	case errors.Is(err, otc.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, "Email is required", otc.CodeInvalidInput)
	case errors.Is(err, otc.ErrRateLimited):
		s.metrics.Inc(authflow.MetricCodeRateLimited)
		writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.", otc.CodeRateLimited)
	case errors.Is(err, otc.ErrDispatch):
		s.metrics.Inc(authflow.MetricCodeDispatchFailure)
		s.logger.Error("code dispatch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to send verification code", otc.CodeDispatch)
	default:
		s.logger.Error("code issue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to send verification code", otc.CodeInternal)
	}
}

var verifyMessages = []struct {
	err error
	msg string
}{
	{otc.ErrNoCodeFound, "No code found for this email"},
	{otc.ErrCodeExpired, "Verification code expired"},
	{otc.ErrCodeMismatch, "Invalid verification code"},
	{otc.ErrTooManyAttempts, "Too many attempts. Please request a new code."},
	{otc.ErrInvalidEmail, "Email and code are required"},
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var body verifyCodeRequest
	if err := decode(r, &body); err != nil || strings.TrimSpace(body.Email) == "" || strings.TrimSpace(body.Code) == "" {
		writeError(w, http.StatusBadRequest, "Email and code are required", otc.CodeInvalidInput)
		return
	}

	err := s.codes.Verify(r.Context(), body.Email, body.Code)
	if err == nil {
		s.metrics.Inc(authflow.MetricCodeVerified)
		s.logger.Info("verification successful", zap.String("email", otc.NormalizeEmail(body.Email)))
		writeJSON(w, http.StatusOK, otc.Response{Success: true})
		return
	}
	for _, m := range verifyMessages {
		if errors.Is(err, m.err) {
			s.metrics.Inc(authflow.MetricCodeRejected)
			writeError(w, http.StatusBadRequest, m.msg, otc.WireCode(err))
			return
		}
	}
	s.logger.Error("code verification failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Verification failed", otc.CodeInternal)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body session.RefreshRequest
	if err := decode(r, &body); err != nil || body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "Refresh token is required", otc.CodeInvalidInput)
		return
	}
	ps, err := s.exchanger.Exchange(r.Context(), body.RefreshToken)
	if err != nil {
		s.metrics.Inc(authflow.MetricRefreshFailure)
		s.logger.Info("refresh rejected", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "Session expired. You have been logged out.", "")
		return
	}
	s.metrics.Inc(authflow.MetricRefreshSuccess)
	writeJSON(w, http.StatusOK, session.RefreshResponse{
		AccessToken:     ps.AccessToken,
		NewRefreshToken: ps.RefreshToken,
		UID:             ps.Identity.UID,
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.limiter.AllowRequest(r.Context(), s.clientIP(r))
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}
		if errors.Is(err, rate.ErrRateLimited) || errors.Is(err, otc.ErrRateLimited) {
			s.metrics.Inc(authflow.MetricRequestRateLimited)
			writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.", otc.CodeRateLimited)
			return
		}
		// counters unavailable: fail open, the per-email issue limit still applies
		s.logger.Warn("request limiter unavailable", zap.Error(err))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(authflow.WithClientIP(r.Context(), s.clientIP(r))))
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, otc.Response{Error: msg, Code: code})
}
