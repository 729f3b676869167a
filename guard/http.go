package guard

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/csrf"
	"github.com/MrEthical07/authflow/session"
	"go.uber.org/zap"
)

// HeaderCSRF carries the double-submitted token on unsafe requests.
const HeaderCSRF = "X-CSRF-Token"

type subjectContextKey struct{}

// SubjectFromContext returns the uid stored by RequireSession.
func SubjectFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(subjectContextKey{}).(string)
	return uid, ok && uid != ""
}

// ContextWithSubject stores uid the way RequireSession does.
func ContextWithSubject(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, uid)
}

// RequireSession rejects requests without a verified session cookie pair.
// Cookies written by the handler go through the same request-scoped jar.
func RequireSession(sessions *session.Manager, attrs session.Attributes, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sessions == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			scoped := sessions.WithJar(session.NewHTTPJar(w, r, attrs))
			uid, err := scoped.Verify(r.Context())
			if err != nil {
				if !errors.Is(err, session.ErrNoSession) {
					logger.Info("session rejected", zap.String("path", r.URL.Path), zap.Error(err))
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSubject(r.Context(), uid)))
		})
	}
}

// ScopeFunc picks the CSRF scope of a request.
type ScopeFunc func(r *http.Request) string

// SubjectScope scopes tokens to the session subject.
func SubjectScope(r *http.Request) string {
	uid, _ := SubjectFromContext(r.Context())
	return uid
}

// RequireCSRF validates the X-CSRF-Token header of unsafe methods against
// guard. A mismatch rotates the stored token, so the client must fetch a new
// one before retrying.
func RequireCSRF(guard *csrf.Guard, scope ScopeFunc) func(http.Handler) http.Handler {
	if scope == nil {
		scope = SubjectScope
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			s := scope(r)
			if guard == nil || s == "" {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			if err := guard.Validate(r.Context(), s, r.Header.Get(HeaderCSRF)); err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole admits subjects whose user record has role. It must run
// after RequireSession.
func RequireRole(users authflow.UserDirectory, role authflow.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, ok := SubjectFromContext(r.Context())
			if !ok || users == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			rec, err := users.GetUser(r.Context(), uid)
			switch {
			case errors.Is(err, authflow.ErrUserRecordNotFound):
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			case err != nil:
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			case rec.Role != role:
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
