package auth

import (
	"log/slog"
	"net/http"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/transport"
	"github.com/frahmantamala/rental-fulfillment/pkg/logger"
)

type Middleware struct {
	*transport.BaseHandler
	verifier TokenVerifier
}

func NewMiddleware(verifier TokenVerifier, lg *slog.Logger) *Middleware {
	return &Middleware{
		BaseHandler: transport.NewBaseHandler(lg),
		verifier:    verifier,
	}
}

// Authenticate resolves the bearer token into a Principal on the request
// context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.ExtractTokenFromHeader(r)
		if token == "" {
			m.HandleServiceError(w, r, internal.NewUnauthorizedError("missing authorization token", internal.ErrCodeInvalidToken))
			return
		}

		principal, err := m.verifier.Verify(token)
		if err != nil {
			m.HandleServiceError(w, r, err)
			return
		}

		ctx := WithPrincipal(r.Context(), principal)
		ctx = logger.With(ctx, "principal_id", principal.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireElevated guards admin routes.
func (m *Middleware) RequireElevated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := RequireElevatedPrivilege(r.Context()); err != nil {
			m.HandleServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
