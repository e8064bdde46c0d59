package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/arcfabric/controlplane/pkg/api"
)

// Middleware validates the Authorization bearer token and attaches the
// resulting Principal to the request context. Requests without a valid token
// are rejected; public routes are simply not wrapped with this middleware.
func Middleware(issuer *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteErrorR(w, r, api.Unauthorized("missing authorization header"))
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				api.WriteErrorR(w, r, api.Unauthorized("authorization header must be a bearer token"))
				return
			}

			principal, err := issuer.Verify(token)
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					api.WriteErrorR(w, r, api.Unauthorized("token expired"))
					return
				}
				api.WriteErrorR(w, r, api.Unauthorized("invalid token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireCapabilities enforces that the request principal holds every listed
// capability. The 403 response names the missing capabilities so callers can
// tell which grant they lack.
func RequireCapabilities(required ...Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := GetPrincipal(r.Context())
			if err != nil {
				api.WriteErrorR(w, r, api.Unauthorized("authentication required"))
				return
			}

			if missing := principal.Missing(required); len(missing) > 0 {
				names := make([]string, len(missing))
				for i, c := range missing {
					names[i] = string(c)
				}
				api.WriteErrorR(w, r, api.Forbidden("insufficient permissions").
					WithDetails(map[string]any{"missing_capabilities": names}))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
