package api

import (
	"net/http"

	"github.com/mattjoyce/crossbard/internal/auth"
	"github.com/mattjoyce/crossbard/internal/config"
)

// openAccess reports whether requests are admitted without a token: no
// credentials are configured and the listener is loopback only.
func (s *Server) openAccess() bool {
	return s.config.APIKey == "" && len(s.config.Tokens) == 0 && config.IsLoopback(s.config.Listen)
}

// authMiddleware resolves the bearer token to a principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.openAccess() {
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), auth.FullAccess(""))))
			return
		}
		if s.config.APIKey == "" && len(s.config.Tokens) == 0 {
			s.writeError(w, http.StatusUnauthorized, "api auth not configured")
			return
		}

		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		p, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// requireScopes admits principals holding any of the scopes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !auth.HasAnyScope(p, scopes...) {
				s.logger.Warn("request denied", "principal", p.Label(), "path", r.URL.Path, "required", scopes)
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
