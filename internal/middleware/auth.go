package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	apierrors "licensor/internal/errors"
)

// APITokenHeader carries the client API token when the policy requires one
const APITokenHeader = "X-API-Token"

// bearerToken extracts the token from an Authorization: Bearer header
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func matchesAny(token string, hashes []string) bool {
	if token == "" {
		return false
	}
	for _, h := range hashes {
		if h != "" && bcrypt.CompareHashAndPassword([]byte(h), []byte(token)) == nil {
			return true
		}
	}
	return false
}

// AdminAuth guards the admin surface with a bcrypt-hashed bearer token.
// An empty hash rejects every request.
func AdminAuth(tokenHash string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !matchesAny(bearerToken(r), []string{tokenHash}) {
				logger.WarnContext(r.Context(), "admin authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", ClientIP(r)))
				w.Header().Set("WWW-Authenticate", `Bearer realm="licensor-admin"`)
				writeProblem(w, r, http.StatusUnauthorized, apierrors.TypeUnauthorized,
					"Unauthorized", "A valid admin token is required", "UNAUTHORIZED")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APITokenAuth enforces client API tokens while the policy has
// security.require_api_token on. The token may come in X-API-Token or as
// a bearer token.
func APITokenAuth(policy PolicySource, hashes []string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !policy.Current().Security.RequireAPIToken {
				next.ServeHTTP(w, r)
				return
			}
			token := r.Header.Get(APITokenHeader)
			if token == "" {
				token = bearerToken(r)
			}
			if !matchesAny(token, hashes) {
				logger.WarnContext(r.Context(), "api token rejected",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", ClientIP(r)))
				writeProblem(w, r, http.StatusUnauthorized, apierrors.TypeUnauthorized,
					"Unauthorized", "A valid API token is required", "UNAUTHORIZED")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
