package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/devgodzilla/devgodzilla/internal/config"
)

// publicPaths are exempt from bearer authentication. Webhook routes carry
// their own token check, the WebSocket mirror is read-only, and the metrics
// scrape has to work for an unauthenticated Prometheus.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/ready": true,
	"/metrics":      true,
	"/ws":           true,
}

const publicPrefix = "/webhooks/"

// Auth validates the Authorization bearer token against the configured API
// token. A configured api_token_hash takes precedence and is compared with
// bcrypt so the plaintext never has to live in config. With neither set the
// API is open; serve logs a warning at startup.
func Auth(cfg config.Auth) func(http.Handler) http.Handler {
	enabled := cfg.APIToken != "" || cfg.APITokenHash != ""

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled || publicPaths[r.URL.Path] || strings.HasPrefix(r.URL.Path, publicPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			if !tokenValid(cfg, token) {
				http.Error(w, `{"error":"invalid credentials"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func tokenValid(cfg config.Auth, token string) bool {
	if cfg.APITokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(cfg.APITokenHash), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIToken)) == 1
}
