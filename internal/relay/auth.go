package relay

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// Auth returns chi-compatible middleware enforcing bearer API keys on the
// wrapped routes. The Authorization header may carry the key bare or with
// a "Bearer " prefix. With no keys configured authentication is disabled
// and every request passes; that state is logged once at startup.
func Auth(keys []string, log *slog.Logger) func(next http.Handler) http.Handler {
	if len(keys) == 0 {
		log.Warn("api authentication disabled, no keys configured")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimSpace(r.Header.Get("Authorization"))
			token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))

			for _, key := range keys {
				if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}

			log.Debug("unauthorized api request", slog.String("path", r.URL.Path))
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
}
