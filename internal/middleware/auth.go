package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// APIKeyHeader is the header admin callers authenticate with.
const APIKeyHeader = "X-Api-Key"

// RequireAPIKey rejects requests whose X-Api-Key does not match key. An empty
// key disables the check.
func RequireAPIKey(key string, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				logger.WithFields(logrus.Fields{
					"remote_ip": clientIP(r),
					"path":      r.URL.Path,
				}).Warn("Rejected request with invalid API key")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
