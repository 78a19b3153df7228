package httpserver

import (
	"net/http"

	apperrors "github.com/dotpay/backend/internal/errors"
)

// adminMetricsAuth is middleware that protects the /metrics endpoint with an API key.
// If no API key is configured, the endpoint is accessible without authentication.
// If an API key is configured, requests must include an "Authorization: Bearer {key}" header.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// If no API key is configured, allow access without authentication
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			expectedHeader := "Bearer " + apiKey
			if authHeader != expectedHeader {
				writeError(w, apperrors.Auth(apperrors.ErrCodeInvalidBearer, "invalid or missing admin metrics api key"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
