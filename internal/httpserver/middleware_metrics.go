package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/CedrosPay/microcharge/internal/errors"
)

// adminMetricsAuth protects the /metrics endpoint with an API key.
// If no API key is configured, the endpoint is accessible without authentication;
// otherwise requests must carry "Authorization: Bearer {key}".
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	expected := []byte("Bearer " + apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), expected) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Invalid or missing admin API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
