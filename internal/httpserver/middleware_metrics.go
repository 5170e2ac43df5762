package httpserver

import (
	"net/http"

	apierrors "github.com/chainfacilitator/x402fac/internal/errors"
)

// adminMetricsAuth protects /metrics with an optional bearer token. If no
// key is configured the endpoint is left open, matching a single-operator
// deployment that scrapes from inside its own network.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+apiKey {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid or missing admin API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
