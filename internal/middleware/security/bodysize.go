package security

import (
	"net/http"

	"github.com/pendergraft/querypay/internal/observability/metrics"
)

// MaxBodySizeMiddleware caps request bodies at maxSizeMB megabytes.
// Requests that declare a larger Content-Length are rejected with 413
// before the handler runs; others fail when the handler reads past the cap.
func MaxBodySizeMiddleware(maxSizeMB int) func(http.Handler) http.Handler {
	maxBytes := int64(maxSizeMB) << 20

	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				metrics.RequestBlocked("body_size")
				writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
