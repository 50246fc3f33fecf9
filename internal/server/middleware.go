package server

import (
	"net/http"

	"github.com/pendergraft/querypay/internal/middleware/logging"
	"github.com/pendergraft/querypay/internal/validation"
)

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key, "+logging.ClientVersionHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientVersion rejects clients that announce a version older than
// minVersion, or with a different major version. Requests without the
// header are let through.
func clientVersion(minVersion string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Server-Version", Version)
			if minVersion == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err := validation.CheckClientVersion(r.Header.Get(logging.ClientVersionHeader), minVersion); err != nil {
				writeError(w, http.StatusUpgradeRequired, "CLIENT_OUTDATED", err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
