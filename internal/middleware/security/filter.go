// Package security provides request filtering and body limits.
package security

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/pendergraft/querypay/internal/observability/metrics"
)

// Config holds the configuration for security middleware
type Config struct {
	FilterEnabled bool
	MaxBodySizeMB int
}

// exemptPaths skip filtering.
var exemptPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// scannerPrefixes are paths nothing in this API serves but vulnerability
// scanners probe constantly.
var scannerPrefixes = []string{
	"/.php",
	"/wp-admin",
	"/wp-includes",
	"/wp-content",
	"/wp-login",
	"/.git/",
	"/.env",
	"/web-inf/",
	"/cgi-bin/",
	"/admin/",
	"/phpmyadmin",
	"/phpinfo",
	"/shell",
	"/config.",
	"/.htaccess",
	"/.htpasswd",
	"/server-status",
	"/xmlrpc.php",
	"/wallet.dat",
	"/keystore",
}

// injectionPatterns indicate traversal or null byte injection.
var injectionPatterns = []string{
	"../",
	"..\\",
	"..%2f",
	"..%5c",
	"%2e%2e/",
	"%00",
	"\x00",
}

// FilterMiddleware rejects scanner probes and traversal attempts in the
// path or query string with an uninformative 400.
func FilterMiddleware(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if reason := inspect(r.URL); reason != "" {
				metrics.RequestBlocked(reason)
				writeBlocked(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// inspect returns why u should be blocked, or "" when it is acceptable.
func inspect(u *url.URL) string {
	path := strings.ToLower(u.Path)
	for _, p := range scannerPrefixes {
		if strings.HasPrefix(path, p) {
			return "scanner"
		}
	}

	raw := u.EscapedPath()
	candidates := []string{path, strings.ToLower(raw), strings.ToLower(u.RawQuery)}
	if decoded, err := url.PathUnescape(raw); err == nil {
		candidates = append(candidates, strings.ToLower(decoded))
	}
	if decoded, err := url.QueryUnescape(u.RawQuery); err == nil {
		candidates = append(candidates, strings.ToLower(decoded))
	}
	for _, c := range candidates {
		for _, p := range injectionPatterns {
			if strings.Contains(c, p) {
				return "injection"
			}
		}
	}
	return ""
}

func writeBlocked(w http.ResponseWriter) {
	writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"status":  status,
		},
	})
}
