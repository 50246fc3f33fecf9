// Package logging provides structured HTTP request logging middleware.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/pendergraft/querypay/internal/middleware/realip"
)

// ClientVersionHeader carries the CLI or SDK version of the caller.
const ClientVersionHeader = "X-Client-Version"

// responseWriter wraps http.ResponseWriter to capture status and bytes
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter for middleware that need it
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type fieldsKey struct{}

// fields collects attributes added by handlers further down the chain.
type fields struct {
	mu    sync.Mutex
	attrs []any
}

// Annotate adds key/value pairs to the request log line of the request
// that ctx belongs to. It is a no-op outside Middleware.
func Annotate(ctx context.Context, args ...any) {
	f, ok := ctx.Value(fieldsKey{}).(*fields)
	if !ok {
		return
	}
	f.mu.Lock()
	f.attrs = append(f.attrs, args...)
	f.mu.Unlock()
}

// Middleware logs one line per request. Server errors log at error level,
// client errors at warn and everything else at info.
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			extra := &fields{}
			r = r.WithContext(context.WithValue(r.Context(), fieldsKey{}, extra))

			defer func() {
				args := []any{
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.status,
					"bytes", wrapped.bytes,
					"duration", time.Since(start).String(),
					"client_ip", realip.GetClientIP(r),
				}
				if v := r.Header.Get(ClientVersionHeader); v != "" {
					args = append(args, "client_version", v)
				}
				extra.mu.Lock()
				args = append(args, extra.attrs...)
				extra.mu.Unlock()

				level := slog.LevelInfo
				switch {
				case wrapped.status >= 500:
					level = slog.LevelError
				case wrapped.status >= 400:
					level = slog.LevelWarn
				}
				logger.Log(r.Context(), level, "request", args...)
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}
