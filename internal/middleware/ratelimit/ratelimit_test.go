package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/querypay/internal/auth"
)

var validKey = auth.KeyPrefix + strings.Repeat("ab", 24)

func newLimited(t *testing.T, burst int) (*RateLimiter, http.Handler) {
	t.Helper()
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: burst, CleanupMinutes: 1})
	t.Cleanup(rl.Stop)
	return rl, rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func send(h http.Handler, path, remote, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_Burst(t *testing.T) {
	_, h := newLimited(t, 3)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, send(h, "/api/v1/payments/info", "203.0.113.1:1", "").Code, "request %d", i+1)
	}

	rec := send(h, "/api/v1/payments/info", "203.0.113.1:1", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body map[string]map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"]["code"])
	assert.EqualValues(t, http.StatusTooManyRequests, body["error"]["status"])
}

func TestRateLimiter_SeparateClients(t *testing.T) {
	_, h := newLimited(t, 1)

	assert.Equal(t, http.StatusOK, send(h, "/api/v1/query", "203.0.113.1:1", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, send(h, "/api/v1/query", "203.0.113.1:1", "").Code)

	// Another address has its own bucket.
	assert.Equal(t, http.StatusOK, send(h, "/api/v1/query", "203.0.113.2:1", "").Code)

	// A key holder behind the exhausted address is limited per key.
	assert.Equal(t, http.StatusOK, send(h, "/api/v1/query", "203.0.113.1:1", validKey).Code)
	assert.Equal(t, http.StatusTooManyRequests, send(h, "/api/v1/query", "203.0.113.9:1", validKey).Code)
}

func TestRateLimiter_MalformedKeyFallsBackToAddress(t *testing.T) {
	_, h := newLimited(t, 1)

	assert.Equal(t, http.StatusOK, send(h, "/x", "203.0.113.1:1", "garbage").Code)
	assert.Equal(t, http.StatusTooManyRequests, send(h, "/x", "203.0.113.1:1", "other-garbage").Code)
}

func TestRateLimiter_ExemptPaths(t *testing.T) {
	_, h := newLimited(t, 1)

	for _, p := range []string{"/health", "/healthz", "/readyz", "/metrics"} {
		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusOK, send(h, p, "203.0.113.1:1", "").Code, p)
		}
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl, h := newLimited(t, 5)
	base := time.Now()
	rl.now = func() time.Time { return base }

	send(h, "/a", "203.0.113.1:1", "")
	send(h, "/a", "203.0.113.2:1", "")
	require.Equal(t, 2, rl.Len())

	rl.now = func() time.Time { return base.Add(30 * time.Second) }
	send(h, "/a", "203.0.113.2:1", "")

	rl.now = func() time.Time { return base.Add(75 * time.Second) }
	rl.sweep()
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 1})
	rl.Stop()
	assert.NotPanics(t, rl.Stop)
}

func TestMiddleware_Disabled(t *testing.T) {
	h := Middleware(Config{Enabled: false})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 50; i++ {
		assert.Equal(t, http.StatusOK, send(h, "/x", "203.0.113.1:1", "").Code)
	}
}
