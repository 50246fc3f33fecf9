package realip

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func resolve(t *testing.T, cfg Config, remote string, headers map[string]string) string {
	t.Helper()
	var got string
	h := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetClientIP(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/info", nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestMiddleware(t *testing.T) {
	private := []string{"10.0.0.0/8", "192.168.0.0/16"}

	tests := []struct {
		name    string
		cfg     Config
		remote  string
		headers map[string]string
		want    string
	}{
		{
			name:    "proxy headers ignored when not trusting",
			cfg:     Config{TrustedProxies: private},
			remote:  "10.0.0.1:4000",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.50"},
			want:    "10.0.0.1",
		},
		{
			name:    "first untrusted hop from the right",
			cfg:     Config{TrustProxy: true, TrustedProxies: private},
			remote:  "10.0.0.1:4000",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.7, 203.0.113.50, 10.0.0.5"},
			want:    "203.0.113.50",
		},
		{
			name:    "untrusted peer",
			cfg:     Config{TrustProxy: true, TrustedProxies: []string{"10.0.0.0/8"}},
			remote:  "192.168.1.100:4000",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.50"},
			want:    "192.168.1.100",
		},
		{
			name:    "x-real-ip fallback",
			cfg:     Config{TrustProxy: true, TrustedProxies: private},
			remote:  "10.1.2.3:4000",
			headers: map[string]string{"X-Real-IP": " 203.0.113.9 "},
			want:    "203.0.113.9",
		},
		{
			name:    "all hops trusted returns leftmost",
			cfg:     Config{TrustProxy: true, TrustedProxies: private},
			remote:  "10.0.0.1:4000",
			headers: map[string]string{"X-Forwarded-For": "10.0.0.9, 10.0.0.5"},
			want:    "10.0.0.9",
		},
		{
			name:    "single address entry",
			cfg:     Config{TrustProxy: true, TrustedProxies: []string{"127.0.0.1", "not-an-ip"}},
			remote:  "127.0.0.1:4000",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.50"},
			want:    "203.0.113.50",
		},
		{
			name:    "ipv6 peer",
			cfg:     Config{TrustProxy: true, TrustedProxies: []string{"fd00::/8"}},
			remote:  "[fd00::1]:4000",
			headers: map[string]string{"X-Forwarded-For": "2001:db8::1"},
			want:    "2001:db8::1",
		},
		{
			name:   "remote without port",
			cfg:    Config{},
			remote: "203.0.113.1",
			want:   "203.0.113.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolve(t, tt.cfg, tt.remote, tt.headers))
		})
	}
}

func TestGetClientIP_WithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.1:9000"
	assert.Equal(t, "203.0.113.1", GetClientIP(req))
}
