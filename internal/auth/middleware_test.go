package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/querypay/internal/storage"
)

var (
	validKey  = KeyPrefix + strings.Repeat("ab", 24)
	bearerKey = KeyPrefix + strings.Repeat("0f", 24)
)

type mockAPIKeyStore struct {
	keys  map[string]*storage.APIKey
	calls int
}

func (m *mockAPIKeyStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	return "", nil
}

func (m *mockAPIKeyStore) ValidateAPIKey(ctx context.Context, key string) (*storage.APIKey, error) {
	m.calls++
	if apiKey, ok := m.keys[key]; ok {
		return apiKey, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockAPIKeyStore) ListAPIKeys(ctx context.Context) ([]storage.APIKey, error) {
	return nil, nil
}

func (m *mockAPIKeyStore) RevokeAPIKey(ctx context.Context, id string) error {
	return nil
}

func writeStatus(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
}

func TestMiddleware_ValidKey(t *testing.T) {
	store := &mockAPIKeyStore{
		keys: map[string]*storage.APIKey{
			validKey: {ID: "key-123", Name: "test"},
		},
	}

	var capturedCtx context.Context
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCtx = r.Context()
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", validKey)
	rec := httptest.NewRecorder()

	Middleware(store, writeStatus)(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	apiKey := GetAPIKeyFromContext(capturedCtx)
	require.NotNil(t, apiKey)
	assert.Equal(t, "key-123", apiKey.ID)
	assert.Equal(t, "key-123", GetKeyIDFromContext(capturedCtx))
}

func TestMiddleware_InvalidKey(t *testing.T) {
	store := &mockAPIKeyStore{keys: map[string]*storage.APIKey{}}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", validKey)
	rec := httptest.NewRecorder()

	Middleware(store, writeStatus)(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, store.calls)
}

func TestMiddleware_MalformedKeySkipsStore(t *testing.T) {
	store := &mockAPIKeyStore{keys: map[string]*storage.APIKey{}}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", "cf_key_invalid")
	rec := httptest.NewRecorder()

	Middleware(store, writeStatus)(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, store.calls)
}

func TestMiddleware_MissingKey(t *testing.T) {
	store := &mockAPIKeyStore{keys: map[string]*storage.APIKey{}}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	Middleware(store, writeStatus)(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_BearerToken(t *testing.T) {
	store := &mockAPIKeyStore{
		keys: map[string]*storage.APIKey{
			bearerKey: {ID: "key-456", Name: "bearer-test"},
		},
	}

	var capturedCtx context.Context
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCtx = r.Context()
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+bearerKey)
	rec := httptest.NewRecorder()

	Middleware(store, writeStatus)(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	apiKey := GetAPIKeyFromContext(capturedCtx)
	require.NotNil(t, apiKey)
	assert.Equal(t, "key-456", apiKey.ID)
}

func TestOptionalMiddleware(t *testing.T) {
	store := &mockAPIKeyStore{
		keys: map[string]*storage.APIKey{
			validKey: {ID: "key-123"},
		},
	}

	var keyID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID = GetKeyIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	mw := OptionalMiddleware(store)(handler)

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, keyID)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", validKey)
	rec = httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key-123", keyID)
}

func TestValidFormat(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{validKey, true},
		{KeyPrefix + strings.Repeat("a", 47), false},
		{KeyPrefix + strings.Repeat("z", 48), false},
		{"cf_key_" + strings.Repeat("a", 48), false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidFormat(tt.key), tt.key)
	}
}

func TestExtractKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, ExtractKey(req))

	req.Header.Set("Authorization", "bearer  "+bearerKey)
	assert.Equal(t, bearerKey, ExtractKey(req))

	req.Header.Set("X-API-Key", validKey)
	assert.Equal(t, validKey, ExtractKey(req), "X-API-Key wins over Authorization")
}
