package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/querypay/internal/credits/domain"
)

const wallet = "0x3984632d6767fe866d602e5926015ddcfe4e11fb"

// mockService implements Service for testing
type mockService struct {
	users    map[string]*domain.User
	askErr   error
	lastPage domain.PaginationParams
	actor    string
}

func newMockService() *mockService {
	return &mockService{users: make(map[string]*domain.User)}
}

func (m *mockService) GetOrCreateUser(ctx context.Context, w string) (*domain.User, error) {
	if len(w) != 42 {
		return nil, fmt.Errorf("%w: bad length", domain.ErrInvalidWallet)
	}
	u, ok := m.users[w]
	if !ok {
		u = &domain.User{Wallet: w, Credits: decimal.Zero, CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
		m.users[w] = u
	}
	return u, nil
}

func (m *mockService) SetCredits(ctx context.Context, w string, credits decimal.Decimal, actor string) (*domain.User, error) {
	if credits.IsNegative() {
		return nil, domain.ErrInvalidAmount
	}
	u, _ := m.GetOrCreateUser(ctx, w)
	u.Credits = credits
	m.actor = actor
	return u, nil
}

func (m *mockService) Ask(ctx context.Context, w, question string) (*domain.AskResult, error) {
	if m.askErr != nil {
		return nil, m.askErr
	}
	return &domain.AskResult{
		QueryID:          "q-1",
		Answer:           "answer to " + question,
		Cost:             decimal.RequireFromString("0.1"),
		RemainingCredits: decimal.RequireFromString("0.2"),
	}, nil
}

func (m *mockService) ListQueries(ctx context.Context, w string, p domain.PaginationParams) (*domain.QueryList, error) {
	m.lastPage = p
	return &domain.QueryList{
		Queries: []domain.Query{{ID: "q-1", Question: "hi", Answer: "hello", Status: "answered", Cost: decimal.RequireFromString("0.1")}},
		HasMore: true, NextCursor: "1",
	}, nil
}

func (m *mockService) ListTransactions(ctx context.Context, w string, p domain.PaginationParams) (*domain.TransactionList, error) {
	m.lastPage = p
	return &domain.TransactionList{
		Transactions: []domain.Transaction{{ID: "t-1", Type: "payment", Amount: decimal.RequireFromString("0.3"), Balance: decimal.RequireFromString("0.3"), ReferenceID: "0xabc"}},
	}, nil
}

func setupRouter(svc Service) *chi.Mux {
	h := NewHandler(svc)
	r := chi.NewRouter()
	r.Route("/api/v1/users", func(r chi.Router) {
		h.RegisterReadRoutes(r)
		h.RegisterWriteRoutes(r)
	})
	r.Route("/api/v1/query", h.RegisterQueryRoutes)
	return r
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHandleGetUser(t *testing.T) {
	router := setupRouter(newMockService())

	rec := do(t, router, "GET", "/api/v1/users/"+wallet, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, wallet, resp.Wallet)
	assert.Equal(t, "0", resp.Credits)
	assert.Equal(t, "2026-01-02T03:04:05Z", resp.CreatedAt)

	rec = do(t, router, "GET", "/api/v1/users/0x12", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, rec).Code)
}

func TestHandleSetCredits(t *testing.T) {
	svc := newMockService()
	router := setupRouter(svc)

	rec := do(t, router, "PUT", "/api/v1/users/"+wallet+"/credits", `{"credits": 5.25}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "5.25", resp.Credits)

	rec = do(t, router, "PUT", "/api/v1/users/"+wallet+"/credits", `{"credits": "1.5"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, "PUT", "/api/v1/users/"+wallet+"/credits", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "credits is required")

	rec = do(t, router, "PUT", "/api/v1/users/"+wallet+"/credits", `{"credits": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "PUT", "/api/v1/users/"+wallet+"/credits", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON", decodeError(t, rec).Message)
}

func TestHandleAsk(t *testing.T) {
	router := setupRouter(newMockService())

	rec := do(t, router, "POST", "/api/v1/query", AskRequest{UserAddress: wallet, Question: "gas?"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "q-1", resp.QueryID)
	assert.Equal(t, "answer to gas?", resp.Answer)
	assert.Equal(t, "0.1", resp.Cost)
	assert.Equal(t, "0.2", resp.RemainingCredits)
}

func TestHandleAsk_Validation(t *testing.T) {
	router := setupRouter(newMockService())

	rec := do(t, router, "POST", "/api/v1/query", AskRequest{UserAddress: "nope", Question: "gas?"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "userAddress")

	rec = do(t, router, "POST", "/api/v1/query", AskRequest{UserAddress: wallet})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "question is required")
}

func TestHandleAsk_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrInsufficientCredits, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS"},
		{fmt.Errorf("%w: timeout", domain.ErrAIUnavailable), http.StatusServiceUnavailable, "AI_UNAVAILABLE"},
		{fmt.Errorf("%w: blank", domain.ErrInvalidQuestion), http.StatusBadRequest, "INVALID_REQUEST"},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := newMockService()
			svc.askErr = tt.err
			rec := do(t, setupRouter(svc), "POST", "/api/v1/query", AskRequest{UserAddress: wallet, Question: "q"})
			assert.Equal(t, tt.status, rec.Code)
			detail := decodeError(t, rec)
			assert.Equal(t, tt.code, detail.Code)
			assert.Equal(t, tt.status, detail.Status)
		})
	}
}

func TestHandleListQueries(t *testing.T) {
	svc := newMockService()
	router := setupRouter(svc)

	rec := do(t, router, "GET", "/api/v1/users/"+wallet+"/queries?limit=5&cursor=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.PaginationParams{Limit: 5, Cursor: "10"}, svc.lastPage)

	var resp ListResponse[QueryItem]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "0.1", resp.Data[0].Cost)
	assert.True(t, resp.Pagination.HasMore)
	assert.Equal(t, "1", resp.Pagination.NextCursor)

	do(t, router, "GET", "/api/v1/users/"+wallet+"/queries?limit=500", nil)
	assert.Equal(t, 20, svc.lastPage.Limit)
}

func TestHandleListTransactions(t *testing.T) {
	router := setupRouter(newMockService())

	rec := do(t, router, "GET", "/api/v1/users/"+wallet+"/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListResponse[TransactionItem]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "payment", resp.Data[0].Type)
	assert.Equal(t, "0.3", resp.Data[0].Balance)
}
