package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pendergraft/querypay/internal/auth"
	"github.com/pendergraft/querypay/internal/credits/domain"
	"github.com/pendergraft/querypay/internal/validation"
)

// Service defines the credits service interface for HTTP transport.
type Service interface {
	GetOrCreateUser(ctx context.Context, wallet string) (*domain.User, error)
	SetCredits(ctx context.Context, wallet string, credits decimal.Decimal, actor string) (*domain.User, error)
	Ask(ctx context.Context, wallet, question string) (*domain.AskResult, error)
	ListQueries(ctx context.Context, wallet string, pagination domain.PaginationParams) (*domain.QueryList, error)
	ListTransactions(ctx context.Context, wallet string, pagination domain.PaginationParams) (*domain.TransactionList, error)
}

// Handler handles HTTP requests for users, balances and questions.
type Handler struct {
	svc Service
}

// NewHandler creates a new credits HTTP handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterReadRoutes registers read-only user routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/{wallet}", h.handleGetUser)
	r.Get("/{wallet}/queries", h.handleListQueries)
	r.Get("/{wallet}/transactions", h.handleListTransactions)
}

// RegisterWriteRoutes registers admin user routes (auth required).
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Put("/{wallet}/credits", h.handleSetCredits)
}

// RegisterQueryRoutes registers the paid question route.
func (h *Handler) RegisterQueryRoutes(r chi.Router) {
	r.Post("/", h.handleAsk)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.GetOrCreateUser(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		writeServiceError(w, err, "Failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (h *Handler) handleSetCredits(w http.ResponseWriter, r *http.Request) {
	var req SetCreditsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	u, err := h.svc.SetCredits(r.Context(), chi.URLParam(r, "wallet"), *req.Credits, auth.GetKeyIDFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err, "Failed to set credits")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.svc.Ask(r.Context(), req.UserAddress, req.Question)
	if err != nil {
		writeServiceError(w, err, "Failed to answer question")
		return
	}
	writeJSON(w, http.StatusOK, AskResponse{
		QueryID:          res.QueryID,
		Answer:           res.Answer,
		Cost:             res.Cost.String(),
		RemainingCredits: res.RemainingCredits.String(),
	})
}

func (h *Handler) handleListQueries(w http.ResponseWriter, r *http.Request) {
	p := pagination(r)
	result, err := h.svc.ListQueries(r.Context(), chi.URLParam(r, "wallet"), p)
	if err != nil {
		writeServiceError(w, err, "Failed to list queries")
		return
	}

	data := make([]QueryItem, len(result.Queries))
	for i, q := range result.Queries {
		data[i] = QueryItem{
			ID:        q.ID,
			Question:  q.Question,
			Answer:    q.Answer,
			Model:     q.Model,
			Status:    q.Status,
			Cost:      q.Cost.String(),
			CreatedAt: formatTime(q.CreatedAt),
		}
	}
	writeJSON(w, http.StatusOK, ListResponse[QueryItem]{
		Data:       data,
		Pagination: Pagination{Limit: p.Limit, HasMore: result.HasMore, NextCursor: result.NextCursor},
	})
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	p := pagination(r)
	result, err := h.svc.ListTransactions(r.Context(), chi.URLParam(r, "wallet"), p)
	if err != nil {
		writeServiceError(w, err, "Failed to list transactions")
		return
	}

	data := make([]TransactionItem, len(result.Transactions))
	for i, t := range result.Transactions {
		data[i] = TransactionItem{
			ID:          t.ID,
			Type:        t.Type,
			Amount:      t.Amount.String(),
			Balance:     t.Balance.String(),
			ReferenceID: t.ReferenceID,
			Description: t.Description,
			CreatedAt:   formatTime(t.CreatedAt),
		}
	}
	writeJSON(w, http.StatusOK, ListResponse[TransactionItem]{
		Data:       data,
		Pagination: Pagination{Limit: p.Limit, HasMore: result.HasMore, NextCursor: result.NextCursor},
	})
}

func pagination(r *http.Request) domain.PaginationParams {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	return domain.PaginationParams{Limit: limit, Cursor: r.URL.Query().Get("cursor")}
}

// decodeBody reads and validates a JSON body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return false
	}
	if err := validation.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrInvalidWallet),
		errors.Is(err, domain.ErrInvalidQuestion),
		errors.Is(err, domain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
	case errors.Is(err, domain.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Insufficient credits, make a payment first")
	case errors.Is(err, domain.ErrAIUnavailable):
		writeError(w, http.StatusServiceUnavailable, "AI_UNAVAILABLE", "AI service is temporarily unavailable, your credits were refunded")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fallback)
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message, Status: status}})
}
