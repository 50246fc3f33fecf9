// Package transport provides HTTP handlers for the credits domain.
package transport

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pendergraft/querypay/internal/credits/domain"
)

// AskRequest is the HTTP request body for a paid question.
type AskRequest struct {
	UserAddress string `json:"userAddress" validate:"required,ethaddr"`
	Question    string `json:"question" validate:"required,question"`
}

// SetCreditsRequest is the HTTP request body for overwriting a balance.
// Credits accepts a JSON number or a decimal string.
type SetCreditsRequest struct {
	Credits *decimal.Decimal `json:"credits" validate:"required"`
}

// UserResponse is a wallet's balance.
type UserResponse struct {
	Wallet       string `json:"wallet"`
	Credits      string `json:"credits"`
	TotalQueries int64  `json:"totalQueries"`
	CreatedAt    string `json:"createdAt,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// AskResponse is the response for a paid question.
type AskResponse struct {
	QueryID          string `json:"queryId"`
	Answer           string `json:"answer"`
	Cost             string `json:"cost"`
	RemainingCredits string `json:"remainingCredits"`
}

// QueryItem is a question in a list.
type QueryItem struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Model     string `json:"model,omitempty"`
	Status    string `json:"status"`
	Cost      string `json:"cost"`
	CreatedAt string `json:"createdAt"`
}

// TransactionItem is a ledger entry in a list.
type TransactionItem struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Balance     string `json:"balance"`
	ReferenceID string `json:"referenceId"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// ListResponse is a page of items.
type ListResponse[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination provides pagination metadata.
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func toUserResponse(u *domain.User) UserResponse {
	return UserResponse{
		Wallet:       u.Wallet,
		Credits:      u.Credits.String(),
		TotalQueries: u.TotalQueries,
		CreatedAt:    formatTime(u.CreatedAt),
		UpdatedAt:    formatTime(u.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
