// Package domain converts verified payments into USD credits and spends
// them on answered questions.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a wallet and its credit balance.
type User struct {
	Wallet       string
	Credits      decimal.Decimal
	TotalQueries int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Query is an answered (or failed) question.
type Query struct {
	ID        string
	Question  string
	Answer    string
	Model     string
	Status    string
	Cost      decimal.Decimal
	CreatedAt time.Time
}

// Transaction is one credit ledger entry. Amount is signed; Balance is
// the balance after the entry.
type Transaction struct {
	ID          string
	Type        string
	Amount      decimal.Decimal
	Balance     decimal.Decimal
	ReferenceID string
	Description string
	CreatedAt   time.Time
}

// AskResult is the outcome of a paid question.
type AskResult struct {
	QueryID          string
	Answer           string
	Cost             decimal.Decimal
	RemainingCredits decimal.Decimal
}

// PaginationParams contains pagination options.
type PaginationParams struct {
	Limit  int
	Cursor string
}

// QueryList is a page of queries.
type QueryList struct {
	Queries    []Query
	HasMore    bool
	NextCursor string
}

// TransactionList is a page of ledger entries.
type TransactionList struct {
	Transactions []Transaction
	HasMore      bool
	NextCursor   string
}
