package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pendergraft/querypay/internal/config"
)

// UserStore handles user balances. Wallet addresses are stored lowercased.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, wallet string) (*User, error)
	GetUser(ctx context.Context, wallet string) (*User, error)
	SetCredits(ctx context.Context, wallet string, micros int64, reason string) (*User, error)
	DebitCredits(ctx context.Context, wallet string, micros int64, queryID string) (*User, error)
	RefundCredits(ctx context.Context, wallet string, micros int64, queryID string) (*User, error)
}

// PaymentStore handles payment records and their conversion into credits
type PaymentStore interface {
	SavePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, txHash string) (*Payment, error)
	ListPayments(ctx context.Context, wallet string, pagination PaginationParams) (*PaginatedResult[Payment], error)
	CreditPayment(ctx context.Context, c CreditRequest) (*User, error)
}

// QueryStore handles answered questions and the credit ledger
type QueryStore interface {
	RecordQuery(ctx context.Context, q *Query) error
	ListQueries(ctx context.Context, wallet string, pagination PaginationParams) (*PaginatedResult[Query], error)
	ListTransactions(ctx context.Context, wallet string, pagination PaginationParams) (*PaginatedResult[CreditTransaction], error)
}

// APIKeyStore handles API key operations
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (key string, err error)
	ValidateAPIKey(ctx context.Context, key string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// Store combines all storage interfaces with lifecycle methods.
// Domain services define their own minimal interfaces based on their actual usage.
type Store interface {
	UserStore
	PaymentStore
	QueryStore
	APIKeyStore

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}

// Payment record statuses
const (
	PaymentPending   = "pending"
	PaymentConfirmed = "confirmed"
	PaymentFailed    = "failed"
)

// Ledger entry types
const (
	LedgerPayment = "payment"
	LedgerQuery   = "query"
	LedgerRefund  = "refund"
	LedgerAdmin   = "admin"
)

// Query statuses
const (
	QueryAnswered = "answered"
	QueryFailed   = "failed"
)

// User is a wallet with a USD credit balance in micro-dollars
type User struct {
	ID            string
	Wallet        string
	CreditsMicros int64
	TotalQueries  int64
	CreatedAt     string
	UpdatedAt     string
}

// Payment is the last known state of one payment transaction
type Payment struct {
	ID              string
	TxHash          string
	Wallet          string
	AmountWei       string
	CreditsMicros   int64
	Status          string // pending, confirmed or failed
	VerifyStatus    string // verifier status tag
	Mode            string
	Network         string
	ContractAddress string
	BlockNumber     int64
	GasUsed         int64
	Credited        bool
	Error           string
	CreatedAt       string
	UpdatedAt       string
}

// CreditRequest converts one confirmed payment into credits
type CreditRequest struct {
	TxHash       string
	Wallet       string
	AmountMicros int64
	Description  string
}

// CreditTransaction is one ledger entry. AmountMicros is signed;
// BalanceMicros is the balance after the entry.
type CreditTransaction struct {
	ID            string
	Wallet        string
	Type          string
	AmountMicros  int64
	BalanceMicros int64
	ReferenceID   string
	Description   string
	CreatedAt     string
}

// Query is one question asked by a user
type Query struct {
	ID         string
	Wallet     string
	Question   string
	Answer     string
	Model      string
	Status     string
	CostMicros int64
	CreatedAt  string
}

// APIKey represents an API key
type APIKey struct {
	ID         string
	Name       string
	KeyHash    string
	CreatedAt  string
	LastUsedAt string
	RevokedAt  string
}

// PaginationParams contains pagination options. Cursor is opaque to
// callers and comes from a previous NextCursor.
type PaginationParams struct {
	Limit  int
	Cursor string
}

// PaginatedResult contains paginated results
type PaginatedResult[T any] struct {
	Data       []T
	HasMore    bool
	NextCursor string
}

// New creates a new store based on configuration
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
