package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pendergraft/querypay/internal/ai"
	"github.com/pendergraft/querypay/internal/config"
	"github.com/pendergraft/querypay/internal/observability/metrics"
	"github.com/pendergraft/querypay/internal/storage"
	"github.com/pendergraft/querypay/internal/validation"
)

// Common errors returned by the credits service.
var (
	ErrNotFound            = errors.New("user not found")
	ErrInvalidWallet       = errors.New("invalid wallet address")
	ErrInvalidQuestion     = errors.New("invalid question")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyCredited     = errors.New("payment already credited")
	ErrAIUnavailable       = errors.New("AI service unavailable")
)

// Store is the storage the credits service needs.
type Store interface {
	storage.UserStore
	CreditPayment(ctx context.Context, c storage.CreditRequest) (*storage.User, error)
	RecordQuery(ctx context.Context, q *storage.Query) error
	ListQueries(ctx context.Context, wallet string, pagination storage.PaginationParams) (*storage.PaginatedResult[storage.Query], error)
	ListTransactions(ctx context.Context, wallet string, pagination storage.PaginationParams) (*storage.PaginatedResult[storage.CreditTransaction], error)
}

// Service defines the credits service interface.
type Service interface {
	// GetOrCreateUser returns the user for wallet, creating it with a zero balance.
	GetOrCreateUser(ctx context.Context, wallet string) (*User, error)

	// SetCredits overwrites a balance. actor is recorded in the ledger.
	SetCredits(ctx context.Context, wallet string, credits decimal.Decimal, actor string) (*User, error)

	// ApplyPayment adds credits for a payment, at most once per transaction hash.
	ApplyPayment(ctx context.Context, txHash, wallet string, credits decimal.Decimal) (*User, error)

	// Ask charges the query price and answers question.
	Ask(ctx context.Context, wallet, question string) (*AskResult, error)

	ListQueries(ctx context.Context, wallet string, pagination PaginationParams) (*QueryList, error)
	ListTransactions(ctx context.Context, wallet string, pagination PaginationParams) (*TransactionList, error)

	// Rate returns the USD per ETH conversion rate.
	Rate() decimal.Decimal
	// QueryPrice returns the USD price of one question.
	QueryPrice() decimal.Decimal
}

type service struct {
	store    Store
	answerer ai.Answerer
	model    string
	rate     decimal.Decimal
	price    decimal.Decimal
	logger   *slog.Logger
}

// NewService creates a new credits service.
func NewService(store Store, answerer ai.Answerer, cfg config.CreditsConfig, model string, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		store:    store,
		answerer: answerer,
		model:    model,
		rate:     cfg.ETHUSDRate,
		price:    cfg.QueryPriceUSD,
		logger:   logger,
	}
}

func (s *service) Rate() decimal.Decimal       { return s.rate }
func (s *service) QueryPrice() decimal.Decimal { return s.price }

func checkWallet(wallet string) error {
	if err := validation.ValidateAddress(wallet); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	return nil
}

// GetOrCreateUser returns the user for wallet, creating it with a zero balance.
func (s *service) GetOrCreateUser(ctx context.Context, wallet string) (*User, error) {
	if err := checkWallet(wallet); err != nil {
		return nil, err
	}
	u, err := s.store.GetOrCreateUser(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return toUser(u), nil
}

// SetCredits overwrites a balance.
func (s *service) SetCredits(ctx context.Context, wallet string, credits decimal.Decimal, actor string) (*User, error) {
	if err := checkWallet(wallet); err != nil {
		return nil, err
	}
	if credits.IsNegative() {
		return nil, fmt.Errorf("%w: credits must not be negative", ErrInvalidAmount)
	}
	reason := "balance set by admin"
	if actor != "" {
		reason = "balance set by key " + actor
	}
	u, err := s.store.SetCredits(ctx, wallet, ToMicros(credits), reason)
	if err != nil {
		return nil, fmt.Errorf("setting credits: %w", err)
	}
	return toUser(u), nil
}

// ApplyPayment adds credits for a payment, at most once per transaction hash.
func (s *service) ApplyPayment(ctx context.Context, txHash, wallet string, credits decimal.Decimal) (*User, error) {
	if err := checkWallet(wallet); err != nil {
		return nil, err
	}
	micros := ToMicros(credits)
	if micros <= 0 {
		return nil, fmt.Errorf("%w: %s USD", ErrInvalidAmount, credits)
	}

	u, err := s.store.CreditPayment(ctx, storage.CreditRequest{
		TxHash:       strings.ToLower(txHash),
		Wallet:       wallet,
		AmountMicros: micros,
		Description:  fmt.Sprintf("payment %s", txHash),
	})
	switch {
	case errors.Is(err, storage.ErrAlreadyCredited):
		metrics.CreditsApplied("duplicate", 0)
		return nil, ErrAlreadyCredited
	case err != nil:
		metrics.CreditsApplied("error", 0)
		return nil, fmt.Errorf("crediting payment: %w", err)
	}
	metrics.CreditsApplied("applied", credits.InexactFloat64())
	return toUser(u), nil
}

// Ask debits the query price, asks the model and refunds the debit when no
// answer could be produced.
func (s *service) Ask(ctx context.Context, wallet, question string) (*AskResult, error) {
	if err := checkWallet(wallet); err != nil {
		return nil, err
	}
	if err := validation.ValidateQuestion(question); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuestion, err)
	}

	cost := ToMicros(s.price)
	queryID := uuid.New().String()

	debited, err := s.store.DebitCredits(ctx, wallet, cost, queryID)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			metrics.Query("insufficient_credits")
			return nil, ErrInsufficientCredits
		}
		return nil, fmt.Errorf("debiting credits: %w", err)
	}

	answer, genErr := s.answerer.Generate(ctx, question)
	if genErr != nil {
		metrics.Query("failed")
		return nil, s.refund(ctx, wallet, question, queryID, cost, genErr)
	}

	// The debit stands even if the history row cannot be written.
	q := &storage.Query{
		ID:         queryID,
		Wallet:     wallet,
		Question:   question,
		Answer:     answer,
		Model:      s.model,
		Status:     storage.QueryAnswered,
		CostMicros: cost,
	}
	if err := s.store.RecordQuery(ctx, q); err != nil {
		s.logger.Error("recording answered query failed", "query_id", queryID, "error", err)
	}

	metrics.Query(storage.QueryAnswered)
	return &AskResult{
		QueryID:          queryID,
		Answer:           answer,
		Cost:             FromMicros(cost),
		RemainingCredits: FromMicros(debited.CreditsMicros),
	}, nil
}

func (s *service) refund(ctx context.Context, wallet, question, queryID string, cost int64, cause error) error {
	// The caller may have gone away; the refund must still land.
	ctx = context.WithoutCancel(ctx)

	if _, err := s.store.RefundCredits(ctx, wallet, cost, queryID); err != nil && !errors.Is(err, storage.ErrAlreadyCredited) {
		s.logger.Error("refunding failed query", "query_id", queryID, "wallet", wallet, "error", err)
		return errors.Join(fmt.Errorf("%w: %v", ErrAIUnavailable, cause), fmt.Errorf("refund failed: %w", err))
	}
	if err := s.store.RecordQuery(ctx, &storage.Query{
		ID:       queryID,
		Wallet:   wallet,
		Question: question,
		Model:    s.model,
		Status:   storage.QueryFailed,
	}); err != nil {
		s.logger.Warn("recording failed query", "query_id", queryID, "error", err)
	}
	return fmt.Errorf("%w: %v", ErrAIUnavailable, cause)
}

// ListQueries lists a wallet's questions, newest first.
func (s *service) ListQueries(ctx context.Context, wallet string, pagination PaginationParams) (*QueryList, error) {
	if err := checkWallet(wallet); err != nil {
		return nil, err
	}
	result, err := s.store.ListQueries(ctx, wallet, storage.PaginationParams{
		Limit:  pagination.Limit,
		Cursor: pagination.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}

	queries := make([]Query, len(result.Data))
	for i, q := range result.Data {
		queries[i] = Query{
			ID:        q.ID,
			Question:  q.Question,
			Answer:    q.Answer,
			Model:     q.Model,
			Status:    q.Status,
			Cost:      FromMicros(q.CostMicros),
			CreatedAt: parseTime(q.CreatedAt),
		}
	}
	return &QueryList{Queries: queries, HasMore: result.HasMore, NextCursor: result.NextCursor}, nil
}

// ListTransactions lists a wallet's ledger entries, newest first.
func (s *service) ListTransactions(ctx context.Context, wallet string, pagination PaginationParams) (*TransactionList, error) {
	if err := checkWallet(wallet); err != nil {
		return nil, err
	}
	result, err := s.store.ListTransactions(ctx, wallet, storage.PaginationParams{
		Limit:  pagination.Limit,
		Cursor: pagination.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}

	txs := make([]Transaction, len(result.Data))
	for i, t := range result.Data {
		txs[i] = Transaction{
			ID:          t.ID,
			Type:        t.Type,
			Amount:      FromMicros(t.AmountMicros),
			Balance:     FromMicros(t.BalanceMicros),
			ReferenceID: t.ReferenceID,
			Description: t.Description,
			CreatedAt:   parseTime(t.CreatedAt),
		}
	}
	return &TransactionList{Transactions: txs, HasMore: result.HasMore, NextCursor: result.NextCursor}, nil
}

func toUser(u *storage.User) *User {
	return &User{
		Wallet:       u.Wallet,
		Credits:      FromMicros(u.CreditsMicros),
		TotalQueries: u.TotalQueries,
		CreatedAt:    parseTime(u.CreatedAt),
		UpdatedAt:    parseTime(u.UpdatedAt),
	}
}

// parseTime reads the ISO timestamps both store dialects produce.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
