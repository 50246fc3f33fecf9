package domain

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// LoggingMiddleware returns a service middleware that logs all operations.
func LoggingMiddleware(logger *slog.Logger) func(Service) Service {
	return func(next Service) Service {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   Service
	logger *slog.Logger
}

func (m *loggingMiddleware) GetOrCreateUser(ctx context.Context, wallet string) (*User, error) {
	start := time.Now()
	u, err := m.next.GetOrCreateUser(ctx, wallet)
	m.logger.Debug("GetOrCreateUser",
		"wallet", wallet,
		"duration", time.Since(start),
		"error", err,
	)
	return u, err
}

func (m *loggingMiddleware) SetCredits(ctx context.Context, wallet string, credits decimal.Decimal, actor string) (*User, error) {
	start := time.Now()
	u, err := m.next.SetCredits(ctx, wallet, credits, actor)
	m.logger.Info("SetCredits",
		"wallet", wallet,
		"credits", credits.String(),
		"actor", actor,
		"duration", time.Since(start),
		"error", err,
	)
	return u, err
}

func (m *loggingMiddleware) ApplyPayment(ctx context.Context, txHash, wallet string, credits decimal.Decimal) (*User, error) {
	start := time.Now()
	u, err := m.next.ApplyPayment(ctx, txHash, wallet, credits)
	attrs := []any{
		"tx_hash", txHash,
		"wallet", wallet,
		"credits", credits.String(),
		"duration", time.Since(start),
		"error", err,
	}
	if u != nil {
		attrs = append(attrs, "balance", u.Credits.String())
	}
	m.logger.Info("ApplyPayment", attrs...)
	return u, err
}

func (m *loggingMiddleware) Ask(ctx context.Context, wallet, question string) (*AskResult, error) {
	start := time.Now()
	res, err := m.next.Ask(ctx, wallet, question)
	attrs := []any{
		"wallet", wallet,
		"question_len", len(question),
		"duration", time.Since(start),
		"error", err,
	}
	if res != nil {
		attrs = append(attrs, "query_id", res.QueryID, "remaining", res.RemainingCredits.String())
	}
	m.logger.Info("Ask", attrs...)
	return res, err
}

func (m *loggingMiddleware) ListQueries(ctx context.Context, wallet string, pagination PaginationParams) (*QueryList, error) {
	start := time.Now()
	result, err := m.next.ListQueries(ctx, wallet, pagination)
	m.logger.Debug("ListQueries",
		"wallet", wallet,
		"limit", pagination.Limit,
		"duration", time.Since(start),
		"error", err,
	)
	return result, err
}

func (m *loggingMiddleware) ListTransactions(ctx context.Context, wallet string, pagination PaginationParams) (*TransactionList, error) {
	start := time.Now()
	result, err := m.next.ListTransactions(ctx, wallet, pagination)
	m.logger.Debug("ListTransactions",
		"wallet", wallet,
		"limit", pagination.Limit,
		"duration", time.Since(start),
		"error", err,
	)
	return result, err
}

func (m *loggingMiddleware) Rate() decimal.Decimal       { return m.next.Rate() }
func (m *loggingMiddleware) QueryPrice() decimal.Decimal { return m.next.QueryPrice() }
