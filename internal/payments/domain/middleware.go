package domain

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pendergraft/querypay/internal/chains/evm"
)

// LoggingMiddleware returns a service middleware that logs state changing
// operations. Cheap reads pass through.
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

func (m *loggingMiddleware) GetPaymentAmount(ctx context.Context) *big.Int {
	return m.next.GetPaymentAmount(ctx)
}

func (m *loggingMiddleware) GetPaymentReceiver(ctx context.Context) common.Address {
	return m.next.GetPaymentReceiver(ctx)
}

func (m *loggingMiddleware) GetContractInfo(ctx context.Context) ContractInfo {
	start := time.Now()
	info := m.next.GetContractInfo(ctx)
	m.logger.Debug("GetContractInfo",
		"mode", info.Mode,
		"contractExists", info.ContractExists,
		"duration", time.Since(start),
	)
	return info
}

func (m *loggingMiddleware) MakePayment(ctx context.Context, from common.Address) (*evm.Submission, error) {
	start := time.Now()
	sub, err := m.next.MakePayment(ctx, from)
	attrs := []any{
		"from", from.Hex(),
		"duration", time.Since(start),
		"error", err,
	}
	if sub != nil {
		attrs = append(attrs, "tx_hash", sub.TxHash.Hex(), "mode", sub.Terms.Mode)
	}
	m.logger.Info("MakePayment", attrs...)
	return sub, err
}

func (m *loggingMiddleware) Signers() []common.Address {
	return m.next.Signers()
}

func (m *loggingMiddleware) VerifyPayment(ctx context.Context, txHash, sender string) *evm.Result {
	return m.next.VerifyPayment(ctx, txHash, sender)
}

func (m *loggingMiddleware) VerifyAndCredit(ctx context.Context, txHash, sender string) (*VerifyOutcome, error) {
	start := time.Now()
	out, err := m.next.VerifyAndCredit(ctx, txHash, sender)
	attrs := []any{
		"tx_hash", txHash,
		"sender", sender,
		"duration", time.Since(start),
		"error", err,
	}
	if out != nil {
		attrs = append(attrs,
			"status", out.Result.Status,
			"verified", out.Result.Verified,
			"credits", out.Credits.String(),
			"alreadyCredited", out.AlreadyCredited,
		)
	}
	m.logger.Info("VerifyAndCredit", attrs...)
	return out, err
}

func (m *loggingMiddleware) ListenForPayments(ctx context.Context, sender common.Address) (*evm.Subscription, error) {
	sub, err := m.next.ListenForPayments(ctx, sender)
	m.logger.Info("ListenForPayments", "sender", sender.Hex(), "error", err)
	return sub, err
}

func (m *loggingMiddleware) GetPayment(ctx context.Context, txHash string) (*Payment, error) {
	start := time.Now()
	p, err := m.next.GetPayment(ctx, txHash)
	m.logger.Debug("GetPayment",
		"tx_hash", txHash,
		"duration", time.Since(start),
		"error", err,
	)
	return p, err
}

func (m *loggingMiddleware) ListPayments(ctx context.Context, wallet string, pagination PaginationParams) (*PaymentList, error) {
	start := time.Now()
	result, err := m.next.ListPayments(ctx, wallet, pagination)
	m.logger.Debug("ListPayments",
		"wallet", wallet,
		"limit", pagination.Limit,
		"duration", time.Since(start),
		"error", err,
	)
	return result, err
}

func (m *loggingMiddleware) TestEndpoints(ctx context.Context) evm.EndpointReport {
	start := time.Now()
	report := m.next.TestEndpoints(ctx)
	m.logger.Info("TestEndpoints",
		"endpoints", len(report.Endpoints),
		"recommended", report.Recommended,
		"duration", time.Since(start),
	)
	return report
}

func (m *loggingMiddleware) CheckContract(ctx context.Context) evm.ContractReport {
	start := time.Now()
	report := m.next.CheckContract(ctx)
	m.logger.Info("CheckContract",
		"deployed", report.Deployed,
		"errors", len(report.Errors),
		"duration", time.Since(start),
	)
	return report
}
