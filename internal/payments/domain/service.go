package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/pendergraft/querypay/internal/chains"
	"github.com/pendergraft/querypay/internal/chains/evm"
	creditsdomain "github.com/pendergraft/querypay/internal/credits/domain"
	"github.com/pendergraft/querypay/internal/storage"
)

// Common errors returned by the payment service.
var (
	ErrNotFound      = errors.New("payment not found")
	ErrInvalidTxHash = errors.New("invalid transaction hash")
	ErrInvalidWallet = errors.New("invalid wallet address")
	ErrNoSigner      = errors.New("no server signer configured")
)

// Store is the storage the payment service needs.
type Store interface {
	SavePayment(ctx context.Context, p *storage.Payment) error
	GetPayment(ctx context.Context, txHash string) (*storage.Payment, error)
	ListPayments(ctx context.Context, wallet string, pagination storage.PaginationParams) (*storage.PaginatedResult[storage.Payment], error)
}

// Crediter turns verified payments into credits.
type Crediter interface {
	ApplyPayment(ctx context.Context, txHash, wallet string, credits decimal.Decimal) (*creditsdomain.User, error)
	GetOrCreateUser(ctx context.Context, wallet string) (*creditsdomain.User, error)
	Rate() decimal.Decimal
}

// Service defines the payment service interface.
type Service interface {
	// GetPaymentAmount returns the wei amount a payment must carry. Never fails.
	GetPaymentAmount(ctx context.Context) *big.Int
	// GetPaymentReceiver returns the address that ends up with the funds. Never fails.
	GetPaymentReceiver(ctx context.Context) common.Address
	// GetContractInfo reports the routing mode and terms.
	GetContractInfo(ctx context.Context) ContractInfo

	// MakePayment signs and broadcasts a payment from a registered signer.
	MakePayment(ctx context.Context, from common.Address) (*evm.Submission, error)
	// Signers lists the accounts MakePayment can pay from.
	Signers() []common.Address

	// VerifyPayment runs the verifier. Concurrent calls for the same
	// transaction share one verification.
	VerifyPayment(ctx context.Context, txHash, sender string) *evm.Result
	// VerifyAndCredit verifies, records the payment and credits the payer once.
	VerifyAndCredit(ctx context.Context, txHash, sender string) (*VerifyOutcome, error)
	// ListenForPayments streams PaymentReceived events from sender.
	ListenForPayments(ctx context.Context, sender common.Address) (*evm.Subscription, error)

	GetPayment(ctx context.Context, txHash string) (*Payment, error)
	ListPayments(ctx context.Context, wallet string, pagination PaginationParams) (*PaymentList, error)

	// TestEndpoints times every RPC endpoint.
	TestEndpoints(ctx context.Context) evm.EndpointReport
	// CheckContract inspects the deployed contract.
	CheckContract(ctx context.Context) evm.ContractReport
}

// Deps are the collaborators of the payment service.
type Deps struct {
	Selector  *evm.Selector
	Contract  *evm.Contract
	Verifier  *evm.Verifier
	Submitter *evm.Submitter
	Listener  *evm.Listener
	Store     Store
	Credits   Crediter
	Network   chains.Network
	// Artifact, when set, is compared against the deployed code by CheckContract.
	Artifact *evm.Artifact
	// VerifyTimeout bounds one shared verification. Zero means no bound
	// beyond the callers' contexts.
	VerifyTimeout time.Duration
	Logger        *slog.Logger
}

type service struct {
	Deps
	group singleflight.Group
}

// NewService creates a new payment service.
func NewService(deps Deps) Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &service{Deps: deps}
}

func (s *service) GetPaymentAmount(ctx context.Context) *big.Int {
	return s.Contract.Resolve(ctx).Amount
}

func (s *service) GetPaymentReceiver(ctx context.Context) common.Address {
	return s.Contract.Resolve(ctx).Receiver
}

func (s *service) GetContractInfo(ctx context.Context) ContractInfo {
	terms := s.Contract.Resolve(ctx)
	info := ContractInfo{
		ContractAddress:  s.Contract.Address().Hex(),
		ContractExists:   terms.Mode == evm.ModeContract,
		PaymentAmount:    evm.WeiToETH(terms.Amount).String(),
		PaymentAmountWei: terms.Amount.String(),
		PaymentReceiver:  terms.Receiver.Hex(),
		Owner:            OwnerNotDeployed,
		Network:          s.Network.DisplayName,
		ChainID:          s.Network.ChainID,
	}

	switch {
	case terms.Mode == evm.ModeContract && terms.ReadErr != nil:
		info.Mode = ModeFallbackDirect
		info.Error = terms.ReadErr.Error()
	case terms.Mode == evm.ModeContract:
		info.Mode = ModeContractPayment
	case terms.ProbeErr != nil:
		info.Mode = ModeFallbackDirect
		info.Error = terms.ProbeErr.Error()
	default:
		info.Mode = ModeDirectPayment
	}

	if terms.Mode == evm.ModeContract {
		if owner, err := s.Contract.ReadOwner(ctx); err == nil {
			info.Owner = owner.Hex()
		} else {
			info.Owner = ""
			s.Logger.Warn("reading contract owner failed", "error", err)
		}
	}
	return info
}

func (s *service) MakePayment(ctx context.Context, from common.Address) (*evm.Submission, error) {
	if s.Submitter == nil {
		return nil, ErrNoSigner
	}
	return s.Submitter.Submit(ctx, from)
}

func (s *service) Signers() []common.Address {
	if s.Submitter == nil {
		return nil
	}
	return s.Submitter.Signers()
}

func (s *service) VerifyPayment(ctx context.Context, txHash, sender string) *evm.Result {
	hash, err := evm.ParseTxHash(txHash)
	if err != nil {
		// Let the verifier produce the permanent_error verdict.
		return s.Verifier.Verify(ctx, txHash, sender)
	}

	// Different expected senders for one hash get separate verdicts.
	key := hash.Hex() + "|" + strings.ToLower(sender)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		vctx := context.WithoutCancel(ctx)
		if s.VerifyTimeout > 0 {
			var cancel context.CancelFunc
			vctx, cancel = context.WithTimeout(vctx, s.VerifyTimeout)
			defer cancel()
		}
		return s.Verifier.Verify(vctx, hash.Hex(), sender), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.Logger.Debug("verification shared with a concurrent caller", "tx_hash", hash.Hex())
		}
		return res.Val.(*evm.Result)
	case <-ctx.Done():
		return evm.Canceled(hash, ctx.Err())
	}
}

func (s *service) VerifyAndCredit(ctx context.Context, txHash, sender string) (*VerifyOutcome, error) {
	res := s.VerifyPayment(ctx, txHash, sender)
	out := &VerifyOutcome{
		Result:          res,
		Credits:         decimal.Zero,
		Network:         s.Network.DisplayName,
		ContractAddress: s.Contract.Address().Hex(),
	}
	if res.TxHash == (common.Hash{}) {
		return out, nil
	}

	payer := strings.ToLower(sender)
	if res.Sender != (common.Address{}) {
		payer = strings.ToLower(res.Sender.Hex())
	}

	credits, reconcileErr := creditsdomain.Reconcile(res, s.Credits.Rate())
	if reconcileErr == nil && creditsdomain.ToMicros(credits) <= 0 {
		reconcileErr = fmt.Errorf("%w: %s USD rounds to zero", creditsdomain.ErrInvalidAmount, credits)
		credits = decimal.Zero
	}
	if res.Verified && reconcileErr != nil {
		s.Logger.Warn("verified payment carries no creditable amount", "tx_hash", res.TxHash.Hex(), "error", reconcileErr)
	}

	// Persisting is best effort for a canceled caller; the chain verdict stands.
	saveCtx := context.WithoutCancel(ctx)
	if err := s.Store.SavePayment(saveCtx, s.record(res, payer)); err != nil {
		return out, fmt.Errorf("saving payment: %w", err)
	}

	if !res.Verified || reconcileErr != nil {
		return out, nil
	}
	out.Credits = credits
	if payer == "" {
		s.Logger.Warn("verified payment without a known payer, not crediting", "tx_hash", res.TxHash.Hex())
		return out, nil
	}

	u, err := s.Credits.ApplyPayment(saveCtx, res.TxHash.Hex(), payer, credits)
	switch {
	case errors.Is(err, creditsdomain.ErrAlreadyCredited):
		out.AlreadyCredited = true
		if u, err = s.Credits.GetOrCreateUser(saveCtx, payer); err != nil {
			return out, fmt.Errorf("reading balance: %w", err)
		}
	case err != nil:
		return out, fmt.Errorf("applying credits: %w", err)
	}
	out.Balance = &u.Credits
	return out, nil
}

func (s *service) record(res *evm.Result, wallet string) *storage.Payment {
	p := &storage.Payment{
		TxHash:          res.TxHash.Hex(),
		Wallet:          wallet,
		AmountWei:       "0",
		VerifyStatus:    string(res.Status),
		Mode:            string(res.Mode),
		Network:         s.Network.Name,
		ContractAddress: s.Contract.Address().Hex(),
		BlockNumber:     int64(res.BlockNumber),
		GasUsed:         int64(res.GasUsed),
	}
	if res.AmountWei != nil {
		p.AmountWei = res.AmountWei.String()
	}
	switch {
	case res.Verified && !res.Status.Provisional():
		p.Status = storage.PaymentConfirmed
	case res.Err != nil && res.Err.Kind.Permanent():
		p.Status = storage.PaymentFailed
	default:
		p.Status = storage.PaymentPending
	}
	if res.Err != nil {
		p.Error = res.Err.Error()
	}
	return p
}

func (s *service) ListenForPayments(ctx context.Context, sender common.Address) (*evm.Subscription, error) {
	return s.Listener.Subscribe(ctx, sender)
}

func (s *service) GetPayment(ctx context.Context, txHash string) (*Payment, error) {
	hash, err := evm.ParseTxHash(txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTxHash, err)
	}
	p, err := s.Store.GetPayment(ctx, hash.Hex())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting payment: %w", err)
	}
	return toPayment(p), nil
}

func (s *service) ListPayments(ctx context.Context, wallet string, pagination PaginationParams) (*PaymentList, error) {
	if !common.IsHexAddress(wallet) {
		return nil, ErrInvalidWallet
	}
	result, err := s.Store.ListPayments(ctx, wallet, storage.PaginationParams{
		Limit:  pagination.Limit,
		Cursor: pagination.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	payments := make([]Payment, len(result.Data))
	for i := range result.Data {
		payments[i] = *toPayment(&result.Data[i])
	}
	return &PaymentList{Payments: payments, HasMore: result.HasMore, NextCursor: result.NextCursor}, nil
}

func (s *service) TestEndpoints(ctx context.Context) evm.EndpointReport {
	return s.Selector.TestEndpoints(ctx)
}

func (s *service) CheckContract(ctx context.Context) evm.ContractReport {
	return s.Contract.Check(ctx, s.Artifact)
}

func toPayment(p *storage.Payment) *Payment {
	wei, ok := new(big.Int).SetString(p.AmountWei, 10)
	if !ok {
		wei = new(big.Int)
	}
	return &Payment{
		TxHash:          p.TxHash,
		Wallet:          p.Wallet,
		AmountETH:       evm.WeiToETH(wei),
		Credits:         creditsdomain.FromMicros(p.CreditsMicros),
		Status:          p.Status,
		VerifyStatus:    p.VerifyStatus,
		Mode:            p.Mode,
		Network:         p.Network,
		ContractAddress: p.ContractAddress,
		BlockNumber:     p.BlockNumber,
		GasUsed:         p.GasUsed,
		Credited:        p.Credited,
		Error:           p.Error,
		CreatedAt:       parseTime(p.CreatedAt),
		UpdatedAt:       parseTime(p.UpdatedAt),
	}
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}
