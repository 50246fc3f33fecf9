package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/pendergraft/querypay/internal/config"
	"github.com/pendergraft/querypay/internal/observability/metrics"
)

var errReceiptTimeout = errors.New("timed out waiting for transaction receipt")

// Verifier confirms that a transaction paid the service. Verification is an
// iterative loop over a bounded number of attempts; every attempt starts by
// locating the transaction again.
type Verifier struct {
	sel      *Selector
	contract *Contract
	chainID  *big.Int
	cfg      config.VerifierConfig
	clock    Clock
	logger   *slog.Logger
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

// WithClock replaces the wall clock used for polling and backoff.
func WithClock(c Clock) VerifierOption {
	return func(v *Verifier) { v.clock = c }
}

// NewVerifier creates a verifier for payments on the chain identified by chainID.
func NewVerifier(sel *Selector, contract *Contract, chainID *big.Int, cfg config.VerifierConfig, logger *slog.Logger, opts ...VerifierOption) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		sel:      sel,
		contract: contract,
		chainID:  new(big.Int).Set(chainID),
		cfg:      cfg,
		clock:    realClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// StrictMode reports whether provisional verdicts are rejected.
func (v *Verifier) StrictMode() bool {
	return v.cfg.StrictMode
}

// Verify checks txHash against the expected sender (optional, empty skips the
// check) and returns the verdict. It always returns a non-nil Result.
func (v *Verifier) Verify(ctx context.Context, txHash, expectedSender string) *Result {
	start := v.clock.Now()
	logger := v.logger.With("tx_hash", txHash)

	res := v.verify(ctx, txHash, expectedSender, logger)

	elapsed := v.clock.Now().Sub(start)
	metrics.PaymentVerify(string(res.Status), res.Verified, string(res.Mode), elapsed)
	attrs := []any{
		"status", res.Status,
		"verified", res.Verified,
		"mode", res.Mode,
		"attempts", res.Attempts,
		"duration_ms", elapsed.Milliseconds(),
	}
	if res.Verified {
		logger.Info("payment verified", append(attrs, "amount_eth", res.Amount().String())...)
	} else {
		logger.Warn("payment not verified", append(attrs, "error", res.Err)...)
	}
	return res
}

func (v *Verifier) verify(ctx context.Context, txHash, expectedSender string, logger *slog.Logger) *Result {
	hash, err := ParseTxHash(txHash)
	if err != nil {
		return failure(StatusPermanentError, common.Hash{}, "invalid transaction hash", err)
	}

	run := &verification{v: v, ctx: ctx, hash: hash, logger: logger}
	if expectedSender != "" {
		if !common.IsHexAddress(expectedSender) {
			return failure(StatusPermanentError, hash, "invalid sender address", nil)
		}
		addr := common.HexToAddress(expectedSender)
		run.expected = &addr
	}
	return run.loop()
}

// ParseTxHash validates a 0x-prefixed 32 byte transaction hash.
func ParseTxHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transaction hash %q: %w", s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("transaction hash %q: want %d bytes, got %d", s, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// Canceled returns the verdict for a verification abandoned because err
// (the context error) ended it.
func Canceled(hash common.Hash, err error) *Result {
	msg := "verification canceled"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "verification timed out"
	}
	return failure(StatusCanceled, hash, msg, err)
}

func failure(status Status, hash common.Hash, msg string, err error) *Result {
	return &Result{
		Status: status,
		TxHash: hash,
		Err: &VerifyError{
			Kind:    KindOf(status),
			Status:  status,
			Message: msg,
			Err:     err,
		},
	}
}

// verification is the state of one call chain.
type verification struct {
	v        *Verifier
	ctx      context.Context
	hash     common.Hash
	expected *common.Address
	logger   *slog.Logger

	// tx is the last successfully fetched transaction; mined tells whether it
	// was in a block at that time.
	tx     *types.Transaction
	mined  bool
	sender common.Address
}

// step is either a terminal result or a request to wait and retry.
type step struct {
	result *Result
	wait   time.Duration
	reason string
}

func done(r *Result) step { return step{result: r} }

func retry(wait time.Duration, reason string) step {
	return step{wait: wait, reason: reason}
}

func (r *verification) loop() *Result {
	for attempt := 0; ; attempt++ {
		r.logger.Debug("verification attempt", "attempt", attempt+1)
		st := r.attempt(attempt)
		if st.result != nil {
			st.result.Attempts = attempt + 1
			st.result.TxHash = r.hash
			return st.result
		}
		r.logger.Info("retrying payment verification",
			"attempt", attempt+1,
			"reason", st.reason,
			"wait", st.wait.String(),
		)
		if err := r.v.clock.Sleep(r.ctx, st.wait); err != nil {
			res := r.canceled(err)
			res.Attempts = attempt + 1
			return res
		}
	}
}

func (r *verification) attempt(n int) step {
	cfg := r.v.cfg

	// Locating
	tx, pending, err := r.fetchTx()
	switch {
	case err == nil:
		r.tx, r.mined = tx, !pending
		if res := r.checkSender(); res != nil {
			return done(res)
		}
	case r.ctx.Err() != nil:
		return done(r.canceled(r.ctx.Err()))
	case errors.Is(err, ethereum.NotFound):
		if n < cfg.NotFoundRetries {
			return retry(cfg.NotFoundDelay, "transaction not found")
		}
		return done(r.fail(StatusNotFound, "transaction not found on the network", nil))
	case IsNetworkError(err):
		if n < cfg.LocateRetries {
			return retry(cfg.LocateRetryDelay, "network error fetching transaction")
		}
		r.logger.Warn("could not fetch transaction, waiting for receipt", "error", err)
	default:
		return r.unexpected(n, err)
	}

	// AwaitingReceipt
	rcpt, err := r.waitReceipt()
	if err == nil {
		return r.onReceipt(n, rcpt, "")
	}
	if r.ctx.Err() != nil {
		return done(r.canceled(r.ctx.Err()))
	}
	if errors.Is(err, errReceiptTimeout) {
		r.logger.Info("receipt wait timed out", "timeout", cfg.ReceiptTimeout.String())
		if st, ok := r.onTimeout(n); ok {
			return st
		}
	}
	return r.receiptError(n, err)
}

func (r *verification) onReceipt(n int, rcpt *types.Receipt, status Status) step {
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return done(r.reverted(rcpt))
	}
	if r.tx == nil {
		tx, pending, err := r.fetchTx()
		if err != nil {
			if r.ctx.Err() != nil {
				return done(r.canceled(r.ctx.Err()))
			}
			return r.receiptError(n, err)
		}
		r.tx, r.mined = tx, !pending
		if res := r.checkSender(); res != nil {
			return done(res)
		}
	}
	return done(r.finalize(rcpt, status))
}

// onTimeout handles an exhausted receipt wait. ok is false when nothing
// could be decided and the generic error handling should apply.
func (r *verification) onTimeout(n int) (step, bool) {
	cfg := r.v.cfg

	if r.tx != nil && r.mined {
		rcpt, err := r.fetchReceipt()
		if err == nil {
			return r.onReceipt(n, rcpt, StatusConfirmedManualReceipt), true
		}
		if r.ctx.Err() != nil {
			return done(r.canceled(r.ctx.Err())), true
		}
		r.logger.Warn("manual receipt fetch failed, using transaction data", "error", err)
		return r.provisional(n, StatusMinedNoReceipt), true
	}

	if r.tx != nil {
		return r.pendingOrRetry(n, cfg.PendingBackoff.Delay(n)), true
	}

	// The transaction was never fetched; look once more.
	tx, pending, err := r.fetchTx()
	if err != nil {
		if r.ctx.Err() != nil {
			return done(r.canceled(r.ctx.Err())), true
		}
		r.logger.Warn("transaction still unavailable after receipt timeout", "error", err)
		return step{}, false
	}
	r.tx, r.mined = tx, !pending
	if res := r.checkSender(); res != nil {
		return done(res), true
	}
	if pending {
		return r.pendingOrRetry(n, cfg.RefetchDelay), true
	}

	rcpt, err := r.fetchReceipt()
	if err == nil {
		return r.onReceipt(n, rcpt, StatusFoundOnRetry), true
	}
	if r.ctx.Err() != nil {
		return done(r.canceled(r.ctx.Err())), true
	}
	return r.provisional(n, StatusFoundOnRetryNoReceipt), true
}

func (r *verification) pendingOrRetry(n int, wait time.Duration) step {
	limit := r.v.cfg.PendingRetries
	if r.v.cfg.StrictMode {
		limit = r.v.cfg.MaxRetries
	}
	if n < limit {
		return retry(wait, "transaction not mined yet")
	}
	return r.provisional(n, StatusPending)
}

func (r *verification) receiptError(n int, err error) step {
	cfg := r.v.cfg
	if IsNetworkError(err) {
		if n >= cfg.MaxRetries {
			return done(r.fail(StatusNetworkErrorMaxRetries, "network error while verifying payment", err))
		}
		return retry(cfg.NetworkBackoff.Delay(n), "network error: "+err.Error())
	}
	if n >= cfg.MaxRetries {
		return done(r.fail(StatusMaxRetriesExceeded, "payment could not be confirmed", err))
	}
	return retry(cfg.ReceiptBackoff.Delay(n), err.Error())
}

func (r *verification) unexpected(n int, err error) step {
	r.logger.Error("unexpected error verifying payment", "error", err)
	if n >= r.v.cfg.MaxRetries {
		return done(r.fail(StatusErrorMaxRetries, "verification failed", err))
	}
	return retry(r.v.cfg.ErrorBackoff.Delay(n), err.Error())
}

func (r *verification) checkSender() *Result {
	sender, err := types.Sender(types.LatestSignerForChainID(r.v.chainID), r.tx)
	if err != nil {
		return r.fail(StatusPermanentError, "cannot recover transaction sender", err)
	}
	r.sender = sender
	if r.expected != nil && sender != *r.expected {
		return r.fail(StatusSenderMismatch,
			fmt.Sprintf("transaction was sent by %s, not %s", sender.Hex(), r.expected.Hex()), nil)
	}
	return nil
}

// destination decides the payment mode from a fresh probe. A probe that
// failed outright is not trusted to rule out the contract, so a transaction
// addressed to the contract is still treated as a contract payment.
func (r *verification) destination() (mode Mode, ok bool) {
	contract := r.v.contract
	exists, probeErr := contract.Exists(r.ctx)
	to := r.tx.To()

	switch {
	case exists:
		return ModeContract, to != nil && *to == contract.Address()
	case probeErr != nil && to != nil && *to == contract.Address():
		r.logger.Warn("contract probe failed, accepting transaction addressed to contract", "error", probeErr)
		return ModeContract, true
	default:
		r.logger.Info("payment contract unavailable, verifying as direct payment",
			"receiver", contract.Defaults().Receiver.Hex())
		return ModeDirect, to != nil && *to == contract.Defaults().Receiver
	}
}

// finalize runs the destination check and amount extraction on a
// successful receipt. status overrides the default confirmed tag.
func (r *verification) finalize(rcpt *types.Receipt, status Status) *Result {
	mode, ok := r.destination()
	res := r.fromTx()
	res.Mode = mode
	if rcpt.BlockNumber != nil {
		res.BlockNumber = rcpt.BlockNumber.Uint64()
	}
	res.GasUsed = rcpt.GasUsed

	if !ok {
		return r.wrongRecipient(res)
	}

	contract := r.v.contract.Address()
	if mode == ModeContract {
		res.Receiver = contract
		res.Status = StatusConfirmed
		logs, err := ParsePaymentLogs(rcpt.Logs, contract)
		if err != nil {
			r.logger.Warn("could not parse contract events, using transaction value", "error", err)
			res.Status = StatusConfirmedNoEvents
		} else {
			if logs.Received != nil {
				res.AmountWei = new(big.Int).Set(logs.Received.Amount)
			}
			if logs.Forwarded != nil {
				res.Receiver = logs.Forwarded.Receiver
			}
		}
	} else {
		res.Receiver = r.v.contract.Defaults().Receiver
		res.Status = StatusConfirmedDirect
	}

	if status != "" {
		res.Status = status
	}
	res.Verified = true
	return res
}

// provisional builds a verdict from the transaction alone, used when the
// funds moved (or are about to) but no receipt could be read.
func (r *verification) provisional(n int, status Status) step {
	mode, ok := r.destination()
	res := r.fromTx()
	res.Mode = mode
	if !ok {
		return done(r.wrongRecipient(res))
	}
	if to := r.tx.To(); to != nil {
		res.Receiver = *to
	}
	res.Status = status

	if r.v.cfg.StrictMode {
		if n < r.v.cfg.MaxRetries {
			return retry(r.v.cfg.PendingBackoff.Delay(n), "no receipt yet (strict mode)")
		}
		res.Err = &VerifyError{
			Kind:    KindPending,
			Status:  status,
			Message: "transaction has no confirmed receipt yet",
		}
		return done(res)
	}

	r.logger.Warn("accepting payment without a confirmed receipt", "status", status)
	res.Verified = true
	return done(res)
}

func (r *verification) fromTx() *Result {
	return &Result{
		TxHash:    r.hash,
		Sender:    r.sender,
		AmountWei: new(big.Int).Set(r.tx.Value()),
	}
}

func (r *verification) wrongRecipient(res *Result) *Result {
	to := "contract creation"
	if r.tx.To() != nil {
		to = r.tx.To().Hex()
	}
	res.Verified = false
	res.Status = StatusWrongRecipient
	res.Err = &VerifyError{
		Kind:    KindWrongRecipient,
		Status:  StatusWrongRecipient,
		Message: fmt.Sprintf("transaction was sent to %s, not the %s payment address", to, res.Mode),
	}
	return res
}

func (r *verification) reverted(rcpt *types.Receipt) *Result {
	res := r.fail(StatusFailed, "transaction reverted", nil)
	if rcpt.BlockNumber != nil {
		res.BlockNumber = rcpt.BlockNumber.Uint64()
	}
	res.GasUsed = rcpt.GasUsed
	return res
}

func (r *verification) fail(status Status, msg string, err error) *Result {
	res := failure(status, r.hash, msg, err)
	res.Sender = r.sender
	return res
}

func (r *verification) canceled(err error) *Result {
	res := Canceled(r.hash, err)
	res.Sender = r.sender
	return res
}

func (r *verification) fetchTx() (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := r.v.sel.Do(r.ctx, "eth_getTransactionByHash", func(ctx context.Context, c Client) error {
		var err error
		tx, pending, err = c.TransactionByHash(ctx, r.hash)
		return err
	})
	return tx, pending, err
}

func (r *verification) fetchReceipt() (*types.Receipt, error) {
	var rcpt *types.Receipt
	err := r.v.sel.Do(r.ctx, "eth_getTransactionReceipt", func(ctx context.Context, c Client) error {
		var err error
		rcpt, err = c.TransactionReceipt(ctx, r.hash)
		return err
	})
	return rcpt, err
}

// waitReceipt polls for the receipt until it appears or the receipt
// timeout passes. Errors other than "not found" end the wait.
func (r *verification) waitReceipt() (*types.Receipt, error) {
	clock := r.v.clock
	deadline := clock.Now().Add(r.v.cfg.ReceiptTimeout)
	for {
		rcpt, err := r.fetchReceipt()
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		if !clock.Now().Before(deadline) {
			return nil, errReceiptTimeout
		}
		if err := clock.Sleep(r.ctx, r.v.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}
