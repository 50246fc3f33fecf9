package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pendergraft/querypay/internal/observability/metrics"
)

// Signer signs transactions on behalf of one account.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner parses a hex private key, with or without 0x prefix.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signing account.
func (s *KeySigner) Address() common.Address {
	return s.addr
}

// SignTx signs tx for chainID.
func (s *KeySigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// Submission is a broadcast payment.
type Submission struct {
	TxHash common.Hash
	From   common.Address
	Terms  Terms
	Nonce  uint64
}

// Submitter builds, signs and broadcasts payment transactions.
type Submitter struct {
	sel      *Selector
	contract *Contract
	chainID  *big.Int
	logger   *slog.Logger

	mu      sync.RWMutex
	signers map[common.Address]Signer
}

// NewSubmitter creates a submitter with no registered signers.
func NewSubmitter(sel *Selector, contract *Contract, chainID *big.Int, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		sel:      sel,
		contract: contract,
		chainID:  new(big.Int).Set(chainID),
		logger:   logger,
		signers:  make(map[common.Address]Signer),
	}
}

// Register makes a signer available for its address.
func (s *Submitter) Register(signer Signer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signers[signer.Address()] = signer
}

// Signers returns the addresses that can pay.
func (s *Submitter) Signers() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, 0, len(s.signers))
	for a := range s.signers {
		out = append(out, a)
	}
	return out
}

func (s *Submitter) signer(addr common.Address) (Signer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.signers[addr]
	return sg, ok
}

// Submit sends one payment from the given account and returns as soon as
// the transaction is accepted by an endpoint. It does not wait for mining.
func (s *Submitter) Submit(ctx context.Context, from common.Address) (*Submission, error) {
	signer, ok := s.signer(from)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSignerUnavailable, from.Hex())
	}

	terms := s.contract.Resolve(ctx)

	var nonce uint64
	if err := s.sel.Do(ctx, "eth_getTransactionCount", func(ctx context.Context, c Client) error {
		var err error
		nonce, err = c.PendingNonceAt(ctx, from)
		return err
	}); err != nil {
		metrics.PaymentSubmit(string(terms.Mode), "error")
		return nil, fmt.Errorf("getting nonce: %w", err)
	}

	var gasPrice *big.Int
	if err := s.sel.Do(ctx, "eth_gasPrice", func(ctx context.Context, c Client) error {
		var err error
		gasPrice, err = c.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		metrics.PaymentSubmit(string(terms.Mode), "error")
		return nil, fmt.Errorf("getting gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, terms.Destination, terms.Amount, terms.GasLimit(), gasPrice, nil)
	signed, err := signer.SignTx(ctx, tx, s.chainID)
	if err != nil {
		metrics.PaymentSubmit(string(terms.Mode), "cancelled")
		return nil, fmt.Errorf("%w: %v", ErrPaymentCancelled, err)
	}

	// Resending the same signed transaction to a fallback is safe: it has
	// the same hash and nonce.
	err = s.sel.Do(ctx, "eth_sendRawTransaction", func(ctx context.Context, c Client) error {
		sendErr := c.SendTransaction(ctx, signed)
		if sendErr != nil && strings.Contains(strings.ToLower(sendErr.Error()), "already known") {
			return nil
		}
		return sendErr
	})
	if err != nil {
		metrics.PaymentSubmit(string(terms.Mode), "error")
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return nil, fmt.Errorf("sending transaction: %w", err)
	}

	metrics.PaymentSubmit(string(terms.Mode), "sent")
	s.logger.Info("payment submitted",
		"tx_hash", signed.Hash().Hex(),
		"from", from.Hex(),
		"to", terms.Destination.Hex(),
		"mode", terms.Mode,
		"amount_eth", WeiToETH(terms.Amount).String(),
		"gas", terms.GasLimit(),
	)
	return &Submission{TxHash: signed.Hash(), From: from, Terms: terms, Nonce: nonce}, nil
}
