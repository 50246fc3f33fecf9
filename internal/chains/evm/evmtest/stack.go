package evmtest

import (
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pendergraft/querypay/internal/chains/evm"
	"github.com/pendergraft/querypay/internal/config"
)

// Addresses and terms used by Stack. They match the service defaults.
var (
	ChainID         = big.NewInt(84532)
	ContractAddress = common.HexToAddress("0x225d97fe3049E2B834bfC69edA125Df52a7F0255")
	Receiver        = common.HexToAddress("0x3984632D6767FE866d602e5926015DDcFE4e11FB")
	PaymentAmount   = big.NewInt(100000000000000)
	OneETH          = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// VerifierConfig returns verifier settings with millisecond waits.
func VerifierConfig() config.VerifierConfig {
	cfg := config.DefaultVerifierConfig()
	cfg.NotFoundRetries = 2
	cfg.NotFoundDelay = 5 * time.Millisecond
	cfg.LocateRetryDelay = 5 * time.Millisecond
	cfg.ReceiptTimeout = 200 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PendingBackoff = config.Backoff{Base: 5 * time.Millisecond, Factor: 1.5, Max: 10 * time.Millisecond}
	cfg.NetworkBackoff = cfg.PendingBackoff
	cfg.ReceiptBackoff = cfg.PendingBackoff
	cfg.ErrorBackoff = cfg.PendingBackoff
	cfg.RefetchDelay = 5 * time.Millisecond
	cfg.Timeout = 10 * time.Second
	return cfg
}

// Stack is the evm component graph wired to a test chain.
type Stack struct {
	Chain     *Chain
	Selector  *evm.Selector
	Contract  *evm.Contract
	Verifier  *evm.Verifier
	Submitter *evm.Submitter
	Listener  *evm.Listener
}

// NewStack starts a chain, deploys the payment contract when deploy is
// set, and wires the evm components against it.
func NewStack(tb testing.TB, deploy bool) *Stack {
	tb.Helper()
	chain := New(tb, ChainID)
	if deploy {
		chain.DeployPaymentContract(tb, ContractAddress, PaymentAmount, Receiver, Receiver)
	}

	sel, err := evm.NewSelector([]string{chain.URL()}, evm.WithCallTimeout(5*time.Second))
	if err != nil {
		tb.Fatalf("creating selector: %v", err)
	}
	tb.Cleanup(sel.Close)

	c := evm.NewContract(ContractAddress, sel, evm.NewProbe(sel, 5*time.Second, nil),
		evm.Defaults{Amount: PaymentAmount, Receiver: Receiver}, nil)

	return &Stack{
		Chain:     chain,
		Selector:  sel,
		Contract:  c,
		Verifier:  evm.NewVerifier(sel, c, ChainID, VerifierConfig(), nil),
		Submitter: evm.NewSubmitter(sel, c, ChainID, nil),
		Listener:  evm.NewListener(sel, c, 10*time.Millisecond, nil),
	}
}

// NewSigner funds a fresh key with one ETH and registers it with the
// submitter.
func (s *Stack) NewSigner(tb testing.TB) (common.Address, *ecdsa.PrivateKey) {
	tb.Helper()
	key := s.Chain.NewFundedKey(tb, OneETH)
	signer, err := evm.NewKeySigner(hex.EncodeToString(crypto.FromECDSA(key)))
	if err != nil {
		tb.Fatalf("creating signer: %v", err)
	}
	s.Submitter.Register(signer)
	return signer.Address(), key
}
