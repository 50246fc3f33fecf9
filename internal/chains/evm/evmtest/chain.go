// Package evmtest runs an in-memory EVM JSON-RPC endpoint for tests. It
// serves the calls the payment flows make over HTTP (so log subscriptions
// are unsupported and listeners fall back to polling) and simulates the
// forwarding payment contract.
package evmtest

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/pendergraft/querypay/internal/chains/evm"
)

// GasPrice is the fixed gas price the chain reports.
var GasPrice = big.NewInt(1_000_000_000)

const contractGasUsed = 48_000

// Chain is a single-node test chain.
type Chain struct {
	ChainID *big.Int

	mu        sync.Mutex
	head      uint64
	code      map[common.Address][]byte
	balances  map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	txs       map[common.Hash]*txEntry
	order     []common.Hash
	logs      []types.Log
	views     map[string][]byte
	contract  common.Address
	forwardTo common.Address
	autoMine  bool
	failNext  bool
	down      bool

	server *httptest.Server
}

type txEntry struct {
	tx      *types.Transaction
	from    common.Address
	mined   bool
	block   uint64
	index   uint
	receipt *types.Receipt
}

// New starts a chain at block 100 with automatic mining. The server is
// closed when the test ends.
func New(tb testing.TB, chainID *big.Int) *Chain {
	tb.Helper()
	c := &Chain{
		ChainID:  new(big.Int).Set(chainID),
		head:     100,
		code:     make(map[common.Address][]byte),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		txs:      make(map[common.Hash]*txEntry),
		views:    make(map[string][]byte),
		autoMine: true,
	}

	srv := rpc.NewServer()
	if err := srv.RegisterName("eth", &ethAPI{c: c}); err != nil {
		tb.Fatalf("registering eth api: %v", err)
	}
	c.server = httptest.NewServer(&availability{c: c, next: srv})
	tb.Cleanup(func() {
		c.server.Close()
		srv.Stop()
	})
	return c
}

// URL is the HTTP JSON-RPC endpoint.
func (c *Chain) URL() string {
	return c.server.URL
}

// DeployPaymentContract installs the forwarding contract at addr.
func (c *Chain) DeployPaymentContract(tb testing.TB, addr common.Address, amount *big.Int, receiver, owner common.Address) {
	tb.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.code[addr] = common.FromHex("0x6080604052348015600f57600080fd5b50a2646970667358221220")
	c.contract = addr
	c.forwardTo = receiver
	for method, val := range map[string]interface{}{
		"paymentAmount":   amount,
		"paymentReceiver": receiver,
		"owner":           owner,
	} {
		out, err := evm.PaymentABI.Methods[method].Outputs.Pack(val)
		if err != nil {
			tb.Fatalf("packing %s: %v", method, err)
		}
		c.views[method] = out
	}
}

// Fund credits addr with wei.
func (c *Chain) Fund(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance(addr).Add(c.balance(addr), wei)
}

// Balance returns the balance of addr.
func (c *Chain) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance(addr))
}

// SetAutoMine controls whether accepted transactions are mined at once.
func (c *Chain) SetAutoMine(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoMine = on
}

// FailNext makes the next mined transaction revert.
func (c *Chain) FailNext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = true
}

// SetDown makes every request fail with 503, simulating an outage.
func (c *Chain) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

// Mine puts every pending transaction into a new block.
func (c *Chain) Mine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minePending()
}

// Head returns the current block number.
func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Transfer signs and submits a legacy transaction from key, the way a wallet
// would, and returns it.
func (c *Chain) Transfer(tb testing.TB, key *ecdsa.PrivateKey, to common.Address, value *big.Int) *types.Transaction {
	tb.Helper()
	from := crypto.PubkeyToAddress(key.PublicKey)

	c.mu.Lock()
	nonce := c.nonces[from]
	gas := evm.GasDirectTransfer
	if to == c.contract && len(c.code[to]) > 0 {
		gas = evm.GasContractPayment
	}
	c.mu.Unlock()

	tx := types.NewTransaction(nonce, to, value, gas, GasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.ChainID), key)
	if err != nil {
		tb.Fatalf("signing transaction: %v", err)
	}
	if err := c.submit(signed); err != nil {
		tb.Fatalf("submitting transaction: %v", err)
	}
	return signed
}

// NewFundedKey returns a fresh key whose account holds wei.
func (c *Chain) NewFundedKey(tb testing.TB, wei *big.Int) *ecdsa.PrivateKey {
	tb.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		tb.Fatalf("generating key: %v", err)
	}
	c.Fund(crypto.PubkeyToAddress(key.PublicKey), wei)
	return key
}

func (c *Chain) balance(addr common.Address) *big.Int {
	b, ok := c.balances[addr]
	if !ok {
		b = new(big.Int)
		c.balances[addr] = b
	}
	return b
}

func (c *Chain) submit(tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(c.ChainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.txs[tx.Hash()]; ok {
		return errors.New("already known")
	}
	if tx.Nonce() != c.nonces[from] {
		return fmt.Errorf("invalid nonce: have %d, want %d", tx.Nonce(), c.nonces[from])
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasPrice())
	cost.Add(cost, tx.Value())
	if c.balance(from).Cmp(cost) < 0 {
		return errors.New("insufficient funds for gas * price + value")
	}

	c.nonces[from]++
	c.txs[tx.Hash()] = &txEntry{tx: tx, from: from}
	c.order = append(c.order, tx.Hash())
	if c.autoMine {
		c.minePending()
	}
	return nil
}

func (c *Chain) minePending() {
	var pending []*txEntry
	for _, h := range c.order {
		if e := c.txs[h]; !e.mined {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return
	}

	c.head++
	blockHash := common.BigToHash(new(big.Int).SetUint64(c.head))
	var logIndex uint
	for i, e := range pending {
		e.mined, e.block, e.index = true, c.head, uint(i)
		r := &types.Receipt{
			Type:              types.LegacyTxType,
			Status:            types.ReceiptStatusSuccessful,
			TxHash:            e.tx.Hash(),
			GasUsed:           21_000,
			EffectiveGasPrice: e.tx.GasPrice(),
			BlockHash:         blockHash,
			BlockNumber:       new(big.Int).SetUint64(c.head),
			TransactionIndex:  uint(i),
			Logs:              []*types.Log{},
		}
		toContract := e.tx.To() != nil && *e.tx.To() == c.contract && len(c.code[c.contract]) > 0
		if toContract {
			r.GasUsed = contractGasUsed
		}

		fee := new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), e.tx.GasPrice())
		c.balance(e.from).Sub(c.balance(e.from), fee)

		if c.failNext {
			c.failNext = false
			r.Status = types.ReceiptStatusFailed
		} else {
			c.balance(e.from).Sub(c.balance(e.from), e.tx.Value())
			switch {
			case toContract:
				c.balance(c.forwardTo).Add(c.balance(c.forwardTo), e.tx.Value())
				r.Logs = c.paymentLogs(e, blockHash, &logIndex)
			case e.tx.To() != nil:
				c.balance(*e.tx.To()).Add(c.balance(*e.tx.To()), e.tx.Value())
			}
		}
		r.CumulativeGasUsed = r.GasUsed
		e.receipt = r
	}
}

func (c *Chain) paymentLogs(e *txEntry, blockHash common.Hash, logIndex *uint) []*types.Log {
	received := evm.PaymentABI.Events[evm.EventPaymentReceived]
	forwarded := evm.PaymentABI.Events[evm.EventPaymentForwarded]
	data, _ := received.Inputs.NonIndexed().Pack(e.tx.Value())

	topics := [][]common.Hash{
		{received.ID, common.BytesToHash(e.from.Bytes())},
		{forwarded.ID, common.BytesToHash(c.forwardTo.Bytes())},
	}
	out := make([]*types.Log, 0, len(topics))
	for _, tp := range topics {
		lg := &types.Log{
			Address:     c.contract,
			Topics:      tp,
			Data:        data,
			BlockNumber: e.block,
			TxHash:      e.tx.Hash(),
			TxIndex:     e.index,
			BlockHash:   blockHash,
			Index:       *logIndex,
		}
		*logIndex++
		out = append(out, lg)
		c.logs = append(c.logs, *lg)
	}
	return out
}
