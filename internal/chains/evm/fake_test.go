package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/querypay/internal/config"
)

var (
	testChainID  = big.NewInt(84532)
	testContract = common.HexToAddress("0x225d97fe3049E2B834bfC69edA125Df52a7F0255")
	testReceiver = common.HexToAddress("0x3984632D6767FE866d602e5926015DDcFE4e11FB")
	testAmount   = big.NewInt(100000000000000)
	errDialFail  = errors.New("dial tcp: connection refused")
	errTimeout   = errors.New("i/o timeout")
)

// fakeChain is an in-memory Client. Errors set in fail are returned by the
// named method on every call.
type fakeChain struct {
	mu       sync.Mutex
	code     map[common.Address][]byte
	balances map[common.Address]*big.Int
	txs      map[common.Hash]*types.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*types.Receipt
	logs     []types.Log
	views    map[string][]byte
	head     uint64
	nonce    uint64
	gasPrice *big.Int
	sent     []*types.Transaction
	calls    map[string]int
	fail     map[string]error
	// receiptAfter hides a receipt until it was asked for this many times.
	receiptAfter map[common.Hash]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		code:         make(map[common.Address][]byte),
		balances:     make(map[common.Address]*big.Int),
		txs:          make(map[common.Hash]*types.Transaction),
		pending:      make(map[common.Hash]bool),
		receipts:     make(map[common.Hash]*types.Receipt),
		views:        make(map[string][]byte),
		head:         100,
		gasPrice:     big.NewInt(1_000_000_000),
		calls:        make(map[string]int),
		fail:         make(map[string]error),
		receiptAfter: make(map[common.Hash]int),
	}
}

func (f *fakeChain) enter(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	return f.fail[method]
}

func (f *fakeChain) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeChain) setFail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
		return
	}
	f.fail[method] = err
}

// deployContract installs code and view results for the payment contract.
func (f *fakeChain) deployContract(t *testing.T, amount *big.Int, receiver, owner common.Address) {
	t.Helper()
	f.code[testContract] = []byte{0x60, 0x80, 0x60, 0x40, 0x52}
	for method, val := range map[string]interface{}{
		"paymentAmount":   amount,
		"paymentReceiver": receiver,
		"owner":           owner,
	} {
		out, err := PaymentABI.Methods[method].Outputs.Pack(val)
		require.NoError(t, err)
		f.views[method] = out
	}
}

func (f *fakeChain) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if err := f.enter("eth_getCode"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[account], nil
}

func (f *fakeChain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if err := f.enter("eth_getBalance"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := f.enter("eth_call"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.To == nil || len(f.code[*msg.To]) == 0 || len(msg.Data) < 4 {
		return nil, nil
	}
	m, err := PaymentABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, errors.New("execution reverted")
	}
	return f.views[m.Name], nil
}

func (f *fakeChain) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := f.enter("eth_getTransactionByHash"); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, f.pending[hash], nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := f.enter("eth_getTransactionReceipt"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.receiptAfter[hash]; n > 0 {
		f.receiptAfter[hash] = n - 1
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	if err := f.enter("eth_blockNumber"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	if err := f.enter("eth_getTransactionCount"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	if err := f.enter("eth_gasPrice"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if err := f.enter("eth_sendRawTransaction"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.txs[tx.Hash()] = tx
	f.pending[tx.Hash()] = true
	f.nonce++
	return nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := f.enter("eth_getLogs"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, lg := range f.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Topics) > 1 && len(q.Topics[1]) > 0 && (len(lg.Topics) < 2 || lg.Topics[1] != q.Topics[1][0]) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *fakeChain) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	if err := f.enter("eth_subscribe"); err != nil {
		return nil, err
	}
	return nil, errors.New("notifications not supported")
}

func (f *fakeChain) Close() {}

// addTx signs a legacy transfer from key to `to` and stores it.
func (f *fakeChain) addTx(t *testing.T, key *ecdsa.PrivateKey, to common.Address, value *big.Int, pending bool) *types.Transaction {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := types.NewTransaction(f.nonce, to, value, GasContractPayment, big.NewInt(1_000_000_000), nil)
	f.nonce++
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(testChainID), key)
	require.NoError(t, err)
	f.txs[signed.Hash()] = signed
	f.pending[signed.Hash()] = pending
	return signed
}

func (f *fakeChain) addReceipt(tx *types.Transaction, status uint64, logs ...*types.Log) *types.Receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     tx.Gas() / 2,
		BlockNumber: new(big.Int).SetUint64(f.head),
		Logs:        logs,
	}
	f.receipts[tx.Hash()] = r
	f.pending[tx.Hash()] = false
	return r
}

func paymentLogs(t *testing.T, sender, receiver common.Address, amount *big.Int, tx common.Hash, block uint64) []*types.Log {
	t.Helper()
	data, err := PaymentABI.Events[EventPaymentReceived].Inputs.NonIndexed().Pack(amount)
	require.NoError(t, err)
	return []*types.Log{
		{
			Address:     testContract,
			Topics:      []common.Hash{PaymentABI.Events[EventPaymentReceived].ID, common.BytesToHash(sender.Bytes())},
			Data:        data,
			TxHash:      tx,
			BlockNumber: block,
			Index:       0,
		},
		{
			Address:     testContract,
			Topics:      []common.Hash{PaymentABI.Events[EventPaymentForwarded].ID, common.BytesToHash(receiver.Bytes())},
			Data:        data,
			TxHash:      tx,
			BlockNumber: block,
			Index:       1,
		},
	}
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// newTestSelector wires fakes to made-up endpoint URLs, in order.
func newTestSelector(t *testing.T, chains ...*fakeChain) (*Selector, []string) {
	t.Helper()
	urls := make([]string, len(chains))
	byURL := make(map[string]*fakeChain, len(chains))
	for i, c := range chains {
		urls[i] = "https://rpc" + string(rune('a'+i)) + ".example.org"
		byURL[urls[i]] = c
	}
	sel, err := NewSelector(urls, WithDialer(func(_ context.Context, u string) (Client, error) {
		c, ok := byURL[u]
		if !ok || c == nil {
			return nil, errDialFail
		}
		return c, nil
	}))
	require.NoError(t, err)
	return sel, urls
}

func newTestContract(sel *Selector) *Contract {
	return NewContract(testContract, sel, NewProbe(sel, time.Second, nil),
		Defaults{Amount: testAmount, Receiver: testReceiver}, nil)
}

// fakeClock advances instantly on Sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	// onSleep runs after each sleep, to change the fake chain between attempts.
	onSleep func(n int)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	n := len(c.sleeps)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func testVerifierConfig() config.VerifierConfig {
	cfg := config.DefaultVerifierConfig()
	cfg.ReceiptTimeout = 10 * time.Second
	cfg.PollInterval = 2 * time.Second
	return cfg
}
