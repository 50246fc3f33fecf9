package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContract_ResolveContractMode(t *testing.T) {
	chain := newFakeChain()
	forward := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	chain.deployContract(t, big.NewInt(5000), forward, testReceiver)
	sel, _ := newTestSelector(t, chain)
	c := newTestContract(sel)

	terms := c.Resolve(context.Background())
	assert.Equal(t, ModeContract, terms.Mode)
	assert.Equal(t, testContract, terms.Destination)
	assert.Equal(t, big.NewInt(5000), terms.Amount)
	assert.Equal(t, forward, terms.Receiver)
	assert.Equal(t, GasContractPayment, terms.GasLimit())
	assert.NoError(t, terms.ReadErr)
}

func TestContract_ResolveDirectMode(t *testing.T) {
	sel, _ := newTestSelector(t, newFakeChain())
	c := newTestContract(sel)

	terms := c.Resolve(context.Background())
	assert.Equal(t, ModeDirect, terms.Mode)
	assert.Equal(t, testReceiver, terms.Destination)
	assert.Equal(t, testAmount, terms.Amount)
	assert.Equal(t, GasDirectTransfer, terms.GasLimit())
	assert.NoError(t, terms.ProbeErr)
}

func TestContract_ResolveProbeFailure(t *testing.T) {
	primary, fallback := newFakeChain(), newFakeChain()
	primary.setFail("eth_getCode", errTimeout)
	fallback.setFail("eth_getCode", errTimeout)
	sel, _ := newTestSelector(t, primary, fallback)
	c := newTestContract(sel)

	terms := c.Resolve(context.Background())
	assert.Equal(t, ModeDirect, terms.Mode)
	assert.Error(t, terms.ProbeErr)

	// Defaults are copies.
	terms.Amount.SetInt64(1)
	assert.Equal(t, testAmount, c.Defaults().Amount)
}

func TestContract_ResolveReadFailureUsesDefaults(t *testing.T) {
	chain := newFakeChain()
	chain.code[testContract] = []byte{0x01}
	sel, _ := newTestSelector(t, chain)
	c := newTestContract(sel)

	terms := c.Resolve(context.Background())
	assert.Equal(t, ModeContract, terms.Mode)
	assert.Equal(t, testAmount, terms.Amount)
	assert.Equal(t, testReceiver, terms.Receiver)
	assert.Error(t, terms.ReadErr)
}

func TestContract_ReadOwner(t *testing.T) {
	chain := newFakeChain()
	owner := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	chain.deployContract(t, testAmount, testReceiver, owner)
	sel, _ := newTestSelector(t, chain)

	got, err := newTestContract(sel).ReadOwner(context.Background())
	require.NoError(t, err)
	assert.Equal(t, owner, got)
}

func TestContract_Check(t *testing.T) {
	chain := newFakeChain()
	chain.deployContract(t, testAmount, testReceiver, testReceiver)
	chain.balances[testContract] = big.NewInt(3e17)
	sel, _ := newTestSelector(t, chain)

	report := newTestContract(sel).Check(context.Background(), &Artifact{DeployedBytecode: chain.code[testContract]})
	assert.True(t, report.Deployed)
	assert.Equal(t, 5, report.CodeSize)
	assert.Equal(t, "0.3", report.Balance.String())
	assert.Equal(t, testAmount.String(), report.PaymentAmount)
	assert.Equal(t, testReceiver.Hex(), report.Receiver)
	require.NotNil(t, report.Artifact)
	assert.Equal(t, MatchFull, report.Artifact.MatchType)
	assert.Empty(t, report.Errors)
}

func TestContract_CheckNotDeployed(t *testing.T) {
	sel, _ := newTestSelector(t, newFakeChain())
	report := newTestContract(sel).Check(context.Background(), nil)
	assert.False(t, report.Deployed)
	assert.Empty(t, report.Owner)
	assert.Empty(t, report.CodeHash)
}

func TestParsePaymentLogs(t *testing.T) {
	sender := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	forward := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	tx := common.HexToHash("0x01")

	t.Run("both events", func(t *testing.T) {
		logs := paymentLogs(t, sender, forward, big.NewInt(42), tx, 7)
		got, err := ParsePaymentLogs(logs, testContract)
		require.NoError(t, err)
		require.NotNil(t, got.Received)
		require.NotNil(t, got.Forwarded)
		assert.Equal(t, sender, got.Received.Sender)
		assert.Equal(t, big.NewInt(42), got.Received.Amount)
		assert.Equal(t, uint64(7), got.Received.Block)
		assert.Equal(t, forward, got.Forwarded.Receiver)
	})

	t.Run("forwarded only", func(t *testing.T) {
		logs := paymentLogs(t, sender, forward, big.NewInt(42), tx, 7)[1:]
		got, err := ParsePaymentLogs(logs, testContract)
		require.NoError(t, err)
		assert.Nil(t, got.Received)
		require.NotNil(t, got.Forwarded)
		assert.Equal(t, forward, got.Forwarded.Receiver)
		assert.Equal(t, big.NewInt(42), got.Forwarded.Amount)
	})

	t.Run("malformed forwarded data", func(t *testing.T) {
		logs := paymentLogs(t, sender, forward, big.NewInt(42), tx, 7)
		logs[1].Data = []byte{0x01}
		_, err := ParsePaymentLogs(logs, testContract)
		assert.Error(t, err)
	})

	t.Run("other contract ignored", func(t *testing.T) {
		logs := paymentLogs(t, sender, forward, big.NewInt(42), tx, 7)
		got, err := ParsePaymentLogs(logs, common.HexToAddress("0x01"))
		require.NoError(t, err)
		assert.Nil(t, got.Received)
		assert.Nil(t, got.Forwarded)
	})

	t.Run("unknown events ignored", func(t *testing.T) {
		logs := []*types.Log{{Address: testContract, Topics: []common.Hash{common.HexToHash("0xdead")}}}
		got, err := ParsePaymentLogs(logs, testContract)
		require.NoError(t, err)
		assert.Nil(t, got.Received)
	})

	t.Run("malformed data", func(t *testing.T) {
		logs := paymentLogs(t, sender, forward, big.NewInt(42), tx, 7)
		logs[0].Data = []byte{0x01}
		_, err := ParsePaymentLogs(logs, testContract)
		assert.Error(t, err)
	})
}

func TestWeiToETH(t *testing.T) {
	assert.Equal(t, "0.0001", WeiToETH(testAmount).String())
	assert.True(t, WeiToETH(nil).IsZero())
}
