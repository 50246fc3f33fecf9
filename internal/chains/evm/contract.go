package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// PaymentContractABI is the interface of the forwarding payment contract.
const PaymentContractABI = `[
  {"type":"constructor","stateMutability":"nonpayable","inputs":[
    {"name":"_paymentReceiver","type":"address"},
    {"name":"_paymentAmount","type":"uint256"}]},
  {"type":"event","name":"PaymentForwarded","anonymous":false,"inputs":[
    {"name":"receiver","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentReceived","anonymous":false,"inputs":[
    {"name":"sender","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"paymentAmount","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"paymentReceiver","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"setPaymentAmount","stateMutability":"nonpayable",
    "inputs":[{"name":"_newAmount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"setPaymentReceiver","stateMutability":"nonpayable",
    "inputs":[{"name":"_newReceiver","type":"address"}],"outputs":[]},
  {"type":"receive","stateMutability":"payable"}
]`

// PaymentABI is the parsed PaymentContractABI.
var PaymentABI = mustParseABI(PaymentContractABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parsing payment contract ABI: %v", err))
	}
	return parsed
}

// Event names
const (
	EventPaymentReceived  = "PaymentReceived"
	EventPaymentForwarded = "PaymentForwarded"
)

// Gas limits for the two payment modes. The contract path runs the receive
// handler, which emits two events and forwards the value.
const (
	GasDirectTransfer  uint64 = 21000
	GasContractPayment uint64 = 100000
)

// Mode is the routing chosen for a payment.
type Mode string

const (
	ModeContract Mode = "contract"
	ModeDirect   Mode = "direct"
)

// Defaults are used whenever the contract cannot be read.
type Defaults struct {
	Amount   *big.Int
	Receiver common.Address
}

// Contract reads the payment contract through a Selector.
type Contract struct {
	address  common.Address
	sel      *Selector
	probe    *Probe
	defaults Defaults
	logger   *slog.Logger
}

// NewContract creates a binding for the contract at address.
func NewContract(address common.Address, sel *Selector, probe *Probe, defaults Defaults, logger *slog.Logger) *Contract {
	if logger == nil {
		logger = slog.Default()
	}
	return &Contract{
		address:  address,
		sel:      sel,
		probe:    probe,
		defaults: defaults,
		logger:   logger,
	}
}

// Address returns the configured contract address.
func (c *Contract) Address() common.Address {
	return c.address
}

// Defaults returns the fallback amount and receiver.
func (c *Contract) Defaults() Defaults {
	return Defaults{Amount: new(big.Int).Set(c.defaults.Amount), Receiver: c.defaults.Receiver}
}

// Exists runs a fresh code probe for the contract address.
func (c *Contract) Exists(ctx context.Context) (bool, error) {
	return c.probe.Exists(ctx, c.address)
}

func (c *Contract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := PaymentABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}

	var out []byte
	err = c.sel.Do(ctx, "eth_call:"+method, func(ctx context.Context, cl Client) error {
		var callErr error
		out, callErr = cl.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no data", method)
	}

	vals, err := PaymentABI.Methods[method].Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(vals))
	}
	return vals, nil
}

// ReadPaymentAmount calls paymentAmount().
func (c *Contract) ReadPaymentAmount(ctx context.Context) (*big.Int, error) {
	vals, err := c.call(ctx, "paymentAmount")
	if err != nil {
		return nil, err
	}
	amount, ok := vals[0].(*big.Int)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("paymentAmount returned %v", vals[0])
	}
	return amount, nil
}

// ReadPaymentReceiver calls paymentReceiver().
func (c *Contract) ReadPaymentReceiver(ctx context.Context) (common.Address, error) {
	return c.readAddress(ctx, "paymentReceiver")
}

// ReadOwner calls owner().
func (c *Contract) ReadOwner(ctx context.Context) (common.Address, error) {
	return c.readAddress(ctx, "owner")
}

func (c *Contract) readAddress(ctx context.Context, method string) (common.Address, error) {
	vals, err := c.call(ctx, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s returned %T", method, vals[0])
	}
	return addr, nil
}

// Terms are the amount and destination resolved for one payment attempt.
type Terms struct {
	Mode        Mode
	Destination common.Address
	Amount      *big.Int
	Receiver    common.Address
	// ProbeErr is set when the probe failed and direct mode was chosen as a fallback.
	ProbeErr error
	// ReadErr is set when the contract exists but a view call failed and a default was used.
	ReadErr error
}

// GasLimit returns the gas limit for the resolved mode.
func (t Terms) GasLimit() uint64 {
	if t.Mode == ModeContract {
		return GasContractPayment
	}
	return GasDirectTransfer
}

// Resolve probes the contract and reads the amount and receiver, falling
// back to the defaults for anything that cannot be read.
func (c *Contract) Resolve(ctx context.Context) Terms {
	exists, probeErr := c.Exists(ctx)
	if !exists {
		c.logger.Info("payment contract unavailable, using direct payment mode",
			"contract", c.address.Hex(),
			"receiver", c.defaults.Receiver.Hex(),
			"probe_error", errString(probeErr),
		)
		return Terms{
			Mode:        ModeDirect,
			Destination: c.defaults.Receiver,
			Amount:      new(big.Int).Set(c.defaults.Amount),
			Receiver:    c.defaults.Receiver,
			ProbeErr:    probeErr,
		}
	}

	t := Terms{
		Mode:        ModeContract,
		Destination: c.address,
		Amount:      new(big.Int).Set(c.defaults.Amount),
		Receiver:    c.defaults.Receiver,
	}
	if amount, err := c.ReadPaymentAmount(ctx); err == nil {
		t.Amount = amount
	} else {
		c.logger.Warn("reading paymentAmount failed, using default", "error", err)
		t.ReadErr = err
	}
	if receiver, err := c.ReadPaymentReceiver(ctx); err == nil {
		t.Receiver = receiver
	} else {
		c.logger.Warn("reading paymentReceiver failed, using default", "error", err)
		t.ReadErr = errors.Join(t.ReadErr, err)
	}
	return t
}

// PaymentReceived is a decoded PaymentReceived log.
type PaymentReceived struct {
	Sender   common.Address
	Amount   *big.Int
	TxHash   common.Hash
	Block    uint64
	LogIndex uint
}

// PaymentForwarded is a decoded PaymentForwarded log.
type PaymentForwarded struct {
	Receiver common.Address
	Amount   *big.Int
}

// PaymentLogs holds the first occurrence of each payment event in a receipt.
type PaymentLogs struct {
	Received  *PaymentReceived
	Forwarded *PaymentForwarded
}

// ParsePaymentLogs decodes the contract's payment events from logs emitted
// by contract. Logs from other addresses and unknown events are ignored; a
// known event with malformed topics or data is an error.
func ParsePaymentLogs(logs []*types.Log, contract common.Address) (PaymentLogs, error) {
	var out PaymentLogs
	for _, lg := range logs {
		if lg == nil || lg.Address != contract || len(lg.Topics) == 0 {
			continue
		}
		ev, err := PaymentABI.EventByID(lg.Topics[0])
		if err != nil {
			continue
		}

		switch ev.Name {
		case EventPaymentReceived:
			if out.Received != nil {
				continue
			}
			r, err := decodePaymentReceived(*lg)
			if err != nil {
				return PaymentLogs{}, err
			}
			out.Received = &r
		case EventPaymentForwarded:
			if out.Forwarded != nil {
				continue
			}
			amount, err := unpackAmount(*ev, lg.Data)
			if err != nil {
				return PaymentLogs{}, err
			}
			if len(lg.Topics) != 2 {
				return PaymentLogs{}, fmt.Errorf("%s: expected 2 topics, got %d", ev.Name, len(lg.Topics))
			}
			out.Forwarded = &PaymentForwarded{
				Receiver: common.BytesToAddress(lg.Topics[1].Bytes()),
				Amount:   amount,
			}
		}
	}
	return out, nil
}

func decodePaymentReceived(lg types.Log) (PaymentReceived, error) {
	ev := PaymentABI.Events[EventPaymentReceived]
	if len(lg.Topics) != 2 || lg.Topics[0] != ev.ID {
		return PaymentReceived{}, fmt.Errorf("%s: unexpected topics %v", ev.Name, lg.Topics)
	}
	amount, err := unpackAmount(ev, lg.Data)
	if err != nil {
		return PaymentReceived{}, err
	}
	return PaymentReceived{
		Sender:   common.BytesToAddress(lg.Topics[1].Bytes()),
		Amount:   amount,
		TxHash:   lg.TxHash,
		Block:    lg.BlockNumber,
		LogIndex: lg.Index,
	}, nil
}

func unpackAmount(ev abi.Event, data []byte) (*big.Int, error) {
	vals, err := ev.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ev.Name, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%s: expected 1 value, got %d", ev.Name, len(vals))
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: amount has type %T", ev.Name, vals[0])
	}
	return amount, nil
}

// WeiToETH converts a wei amount to ETH.
func WeiToETH(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
