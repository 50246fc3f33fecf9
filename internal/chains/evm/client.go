// Package evm talks to the payment network: endpoint failover, contract
// probing and bindings, payment submission, verification and event
// subscriptions.
package evm

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is the subset of JSON-RPC calls the payment flows use.
// *ethclient.Client satisfies it.
type Client interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a client for an endpoint URL.
type Dialer func(ctx context.Context, rawURL string) (Client, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, rawURL string) (Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Sentinel errors
var (
	ErrNetwork             = errors.New("rpc network error")
	ErrNoEndpoints         = errors.New("no rpc endpoints configured")
	ErrSignerUnavailable   = errors.New("no signer available for address")
	ErrInsufficientFunds   = errors.New("insufficient ETH balance for payment and gas fees")
	ErrPaymentCancelled    = errors.New("payment cancelled by user")
	ErrContractUnavailable = errors.New("payment contract is not deployed")
)

// JSON-RPC error codes that indicate an overloaded or throttling endpoint.
const (
	rpcCodeLimitExceeded = -32005
	rpcCodeInternal      = -32603
)

// IsNetworkError reports whether err is a transport-class failure that
// justifies moving to another endpoint. Not-found responses and contract
// reverts are not network errors.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		return code == rpcCodeLimitExceeded || code == rpcCodeInternal
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "no such host", "timeout", "too many requests", "econnreset", "etimedout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// endpointLabel strips credentials and paths from an RPC URL so it can be
// used in logs and metric labels.
func endpointLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
