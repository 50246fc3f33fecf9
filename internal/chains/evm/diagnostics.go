package evm

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// EndpointHealth is the result of timing one RPC endpoint.
type EndpointHealth struct {
	URL         string        `json:"url"`
	Endpoint    string        `json:"endpoint"`
	Healthy     bool          `json:"healthy"`
	Latency     time.Duration `json:"-"`
	LatencyMS   int64         `json:"latencyMs"`
	BlockNumber uint64        `json:"blockNumber,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// EndpointReport lists endpoint health, healthy endpoints first and
// fastest first within each group.
type EndpointReport struct {
	Endpoints   []EndpointHealth `json:"endpoints"`
	Recommended string           `json:"recommended,omitempty"`
	CheckedAt   time.Time        `json:"checkedAt"`
}

// TestEndpoints calls eth_blockNumber on every endpoint concurrently. It
// bypasses failover so each endpoint is measured on its own.
func (s *Selector) TestEndpoints(ctx context.Context) EndpointReport {
	results := make([]EndpointHealth, len(s.urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range s.urls {
		g.Go(func() error {
			results[i] = s.testEndpoint(gctx, u)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Healthy != results[j].Healthy {
			return results[i].Healthy
		}
		return results[i].Latency < results[j].Latency
	})

	report := EndpointReport{Endpoints: results, CheckedAt: time.Now().UTC()}
	if len(results) > 0 && results[0].Healthy {
		report.Recommended = results[0].URL
	}
	return report
}

func (s *Selector) testEndpoint(ctx context.Context, u string) EndpointHealth {
	h := EndpointHealth{URL: u, Endpoint: endpointLabel(u)}

	c, err := s.client(ctx, u)
	if err != nil {
		h.Error = err.Error()
		return h
	}

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	start := time.Now()
	block, err := c.BlockNumber(ctx)
	h.Latency = time.Since(start)
	h.LatencyMS = h.Latency.Milliseconds()
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Healthy = true
	h.BlockNumber = block
	return h
}

// ContractReport describes the deployed state of the payment contract.
type ContractReport struct {
	Address       string          `json:"address"`
	Deployed      bool            `json:"deployed"`
	CodeSize      int             `json:"codeSize"`
	CodeHash      string          `json:"codeHash,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	Owner         string          `json:"owner,omitempty"`
	PaymentAmount string          `json:"paymentAmount,omitempty"`
	Receiver      string          `json:"receiver,omitempty"`
	Artifact      *CodeMatch      `json:"artifact,omitempty"`
	Errors        []string        `json:"errors,omitempty"`
}

// Check inspects the contract: code, balance and the configured terms.
// If artifact is non-nil the deployed code is compared against it.
func (c *Contract) Check(ctx context.Context, artifact *Artifact) ContractReport {
	report := ContractReport{Address: c.address.Hex(), Balance: decimal.Zero}

	var code []byte
	err := c.sel.Do(ctx, "eth_getCode", func(ctx context.Context, cl Client) error {
		var err error
		code, err = cl.CodeAt(ctx, c.address, nil)
		return err
	})
	if err != nil {
		report.Errors = append(report.Errors, "code: "+err.Error())
		return report
	}
	report.CodeSize = len(code)
	report.Deployed = len(code) > 0

	var balance *big.Int
	if err := c.sel.Do(ctx, "eth_getBalance", func(ctx context.Context, cl Client) error {
		var err error
		balance, err = cl.BalanceAt(ctx, c.address, nil)
		return err
	}); err != nil {
		report.Errors = append(report.Errors, "balance: "+err.Error())
	} else {
		report.Balance = WeiToETH(balance)
	}

	if !report.Deployed {
		return report
	}
	report.CodeHash = Fingerprint(code).Hex()

	if owner, err := c.ReadOwner(ctx); err != nil {
		report.Errors = append(report.Errors, "owner: "+err.Error())
	} else {
		report.Owner = owner.Hex()
	}
	if amount, err := c.ReadPaymentAmount(ctx); err != nil {
		report.Errors = append(report.Errors, "paymentAmount: "+err.Error())
	} else {
		report.PaymentAmount = amount.String()
	}
	if receiver, err := c.ReadPaymentReceiver(ctx); err != nil {
		report.Errors = append(report.Errors, "paymentReceiver: "+err.Error())
	} else {
		report.Receiver = receiver.Hex()
	}

	if artifact != nil {
		m := CompareBytecode(code, artifact.DeployedBytecode)
		report.Artifact = &m
	}
	return report
}

// Balance returns the ETH balance of addr.
func (s *Selector) Balance(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	var wei *big.Int
	err := s.Do(ctx, "eth_getBalance", func(ctx context.Context, c Client) error {
		var err error
		wei, err = c.BalanceAt(ctx, addr, nil)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return WeiToETH(wei), nil
}
