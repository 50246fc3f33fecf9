package evm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pendergraft/querypay/internal/observability/metrics"
)

// ProbeResult is the outcome of one code probe.
type ProbeResult struct {
	Address   common.Address
	Exists    bool
	CodeSize  int
	Err       error
	CheckedAt time.Time
}

// Probe answers whether an address currently has deployed code. Every call
// goes to the network; the last result is only kept for diagnostics.
type Probe struct {
	sel     *Selector
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.RWMutex
	last *ProbeResult
}

// NewProbe creates a probe. timeout bounds each eth_getCode attempt.
func NewProbe(sel *Selector, timeout time.Duration, logger *slog.Logger) *Probe {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{sel: sel, timeout: timeout, logger: logger}
}

// Exists fetches the code at addr from the primary endpoint and, if that
// fails for any reason, once more from the first fallback. A double failure
// is reported as "no code" together with the cause.
func (p *Probe) Exists(ctx context.Context, addr common.Address) (bool, error) {
	var code []byte
	err := p.sel.Try(ctx, "eth_getCode", 2, anyError, func(ctx context.Context, c Client) error {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		var callErr error
		code, callErr = c.CodeAt(ctx, addr, nil)
		return callErr
	})

	res := ProbeResult{Address: addr, CheckedAt: time.Now(), Err: err}
	switch {
	case err != nil:
		metrics.ContractProbe("error")
		p.logger.Warn("contract probe failed", "address", addr.Hex(), "error", err)
	case len(code) > 0:
		res.Exists = true
		res.CodeSize = len(code)
		metrics.ContractProbe("present")
	default:
		metrics.ContractProbe("absent")
	}

	p.mu.Lock()
	p.last = &res
	p.mu.Unlock()

	return res.Exists, err
}

// Last returns the most recent probe result, if any.
func (p *Probe) Last() (ProbeResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return ProbeResult{}, false
	}
	return *p.last, true
}
