package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pendergraft/querypay/internal/observability/metrics"
)

// Selector binds RPC operations to an ordered list of endpoints. The first
// endpoint is the primary; the rest are tried in order when an operation
// fails with a network-class error. Each endpoint is tried at most once per
// logical operation.
type Selector struct {
	urls        []string
	dial        Dialer
	callTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	clients map[string]Client
}

// SelectorOption configures a Selector
type SelectorOption func(*Selector)

// WithDialer replaces the ethclient dialer, mainly for tests.
func WithDialer(d Dialer) SelectorOption {
	return func(s *Selector) { s.dial = d }
}

// WithCallTimeout bounds every individual attempt.
func WithCallTimeout(d time.Duration) SelectorOption {
	return func(s *Selector) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) SelectorOption {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSelector creates a selector over urls, primary first.
func NewSelector(urls []string, opts ...SelectorOption) (*Selector, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	s := &Selector{
		urls:        append([]string(nil), urls...),
		dial:        DialEthclient,
		callTimeout: 15 * time.Second,
		logger:      slog.Default(),
		clients:     make(map[string]Client),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Endpoints returns the configured endpoint URLs in failover order.
func (s *Selector) Endpoints() []string {
	return append([]string(nil), s.urls...)
}

// Do runs fn against the primary and fails over on network errors.
func (s *Selector) Do(ctx context.Context, op string, fn func(ctx context.Context, c Client) error) error {
	return s.Try(ctx, op, len(s.urls), IsNetworkError, fn)
}

// Try runs fn against at most n endpoints. failover decides whether an
// error moves the operation to the next endpoint; any other error is
// returned as is. When every attempted endpoint failed over, the result
// wraps ErrNetwork.
func (s *Selector) Try(ctx context.Context, op string, n int, failover func(error) bool, fn func(ctx context.Context, c Client) error) error {
	if n <= 0 || n > len(s.urls) {
		n = len(s.urls)
	}

	var errs []error
	for _, u := range s.urls[:n] {
		if err := ctx.Err(); err != nil {
			return err
		}
		label := endpointLabel(u)

		c, err := s.client(ctx, u)
		if err != nil {
			metrics.RPCRequest(label, op, "dial_error", 0)
			s.logger.Warn("rpc dial failed", "endpoint", label, "op", op, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		start := time.Now()
		err = fn(attemptCtx, c)
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			metrics.RPCRequest(label, op, "ok", elapsed)
			return nil
		}
		if ctx.Err() != nil {
			metrics.RPCRequest(label, op, "canceled", elapsed)
			return ctx.Err()
		}
		if !failover(err) {
			metrics.RPCRequest(label, op, "error", elapsed)
			return err
		}

		metrics.RPCRequest(label, op, "network_error", elapsed)
		s.logger.Warn("rpc endpoint failed, trying next",
			"endpoint", label,
			"op", op,
			"error", err,
			"duration_ms", elapsed.Milliseconds(),
		)
		errs = append(errs, fmt.Errorf("%s: %w", label, err))
	}

	return fmt.Errorf("%w: %s failed on %d endpoint(s): %v", ErrNetwork, op, n, errors.Join(errs...))
}

func (s *Selector) client(ctx context.Context, u string) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[u]; ok {
		return c, nil
	}
	c, err := s.dial(ctx, u)
	if err != nil {
		return nil, err
	}
	s.clients[u] = c
	return c, nil
}

// Close releases every dialled client.
func (s *Selector) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for u, c := range s.clients {
		c.Close()
		delete(s.clients, u)
	}
}

func anyError(error) bool { return true }
