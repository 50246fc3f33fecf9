package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/pendergraft/querypay/internal/observability/metrics"
)

// PaymentEvent is a PaymentReceived log delivered to a subscriber.
type PaymentEvent struct {
	Sender      common.Address
	Amount      *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// AmountETH returns the event amount in ETH.
func (e PaymentEvent) AmountETH() decimal.Decimal {
	return WeiToETH(e.Amount)
}

// Subscription is a live stream of payment events. Events is closed when
// the subscription ends; Err yields at most one terminal error.
type Subscription struct {
	events chan PaymentEvent
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Events returns the event stream.
func (s *Subscription) Events() <-chan PaymentEvent { return s.events }

// Err returns the terminal error channel.
func (s *Subscription) Err() <-chan error { return s.errs }

// Unsubscribe stops the subscription and waits for it to wind down.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Listener watches the contract for PaymentReceived events.
type Listener struct {
	sel          *Selector
	contract     *Contract
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewListener creates a listener. pollInterval is used when the endpoint
// cannot push log notifications.
func NewListener(sel *Selector, contract *Contract, pollInterval time.Duration, logger *slog.Logger) *Listener {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{sel: sel, contract: contract, pollInterval: pollInterval, logger: logger}
}

// Subscribe streams PaymentReceived events whose sender is sender, or from
// every sender when sender is the zero address. It only works when the
// contract is deployed.
func (l *Listener) Subscribe(ctx context.Context, sender common.Address) (*Subscription, error) {
	exists, err := l.contract.Exists(ctx)
	if !exists {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContractUnavailable, err)
		}
		return nil, ErrContractUnavailable
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan PaymentEvent, 16),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w := &watcher{
		l:      l,
		sub:    sub,
		query:  l.query(sender),
		seen:   make(map[eventKey]uint64),
		logger: l.logger.With("sender", sender.Hex()),
	}
	go w.run(ctx)
	return sub, nil
}

func (l *Listener) query(sender common.Address) ethereum.FilterQuery {
	topics := [][]common.Hash{{PaymentABI.Events[EventPaymentReceived].ID}}
	if sender != (common.Address{}) {
		topics = append(topics, []common.Hash{common.BytesToHash(sender.Bytes())})
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{l.contract.Address()},
		Topics:    topics,
	}
}

type eventKey struct {
	tx    common.Hash
	index uint
}

// seenWindow is how many blocks behind the scan position delivered events
// are remembered, so a short reorg does not deliver them twice.
const seenWindow = 64

type watcher struct {
	l      *Listener
	sub    *Subscription
	query  ethereum.FilterQuery
	seen   map[eventKey]uint64 // delivered event -> block
	next   uint64 // first block not yet scanned by polling
	logger *slog.Logger
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.sub.done)
	defer close(w.sub.events)

	err := w.push(ctx)
	if err != nil && ctx.Err() == nil {
		w.logger.Info("log subscription unavailable, polling instead", "error", err)
		err = w.poll(ctx)
	}
	if err != nil && ctx.Err() == nil {
		w.sub.errs <- err
	}
}

// push follows a server-side log subscription until it fails.
func (w *watcher) push(ctx context.Context) error {
	logs := make(chan types.Log, 16)
	var s ethereum.Subscription
	err := w.l.sel.Do(ctx, "eth_subscribe", func(callCtx context.Context, c Client) error {
		var err error
		s, err = c.SubscribeFilterLogs(callCtx, w.query, logs)
		return err
	})
	if err != nil {
		return err
	}
	defer s.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case lg := <-logs:
			if lg.BlockNumber > w.next {
				w.next = lg.BlockNumber
				w.prune()
			}
			if !w.deliver(ctx, lg) {
				return ctx.Err()
			}
		}
	}
}

// poll scans new blocks with eth_getLogs every poll interval.
func (w *watcher) poll(ctx context.Context) error {
	if w.next == 0 {
		head, err := w.head(ctx)
		if err != nil {
			return err
		}
		w.next = head
	}

	ticker := time.NewTicker(w.l.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		head, err := w.head(ctx)
		if err == nil && head >= w.next {
			err = w.scan(ctx, w.next, head)
			if err == nil {
				w.next = head + 1
				w.prune()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			w.logger.Warn("polling payment events failed", "error", err, "failures", failures)
			if failures >= 10 {
				return fmt.Errorf("polling payment events: %w", err)
			}
			continue
		}
		failures = 0
	}
}

func (w *watcher) head(ctx context.Context) (uint64, error) {
	var head uint64
	err := w.l.sel.Do(ctx, "eth_blockNumber", func(ctx context.Context, c Client) error {
		var err error
		head, err = c.BlockNumber(ctx)
		return err
	})
	return head, err
}

func (w *watcher) scan(ctx context.Context, from, to uint64) error {
	q := w.query
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	var logs []types.Log
	err := w.l.sel.Do(ctx, "eth_getLogs", func(ctx context.Context, c Client) error {
		var err error
		logs, err = c.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return err
	}
	for _, lg := range logs {
		if !w.deliver(ctx, lg) {
			return ctx.Err()
		}
	}
	return nil
}

// prune forgets delivered events more than seenWindow blocks behind next.
func (w *watcher) prune() {
	if w.next <= seenWindow {
		return
	}
	floor := w.next - seenWindow
	for k, block := range w.seen {
		if block < floor {
			delete(w.seen, k)
		}
	}
}

// deliver decodes and forwards one log. It returns false when the
// subscription was cancelled while blocked on the consumer.
func (w *watcher) deliver(ctx context.Context, lg types.Log) bool {
	if lg.Removed {
		return true
	}
	key := eventKey{tx: lg.TxHash, index: lg.Index}
	if _, ok := w.seen[key]; ok {
		return true
	}

	r, err := decodePaymentReceived(lg)
	if err != nil {
		w.logger.Warn("skipping undecodable payment log", "tx_hash", lg.TxHash.Hex(), "error", err)
		return true
	}
	w.seen[key] = lg.BlockNumber

	ev := PaymentEvent{
		Sender:      r.Sender,
		Amount:      r.Amount,
		TxHash:      r.TxHash,
		BlockNumber: r.Block,
		LogIndex:    r.LogIndex,
	}
	select {
	case w.sub.events <- ev:
		metrics.PaymentEvent()
		w.logger.Debug("payment event delivered", "tx_hash", ev.TxHash.Hex(), "amount_eth", ev.AmountETH().String())
		return true
	case <-ctx.Done():
		return false
	}
}
