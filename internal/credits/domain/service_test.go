package domain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/querypay/internal/config"
	"github.com/pendergraft/querypay/internal/storage"
)

const (
	wallet = "0x3984632D6767FE866d602e5926015DDcFE4e11FB"
	txHash = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
)

// stubAnswerer returns answer or err, recording the questions it saw.
type stubAnswerer struct {
	mu        sync.Mutex
	answer    string
	err       error
	questions []string
	onCall    func()
}

func (s *stubAnswerer) Generate(ctx context.Context, question string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions = append(s.questions, question)
	if s.onCall != nil {
		s.onCall()
	}
	return s.answer, s.err
}

func newTestService(t *testing.T, answerer *stubAnswerer) (Service, *storage.SQLiteStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "credits.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	svc := NewService(store, answerer, config.CreditsConfig{
		ETHUSDRate:    decimal.NewFromInt(3000),
		QueryPriceUSD: decimal.RequireFromString("0.10"),
	}, "test-model", logger)
	return LoggingMiddleware(logger)(svc), store
}

func requireCredits(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.RequireFromString(want)), "credits = %s, want %s", got, want)
}

func TestService_GetOrCreateUser(t *testing.T) {
	svc, _ := newTestService(t, &stubAnswerer{})
	ctx := context.Background()

	u, err := svc.GetOrCreateUser(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, "0x3984632d6767fe866d602e5926015ddcfe4e11fb", u.Wallet)
	assert.True(t, u.Credits.IsZero())
	assert.False(t, u.CreatedAt.IsZero())

	_, err = svc.GetOrCreateUser(ctx, "0x123")
	assert.ErrorIs(t, err, ErrInvalidWallet)
}

func TestService_ApplyPaymentOnce(t *testing.T) {
	svc, _ := newTestService(t, &stubAnswerer{})
	ctx := context.Background()

	u, err := svc.ApplyPayment(ctx, txHash, wallet, decimal.RequireFromString("0.3"))
	require.NoError(t, err)
	requireCredits(t, "0.3", u.Credits)

	// Same hash in a different case is the same payment.
	_, err = svc.ApplyPayment(ctx, txHash[:2]+"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", wallet, decimal.RequireFromString("0.3"))
	assert.ErrorIs(t, err, ErrAlreadyCredited)

	u, err = svc.GetOrCreateUser(ctx, wallet)
	require.NoError(t, err)
	requireCredits(t, "0.3", u.Credits)

	_, err = svc.ApplyPayment(ctx, "0x"+"b0"+txHash[4:], wallet, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestService_ApplyPaymentConcurrent(t *testing.T) {
	svc, _ := newTestService(t, &stubAnswerer{})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyPayment(ctx, txHash, wallet, decimal.RequireFromString("0.3"))
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrAlreadyCredited)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	u, err := svc.GetOrCreateUser(ctx, wallet)
	require.NoError(t, err)
	requireCredits(t, "0.3", u.Credits)
}

func TestService_Ask(t *testing.T) {
	answerer := &stubAnswerer{answer: "Blocks are produced every two seconds."}
	svc, _ := newTestService(t, answerer)
	ctx := context.Background()

	_, err := svc.ApplyPayment(ctx, txHash, wallet, decimal.RequireFromString("0.3"))
	require.NoError(t, err)

	res, err := svc.Ask(ctx, wallet, "How fast is Base?")
	require.NoError(t, err)
	assert.Equal(t, "Blocks are produced every two seconds.", res.Answer)
	assert.NotEmpty(t, res.QueryID)
	requireCredits(t, "0.1", res.Cost)
	requireCredits(t, "0.2", res.RemainingCredits)

	queries, err := svc.ListQueries(ctx, wallet, PaginationParams{})
	require.NoError(t, err)
	require.Len(t, queries.Queries, 1)
	assert.Equal(t, res.QueryID, queries.Queries[0].ID)
	assert.Equal(t, storage.QueryAnswered, queries.Queries[0].Status)
	assert.Equal(t, "test-model", queries.Queries[0].Model)

	u, err := svc.GetOrCreateUser(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.TotalQueries)
}

func TestService_AskInsufficientCredits(t *testing.T) {
	answerer := &stubAnswerer{answer: "never"}
	svc, _ := newTestService(t, answerer)

	_, err := svc.Ask(context.Background(), wallet, "Anything?")
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Empty(t, answerer.questions, "model must not be called without credits")
}

func TestService_AskRefundsOnAIFailure(t *testing.T) {
	answerer := &stubAnswerer{err: errors.New("upstream exploded")}
	svc, _ := newTestService(t, answerer)
	ctx := context.Background()

	_, err := svc.ApplyPayment(ctx, txHash, wallet, decimal.RequireFromString("0.3"))
	require.NoError(t, err)

	_, err = svc.Ask(ctx, wallet, "Will this work?")
	require.ErrorIs(t, err, ErrAIUnavailable)
	assert.Contains(t, err.Error(), "upstream exploded")

	u, err := svc.GetOrCreateUser(ctx, wallet)
	require.NoError(t, err)
	requireCredits(t, "0.3", u.Credits)
	assert.Zero(t, u.TotalQueries)

	txs, err := svc.ListTransactions(ctx, wallet, PaginationParams{})
	require.NoError(t, err)
	types := make([]string, len(txs.Transactions))
	for i, tx := range txs.Transactions {
		types[i] = tx.Type
	}
	assert.ElementsMatch(t, []string{storage.LedgerPayment, storage.LedgerQuery, storage.LedgerRefund}, types)

	queries, err := svc.ListQueries(ctx, wallet, PaginationParams{})
	require.NoError(t, err)
	require.Len(t, queries.Queries, 1)
	assert.Equal(t, storage.QueryFailed, queries.Queries[0].Status)
	assert.True(t, queries.Queries[0].Cost.IsZero())
}

func TestService_AskRefundsWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	answerer := &stubAnswerer{err: context.Canceled, onCall: cancel}
	svc, _ := newTestService(t, answerer)

	_, err := svc.ApplyPayment(ctx, txHash, wallet, decimal.RequireFromString("0.1"))
	require.NoError(t, err)

	_, err = svc.Ask(ctx, wallet, "Still there?")
	assert.ErrorIs(t, err, ErrAIUnavailable)

	u, err := svc.GetOrCreateUser(context.Background(), wallet)
	require.NoError(t, err)
	requireCredits(t, "0.1", u.Credits)
}

func TestService_AskInvalidQuestion(t *testing.T) {
	svc, _ := newTestService(t, &stubAnswerer{})
	_, err := svc.Ask(context.Background(), wallet, "   ")
	assert.ErrorIs(t, err, ErrInvalidQuestion)
}

func TestService_SetCredits(t *testing.T) {
	svc, _ := newTestService(t, &stubAnswerer{})
	ctx := context.Background()

	u, err := svc.SetCredits(ctx, wallet, decimal.RequireFromString("5.25"), "key-1")
	require.NoError(t, err)
	requireCredits(t, "5.25", u.Credits)

	txs, err := svc.ListTransactions(ctx, wallet, PaginationParams{})
	require.NoError(t, err)
	require.Len(t, txs.Transactions, 1)
	assert.Equal(t, storage.LedgerAdmin, txs.Transactions[0].Type)
	assert.Contains(t, txs.Transactions[0].Description, "key-1")
	requireCredits(t, "5.25", txs.Transactions[0].Balance)

	_, err = svc.SetCredits(ctx, wallet, decimal.NewFromInt(-1), "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestService_RateAndPrice(t *testing.T) {
	svc, _ := newTestService(t, &stubAnswerer{})
	assert.Equal(t, "3000", svc.Rate().String())
	assert.Equal(t, "0.1", svc.QueryPrice().String())
}
