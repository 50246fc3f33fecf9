//go:build e2e

package e2e

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pendergraft/querypay/internal/chains/evm/evmtest"
	"github.com/pendergraft/querypay/internal/config"
	"github.com/pendergraft/querypay/internal/server"
	"github.com/pendergraft/querypay/internal/storage"
	"github.com/pendergraft/querypay/pkg/client"
)

// TestContext holds infrastructure shared by every test
type TestContext struct {
	PostgresContainer *postgres.PostgresContainer
	ConnString        string
	Store             storage.Store
}

// env is one test's chain, AI backend and server, all on the shared store.
type env struct {
	chain     *evmtest.Chain
	server    *server.Server
	http      *httptest.Server
	signerKey *ecdsa.PrivateKey
	signer    string
	aiCalls   *atomic.Int32
	cfg       *config.Config
}

// setupPostgresE starts a Postgres container and returns the connection string
func setupPostgresE(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("querypay"),
		postgres.WithUsername("querypay"),
		postgres.WithPassword("querypay"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	connString, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = postgresContainer.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get postgres connection string: %w", err)
	}

	return postgresContainer, connString, nil
}

// fakeAI serves chat completions and counts them. fail makes it answer 500.
func fakeAI(t *testing.T, calls *atomic.Int32, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			http.Error(w, `{"error":{"message":"upstream down","type":"server_error"}}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-e2e",
			"object": "chat.completion",
			"model":  "e2e-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "Paris"},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newEnv starts a simulated chain and an in-process server on the shared
// Postgres store. deploy controls whether the payment contract exists.
func newEnv(t *testing.T, deploy bool, mutate func(*config.Config)) *env {
	t.Helper()
	return newEnvWithAI(t, deploy, mutate, new(atomic.Bool))
}

func newEnvWithAI(t *testing.T, deploy bool, mutate func(*config.Config), aiFail *atomic.Bool) *env {
	t.Helper()

	chain := evmtest.New(t, evmtest.ChainID)
	if deploy {
		chain.DeployPaymentContract(t, evmtest.ContractAddress, evmtest.PaymentAmount, evmtest.Receiver, evmtest.Receiver)
	}
	key := chain.NewFundedKey(t, evmtest.OneETH)
	calls := new(atomic.Int32)

	cfg := &config.Config{
		Server:    config.ServerConfig{Port: 8080, Host: "0.0.0.0"},
		Storage:   config.StorageConfig{Type: "postgres", Postgres: config.PostgresConfig{URL: testCtx.ConnString}},
		Auth:      config.AuthConfig{Type: "api-key"},
		Logging:   config.LoggingConfig{Level: "debug", Format: "text"},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Security:  config.SecurityConfig{FilterEnabled: true, MaxBodySizeMB: 1},
		Metrics:   config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Chain: config.ChainConfig{
			Network:           "base-sepolia",
			ChainID:           evmtest.ChainID.Int64(),
			RPCURL:            chain.URL(),
			ContractAddress:   evmtest.ContractAddress.Hex(),
			DefaultReceiver:   evmtest.Receiver.Hex(),
			DefaultPaymentWei: evmtest.PaymentAmount.String(),
			ProbeTimeout:      5 * time.Second,
			CallTimeout:       5 * time.Second,
			EventPollInterval: 20 * time.Millisecond,
		},
		Verifier: evmtest.VerifierConfig(),
		Credits: config.CreditsConfig{
			ETHUSDRate:    decimal.NewFromInt(3000),
			QueryPriceUSD: decimal.RequireFromString("0.10"),
		},
		Signer: config.SignerConfig{PrivateKey: hex.EncodeToString(crypto.FromECDSA(key))},
		AI: config.AIConfig{
			BaseURL:    fakeAI(t, calls, aiFail).URL + "/v1",
			APIKey:     "e2e-key",
			Model:      "e2e-model",
			Timeout:    5 * time.Second,
			MaxRetries: 1,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	srv, err := server.New(cfg, testCtx.Store, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{
		chain:     chain,
		server:    srv,
		http:      ts,
		signerKey: key,
		signer:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		aiCalls:   calls,
		cfg:       cfg,
	}
}

// client returns an API client for the env's server.
func (e *env) client(apiKey string) *client.Client {
	return client.New(e.http.URL, apiKey, client.WithClientVersion("v1.0.0"))
}

// adminKey creates an API key directly in the store.
func adminKey(t *testing.T, name string) string {
	t.Helper()
	key, err := testCtx.Store.CreateAPIKey(context.Background(), name)
	require.NoError(t, err, "Failed to create API key")
	return key
}

// payFromNewWallet funds a fresh wallet and sends one payment of the given
// value to dest, bypassing the server.
func (e *env) payFromNewWallet(t *testing.T, dest common.Address) (wallet string, txHash string) {
	t.Helper()
	key := e.chain.NewFundedKey(t, evmtest.OneETH)
	tx := e.chain.Transfer(t, key, dest, evmtest.PaymentAmount)
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), tx.Hash().Hex()
}

// assertAPIError asserts that err is an APIError with the expected code
func assertAPIError(t *testing.T, err error, expectedCode string, expectedStatus int) {
	t.Helper()
	require.Error(t, err, "Expected an error")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "Error should be an APIError, got %T", err)
	require.Equal(t, expectedCode, apiErr.Code, "Error code mismatch")
	require.Equal(t, expectedStatus, apiErr.Status, "Error status mismatch")
}

func getJSON(t *testing.T, url string, headers map[string]string) (int, http.Header, map[string]any) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	return resp.StatusCode, resp.Header, body
}
