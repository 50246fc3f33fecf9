// Package server provides the HTTP server setup and wiring.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pendergraft/querypay/internal/ai"
	"github.com/pendergraft/querypay/internal/auth"
	"github.com/pendergraft/querypay/internal/chains"
	"github.com/pendergraft/querypay/internal/chains/evm"
	"github.com/pendergraft/querypay/internal/config"
	creditsDomain "github.com/pendergraft/querypay/internal/credits/domain"
	creditsTransport "github.com/pendergraft/querypay/internal/credits/transport"
	"github.com/pendergraft/querypay/internal/middleware/logging"
	"github.com/pendergraft/querypay/internal/middleware/ratelimit"
	"github.com/pendergraft/querypay/internal/middleware/realip"
	"github.com/pendergraft/querypay/internal/middleware/security"
	"github.com/pendergraft/querypay/internal/observability/metrics"
	paymentsDomain "github.com/pendergraft/querypay/internal/payments/domain"
	paymentsTransport "github.com/pendergraft/querypay/internal/payments/transport"
	"github.com/pendergraft/querypay/internal/storage"
)

// Version is reported in the X-Server-Version header. Set at build time.
var Version = "dev"

// Server is the HTTP server
type Server struct {
	cfg    *config.Config
	store  storage.Store
	logger *slog.Logger
	router *chi.Mux

	selector *evm.Selector

	// Services typed via transport interfaces
	creditsSvc  creditsDomain.Service
	paymentsSvc paymentsDomain.Service
}

// New wires the chain stack, the domain services and the HTTP routes.
func New(cfg *config.Config, store storage.Store, logger *slog.Logger) (*Server, error) {
	network, err := resolveNetwork(cfg.Chain)
	if err != nil {
		return nil, err
	}

	sel, err := evm.NewSelector(cfg.Chain.Endpoints(),
		evm.WithCallTimeout(cfg.Chain.CallTimeout),
		evm.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating RPC selector: %w", err)
	}

	amount, ok := new(big.Int).SetString(cfg.Chain.DefaultPaymentWei, 10)
	if !ok {
		sel.Close()
		return nil, fmt.Errorf("invalid default payment amount %q", cfg.Chain.DefaultPaymentWei)
	}
	chainID := big.NewInt(cfg.Chain.ChainID)
	contract := evm.NewContract(
		common.HexToAddress(cfg.Chain.ContractAddress),
		sel,
		evm.NewProbe(sel, cfg.Chain.ProbeTimeout, logger),
		evm.Defaults{Amount: amount, Receiver: common.HexToAddress(cfg.Chain.DefaultReceiver)},
		logger,
	)

	submitter := evm.NewSubmitter(sel, contract, chainID, logger)
	if cfg.Signer.PrivateKey != "" {
		signer, err := evm.NewKeySigner(cfg.Signer.PrivateKey)
		if err != nil {
			sel.Close()
			return nil, fmt.Errorf("SIGNER_PRIVATE_KEY: %w", err)
		}
		submitter.Register(signer)
		logger.Info("server signer configured", "address", signer.Address().Hex())
	}

	var artifact *evm.Artifact
	if cfg.Chain.ArtifactPath != "" {
		if artifact, err = evm.LoadArtifact(cfg.Chain.ArtifactPath); err != nil {
			sel.Close()
			return nil, fmt.Errorf("loading contract artifact: %w", err)
		}
	}

	if cfg.Verifier.StrictMode {
		logger.Info("strict verification: unconfirmed payments are not credited")
	} else {
		logger.Info("lenient verification: pending and receipt-less payments are credited provisionally")
	}

	creditsImpl := creditsDomain.NewService(store, ai.New(ai.ConfigFrom(cfg.AI), logger), cfg.Credits, cfg.AI.Model, logger)
	creditsSvc := creditsDomain.LoggingMiddleware(logger)(creditsImpl)

	paymentsImpl := paymentsDomain.NewService(paymentsDomain.Deps{
		Selector:      sel,
		Contract:      contract,
		Verifier:      evm.NewVerifier(sel, contract, chainID, cfg.Verifier, logger),
		Submitter:     submitter,
		Listener:      evm.NewListener(sel, contract, cfg.Chain.EventPollInterval, logger),
		Store:         store,
		Credits:       creditsSvc,
		Network:       network,
		Artifact:      artifact,
		VerifyTimeout: cfg.Verifier.Timeout,
		Logger:        logger,
	})

	s := &Server{
		cfg:         cfg,
		store:       store,
		logger:      logger,
		router:      chi.NewRouter(),
		selector:    sel,
		creditsSvc:  creditsSvc,
		paymentsSvc: paymentsDomain.LoggingMiddleware(logger)(paymentsImpl),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// resolveNetwork finds the configured network, falling back to the chain
// ID and then to an ad hoc entry for private chains.
func resolveNetwork(c config.ChainConfig) (chains.Network, error) {
	registry := chains.DefaultRegistry()
	if n, err := registry.Lookup(c.Network); err == nil {
		if n.ChainID != c.ChainID {
			return chains.Network{}, fmt.Errorf("network %s has chain ID %d, configured %d", n.Name, n.ChainID, c.ChainID)
		}
		return n, nil
	}
	if n, ok := registry.ByChainID(c.ChainID); ok {
		return n, nil
	}
	name := c.Network
	if name == "" {
		name = fmt.Sprintf("chain-%d", c.ChainID)
	}
	return chains.Network{Name: name, DisplayName: name, ChainID: c.ChainID, Confirmations: 1}, nil
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Payments returns the payment service.
func (s *Server) Payments() paymentsDomain.Service {
	return s.paymentsSvc
}

// Close releases RPC connections.
func (s *Server) Close() {
	s.selector.Close()
}

// WatchPayments subscribes to PaymentReceived events from every sender and
// credits each one through the regular verification path. It returns when
// ctx is done or the subscription fails.
func (s *Server) WatchPayments(ctx context.Context) error {
	sub, err := s.paymentsSvc.ListenForPayments(ctx, common.Address{})
	if err != nil {
		return fmt.Errorf("subscribing to payments: %w", err)
	}
	defer sub.Unsubscribe()
	s.logger.Info("watching payment events", "contract", s.cfg.Chain.ContractAddress)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return fmt.Errorf("payment subscription: %w", err)
		case ev, ok := <-sub.Events():
			if !ok {
				select {
				case err := <-sub.Err():
					return fmt.Errorf("payment subscription: %w", err)
				default:
					return nil
				}
			}
			s.creditEvent(ctx, ev)
		}
	}
}

func (s *Server) creditEvent(ctx context.Context, ev evm.PaymentEvent) {
	out, err := s.paymentsSvc.VerifyAndCredit(ctx, ev.TxHash.Hex(), ev.Sender.Hex())
	if err != nil {
		s.logger.Error("crediting payment event failed", "tx_hash", ev.TxHash.Hex(), "error", err)
		return
	}
	if !out.Result.Verified {
		s.logger.Warn("payment event did not verify",
			"tx_hash", ev.TxHash.Hex(),
			"status", out.Result.Status,
			"error", out.Result.Failure(),
		)
		return
	}
	s.logger.Info("payment event credited",
		"tx_hash", ev.TxHash.Hex(),
		"wallet", ev.Sender.Hex(),
		"credits", out.Credits.String(),
		"already_credited", out.AlreadyCredited,
	)
}

func (s *Server) setupMiddleware() {
	// Order matters! Security middleware runs first to block malicious requests early.

	// 1. Real IP extraction (must be first to set client IP for other middleware)
	s.router.Use(realip.Middleware(realip.Config{
		TrustProxy:     s.cfg.Proxy.TrustProxy,
		TrustedProxies: s.cfg.Proxy.TrustedProxies,
	}))

	// 2. Security filter (blocks malicious patterns, bypasses health checks)
	s.router.Use(security.FilterMiddleware(s.cfg.Security.FilterEnabled))

	// 3. Body size limit
	s.router.Use(security.MaxBodySizeMiddleware(s.cfg.Security.MaxBodySizeMB))

	// 4. Rate limiting (bypasses health checks)
	s.router.Use(ratelimit.Middleware(ratelimit.Config{
		Enabled:        s.cfg.RateLimit.Enabled,
		RequestsPerMin: s.cfg.RateLimit.RequestsPerMin,
		BurstSize:      s.cfg.RateLimit.BurstSize,
		CleanupMinutes: s.cfg.RateLimit.CleanupMinutes,
	}))

	// 5. Standard middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	// 6. CORS and client version
	s.router.Use(cors)
	s.router.Use(clientVersion(s.cfg.Server.MinClientVersion))
}

func (s *Server) setupRoutes() {
	// Health checks
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)

	if s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, metrics.Handler())
	}

	// Create HTTP handlers for each domain
	creditsHandler := creditsTransport.NewHandler(s.creditsSvc)
	paymentsHandler := paymentsTransport.NewHandler(s.paymentsSvc, s.cfg.Verifier.Timeout)

	// Auth middleware for write operations
	requireAuth := func(r chi.Router) {
		if s.cfg.Auth.Type == "api-key" {
			r.Use(auth.Middleware(s.store, writeError))
		}
	}

	// Public routes still attribute a valid key in request logs
	optionalAuth := func(r chi.Router) {
		if s.cfg.Auth.Type == "api-key" {
			r.Use(auth.OptionalMiddleware(s.store))
		}
	}

	// API v1 routes
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/verify-payment", func(r chi.Router) {
			optionalAuth(r)
			paymentsHandler.RegisterVerifyRoutes(r)
		})

		// Payments - split read/write
		r.Route("/payments", func(r chi.Router) {
			paymentsHandler.RegisterReadRoutes(r)

			// Server-signed payments spend operator funds
			r.Group(func(r chi.Router) {
				requireAuth(r)
				paymentsHandler.RegisterWriteRoutes(r)
			})
		})

		// Users - split read/write
		r.Route("/users", func(r chi.Router) {
			creditsHandler.RegisterReadRoutes(r)

			r.Group(func(r chi.Router) {
				requireAuth(r)
				creditsHandler.RegisterWriteRoutes(r)
			})
		})

		r.Route("/query", func(r chi.Router) {
			optionalAuth(r)
			creditsHandler.RegisterQueryRoutes(r)
		})
		r.Route("/diagnostics", paymentsHandler.RegisterDiagnosticsRoutes)
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// handleReady reports ready once the store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		status := "unavailable"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": status})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"status":  status,
		},
	})
}
