package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/querypay/internal/chains/evm"
	"github.com/pendergraft/querypay/internal/payments/domain"
	"github.com/pendergraft/querypay/internal/validation"
)

// Service defines the payment service interface for HTTP transport.
type Service interface {
	GetPaymentAmount(ctx context.Context) *big.Int
	GetPaymentReceiver(ctx context.Context) common.Address
	GetContractInfo(ctx context.Context) domain.ContractInfo
	MakePayment(ctx context.Context, from common.Address) (*evm.Submission, error)
	Signers() []common.Address
	VerifyAndCredit(ctx context.Context, txHash, sender string) (*domain.VerifyOutcome, error)
	GetPayment(ctx context.Context, txHash string) (*domain.Payment, error)
	ListPayments(ctx context.Context, wallet string, pagination domain.PaginationParams) (*domain.PaymentList, error)
	TestEndpoints(ctx context.Context) evm.EndpointReport
	CheckContract(ctx context.Context) evm.ContractReport
}

// Handler handles HTTP requests for payments.
type Handler struct {
	svc     Service
	timeout time.Duration
}

// NewHandler creates a new payments HTTP handler. timeout bounds one
// verification request; zero leaves it to the request context.
func NewHandler(svc Service, timeout time.Duration) *Handler {
	return &Handler{svc: svc, timeout: timeout}
}

// RegisterReadRoutes registers read-only payment routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/info", h.handleInfo)
	r.Get("/amount", h.handleAmount)
	r.Get("/{txHash}", h.handleGet)
}

// RegisterWriteRoutes registers routes that spend from the server signer (auth required).
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/", h.handlePay)
}

// RegisterVerifyRoutes registers the verification route.
func (h *Handler) RegisterVerifyRoutes(r chi.Router) {
	r.Post("/", h.handleVerify)
}

// RegisterDiagnosticsRoutes registers RPC and contract diagnostics.
func (h *Handler) RegisterDiagnosticsRoutes(r chi.Router) {
	r.Get("/rpc", h.handleRPCDiagnostics)
	r.Get("/contract", h.handleContractDiagnostics)
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetContractInfo(r.Context()))
}

func (h *Handler) handleAmount(w http.ResponseWriter, r *http.Request) {
	amount := h.svc.GetPaymentAmount(r.Context())
	writeJSON(w, http.StatusOK, AmountResponse{
		AmountWei: amount.String(),
		AmountETH: evm.WeiToETH(amount).String(),
		Receiver:  h.svc.GetPaymentReceiver(r.Context()).Hex(),
	})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	out, err := h.svc.VerifyAndCredit(ctx, req.TxHash, req.UserAddress)
	if err != nil && out == nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to verify payment")
		return
	}

	res := out.Result
	resp := VerifyResponse{
		Verified:        res.Verified,
		Amount:          out.Credits.String(),
		ETHAmount:       res.Amount().String(),
		TxHash:          res.TxHash.Hex(),
		BlockNumber:     res.BlockNumber,
		Network:         out.Network,
		ContractAddress: out.ContractAddress,
		GasUsed:         res.GasUsed,
		Status:          string(res.Status),
		Mode:            string(res.Mode),
		AlreadyCredited: out.AlreadyCredited,
	}
	if out.Balance != nil {
		resp.Credits = out.Balance.String()
	}
	if res.Err != nil {
		resp.Error = res.Err.Message
	}
	if res.TxHash == (common.Hash{}) {
		resp.TxHash = req.TxHash
	}

	if err != nil {
		// The chain verdict is known but recording it failed.
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to record payment")
		return
	}
	writeJSON(w, verdictStatus(res), resp)
}

// verdictStatus maps a verification verdict to an HTTP status code.
func verdictStatus(res *evm.Result) int {
	if res.Verified {
		return http.StatusOK
	}
	var kind evm.Kind
	if res.Err != nil {
		kind = res.Err.Kind
	} else {
		kind = evm.KindOf(res.Status)
	}
	switch {
	case kind.Permanent():
		return http.StatusBadRequest
	case kind == evm.KindNotFound:
		return http.StatusNotFound
	case kind == evm.KindCanceled:
		return http.StatusRequestTimeout
	case kind == evm.KindNetwork, kind == evm.KindMaxRetries:
		return http.StatusServiceUnavailable
	case kind == evm.KindPending:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var from common.Address
	if req.From != "" {
		from = common.HexToAddress(req.From)
	} else {
		signers := h.svc.Signers()
		switch len(signers) {
		case 0:
			writeError(w, http.StatusServiceUnavailable, "NO_SIGNER", "No server signer is configured")
			return
		case 1:
			from = signers[0]
		default:
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "from is required when several signers are configured")
			return
		}
	}

	sub, err := h.svc.MakePayment(r.Context(), from)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNoSigner):
			writeError(w, http.StatusServiceUnavailable, "NO_SIGNER", "No server signer is configured")
		case errors.Is(err, evm.ErrSignerUnavailable):
			writeError(w, http.StatusBadRequest, "UNKNOWN_SIGNER", "No signer is configured for "+from.Hex())
		case errors.Is(err, evm.ErrInsufficientFunds):
			writeError(w, http.StatusBadRequest, "INSUFFICIENT_FUNDS", "Signer cannot cover the payment and gas")
		case errors.Is(err, evm.ErrPaymentCancelled):
			writeError(w, http.StatusBadRequest, "PAYMENT_CANCELLED", "Payment was not signed")
		default:
			writeError(w, http.StatusServiceUnavailable, "NETWORK_ERROR", "Failed to submit payment")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, SubmissionResponse{
		TxHash:    sub.TxHash.Hex(),
		From:      sub.From.Hex(),
		To:        sub.Terms.Destination.Hex(),
		Mode:      string(sub.Terms.Mode),
		AmountWei: sub.Terms.Amount.String(),
		Nonce:     sub.Nonce,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPayment(r.Context(), chi.URLParam(r, "txHash"))
	if err != nil {
		writeServiceError(w, err, "Failed to get payment")
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	p := domain.PaginationParams{Limit: limit, Cursor: r.URL.Query().Get("cursor")}

	result, err := h.svc.ListPayments(r.Context(), r.URL.Query().Get("wallet"), p)
	if err != nil {
		writeServiceError(w, err, "Failed to list payments")
		return
	}
	data := make([]PaymentResponse, len(result.Payments))
	for i := range result.Payments {
		data[i] = toPaymentResponse(&result.Payments[i])
	}
	writeJSON(w, http.StatusOK, ListResponse[PaymentResponse]{
		Data:       data,
		Pagination: Pagination{Limit: limit, HasMore: result.HasMore, NextCursor: result.NextCursor},
	})
}

func (h *Handler) handleRPCDiagnostics(w http.ResponseWriter, r *http.Request) {
	report := h.svc.TestEndpoints(r.Context())
	status := http.StatusOK
	if report.Recommended == "" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *Handler) handleContractDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.CheckContract(r.Context()))
}

// decodeBody reads and validates a JSON body, writing a 400 on failure.
// An empty body decodes as an empty object.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body")
		return false
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, v); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
			return false
		}
	}
	if err := validation.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrInvalidTxHash), errors.Is(err, domain.ErrInvalidWallet):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Payment not found")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fallback)
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message, Status: status}})
}
