package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/querypay/internal/chains/evm"
	"github.com/pendergraft/querypay/internal/payments/domain"
)

var (
	txHash   = "0x" + strings.Repeat("ab", 32)
	payer    = common.HexToAddress("0x3984632D6767FE866d602e5926015DDcFE4e11FB")
	contract = common.HexToAddress("0x225d97fe3049E2B834bfC69edA125Df52a7F0255")
)

// mockService implements Service for testing
type mockService struct {
	result    *evm.Result
	credited  bool
	verifyErr error
	payErr    error
	signers   []common.Address
	payments  map[string]*domain.Payment
	gotSender string
	deadline  bool
}

func newMockService() *mockService {
	return &mockService{payments: make(map[string]*domain.Payment)}
}

func (m *mockService) GetPaymentAmount(context.Context) *big.Int {
	return big.NewInt(100000000000000)
}

func (m *mockService) GetPaymentReceiver(context.Context) common.Address { return payer }

func (m *mockService) GetContractInfo(context.Context) domain.ContractInfo {
	return domain.ContractInfo{
		ContractAddress: contract.Hex(),
		ContractExists:  true,
		PaymentAmount:   "0.0001",
		Mode:            domain.ModeContractPayment,
		Network:         "Base Sepolia",
		ChainID:         84532,
	}
}

func (m *mockService) MakePayment(_ context.Context, from common.Address) (*evm.Submission, error) {
	if m.payErr != nil {
		return nil, m.payErr
	}
	return &evm.Submission{
		TxHash: common.HexToHash(txHash),
		From:   from,
		Terms:  evm.Terms{Mode: evm.ModeContract, Destination: contract, Amount: big.NewInt(100000000000000), Receiver: payer},
		Nonce:  7,
	}, nil
}

func (m *mockService) Signers() []common.Address { return m.signers }

func (m *mockService) VerifyAndCredit(ctx context.Context, hash, sender string) (*domain.VerifyOutcome, error) {
	m.gotSender = sender
	_, m.deadline = ctx.Deadline()
	out := &domain.VerifyOutcome{
		Result:          m.result,
		Credits:         decimal.Zero,
		Network:         "Base Sepolia",
		ContractAddress: contract.Hex(),
	}
	if m.result.Verified {
		out.Credits = decimal.RequireFromString("0.3")
		bal := decimal.RequireFromString("0.6")
		out.Balance = &bal
		out.AlreadyCredited = m.credited
	}
	return out, m.verifyErr
}

func (m *mockService) GetPayment(_ context.Context, hash string) (*domain.Payment, error) {
	if len(hash) != 66 {
		return nil, domain.ErrInvalidTxHash
	}
	p, ok := m.payments[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (m *mockService) ListPayments(_ context.Context, wallet string, _ domain.PaginationParams) (*domain.PaymentList, error) {
	if !common.IsHexAddress(wallet) {
		return nil, domain.ErrInvalidWallet
	}
	list := &domain.PaymentList{}
	for _, p := range m.payments {
		list.Payments = append(list.Payments, *p)
	}
	return list, nil
}

func (m *mockService) TestEndpoints(context.Context) evm.EndpointReport {
	return evm.EndpointReport{
		Endpoints:   []evm.EndpointHealth{{URL: "http://rpc", Endpoint: "rpc", Healthy: true, LatencyMS: 3}},
		Recommended: "http://rpc",
	}
}

func (m *mockService) CheckContract(context.Context) evm.ContractReport {
	return evm.ContractReport{Address: contract.Hex(), Deployed: true, CodeSize: 120}
}

func newRouter(svc Service) http.Handler {
	h := NewHandler(svc, time.Minute)
	r := chi.NewRouter()
	r.Route("/payments", func(r chi.Router) {
		h.RegisterReadRoutes(r)
		h.RegisterWriteRoutes(r)
	})
	r.Route("/verify-payment", h.RegisterVerifyRoutes)
	r.Route("/diagnostics", h.RegisterDiagnosticsRoutes)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func verified() *evm.Result {
	return &evm.Result{
		Verified:    true,
		Status:      evm.StatusConfirmed,
		Mode:        evm.ModeContract,
		TxHash:      common.HexToHash(txHash),
		Sender:      payer,
		AmountWei:   big.NewInt(100000000000000),
		BlockNumber: 12,
		GasUsed:     30000,
	}
}

func unverified(status evm.Status) *evm.Result {
	return &evm.Result{
		Status: status,
		TxHash: common.HexToHash(txHash),
		Err:    &evm.VerifyError{Kind: evm.KindOf(status), Status: status, Message: "nope"},
	}
}

func TestHandler_VerifyPayment(t *testing.T) {
	svc := newMockService()
	svc.result = verified()
	router := newRouter(svc)

	rec := do(t, router, http.MethodPost, "/verify-payment", VerifyRequest{TxHash: txHash, UserAddress: payer.Hex()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp VerifyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Verified)
	assert.Equal(t, "0.3", resp.Amount)
	assert.Equal(t, "0.0001", resp.ETHAmount)
	assert.Equal(t, "0.6", resp.Credits)
	assert.Equal(t, uint64(12), resp.BlockNumber)
	assert.Equal(t, uint64(30000), resp.GasUsed)
	assert.Equal(t, "confirmed", resp.Status)
	assert.Equal(t, "Base Sepolia", resp.Network)
	assert.Equal(t, contract.Hex(), resp.ContractAddress)
	assert.False(t, resp.AlreadyCredited)
	assert.Equal(t, payer.Hex(), svc.gotSender)
	assert.True(t, svc.deadline, "verification should run under the handler timeout")
}

func TestHandler_VerifyAlreadyCredited(t *testing.T) {
	svc := newMockService()
	svc.result = verified()
	svc.credited = true

	rec := do(t, newRouter(svc), http.MethodPost, "/verify-payment", VerifyRequest{TxHash: txHash})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp VerifyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.AlreadyCredited)
}

func TestHandler_VerifyStatusCodes(t *testing.T) {
	tests := []struct {
		status evm.Status
		want   int
	}{
		{evm.StatusSenderMismatch, http.StatusBadRequest},
		{evm.StatusWrongRecipient, http.StatusBadRequest},
		{evm.StatusFailed, http.StatusBadRequest},
		{evm.StatusPermanentError, http.StatusBadRequest},
		{evm.StatusNotFound, http.StatusNotFound},
		{evm.StatusCanceled, http.StatusRequestTimeout},
		{evm.StatusPending, http.StatusAccepted},
		{evm.StatusMaxRetriesExceeded, http.StatusServiceUnavailable},
		{evm.StatusErrorMaxRetries, http.StatusServiceUnavailable},
		{evm.StatusMinedNoReceipt, http.StatusAccepted},
		{evm.StatusNetworkErrorMaxRetries, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			svc := newMockService()
			svc.result = unverified(tt.status)

			rec := do(t, newRouter(svc), http.MethodPost, "/verify-payment", VerifyRequest{TxHash: txHash})
			assert.Equal(t, tt.want, rec.Code)

			var resp VerifyResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.False(t, resp.Verified)
			assert.Equal(t, string(tt.status), resp.Status)
			assert.Equal(t, "nope", resp.Error)
			assert.Equal(t, "0", resp.Amount)
		})
	}
}

func TestHandler_VerifyBadInput(t *testing.T) {
	svc := newMockService()
	svc.result = verified()
	router := newRouter(svc)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{"},
		{"missing hash", `{"userAddress":"` + payer.Hex() + `"}`},
		{"short hash", `{"txHash":"0x1234"}`},
		{"bad address", `{"txHash":"` + txHash + `","userAddress":"0xnope"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/verify-payment", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
			assert.Equal(t, http.StatusBadRequest, resp.Error.Status)
		})
	}
}

func TestHandler_VerifyRecordFailure(t *testing.T) {
	svc := newMockService()
	svc.result = verified()
	svc.verifyErr = errors.New("disk full")

	rec := do(t, newRouter(svc), http.MethodPost, "/verify-payment", VerifyRequest{TxHash: txHash})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandler_Info(t *testing.T) {
	rec := do(t, newRouter(newMockService()), http.MethodGet, "/payments/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info domain.ContractInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.True(t, info.ContractExists)
	assert.Equal(t, domain.ModeContractPayment, info.Mode)
	assert.Equal(t, int64(84532), info.ChainID)
}

func TestHandler_Amount(t *testing.T) {
	rec := do(t, newRouter(newMockService()), http.MethodGet, "/payments/amount", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AmountResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "100000000000000", resp.AmountWei)
	assert.Equal(t, "0.0001", resp.AmountETH)
	assert.Equal(t, payer.Hex(), resp.Receiver)
}

func TestHandler_GetPayment(t *testing.T) {
	svc := newMockService()
	svc.payments[txHash] = &domain.Payment{
		TxHash:    txHash,
		Wallet:    strings.ToLower(payer.Hex()),
		AmountETH: decimal.RequireFromString("0.0001"),
		Credits:   decimal.RequireFromString("0.3"),
		Status:    "confirmed",
		Credited:  true,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	router := newRouter(svc)

	rec := do(t, router, http.MethodGet, "/payments/"+txHash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PaymentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "0.3", resp.Credits)
	assert.True(t, resp.Credited)
	assert.Equal(t, "2026-01-02T03:04:05Z", resp.CreatedAt)

	rec = do(t, router, http.MethodGet, "/payments/0x"+strings.Repeat("cd", 32), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodGet, "/payments/0x12", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ListPayments(t *testing.T) {
	svc := newMockService()
	svc.payments[txHash] = &domain.Payment{TxHash: txHash, Status: "pending"}
	router := newRouter(svc)

	rec := do(t, router, http.MethodGet, "/payments?wallet="+payer.Hex()+"&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListResponse[PaymentResponse]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Data, 1)
	assert.Equal(t, 5, resp.Pagination.Limit)

	rec = do(t, router, http.MethodGet, "/payments?wallet=bad", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Pay(t *testing.T) {
	svc := newMockService()
	svc.signers = []common.Address{payer}

	rec := do(t, newRouter(svc), http.MethodPost, "/payments", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmissionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, payer.Hex(), resp.From)
	assert.Equal(t, contract.Hex(), resp.To)
	assert.Equal(t, "contract", resp.Mode)
	assert.Equal(t, uint64(7), resp.Nonce)
}

func TestHandler_PayErrors(t *testing.T) {
	tests := []struct {
		name    string
		signers []common.Address
		body    any
		err     error
		want    int
		code    string
	}{
		{"no signer", nil, nil, nil, http.StatusServiceUnavailable, "NO_SIGNER"},
		{"ambiguous signer", []common.Address{payer, contract}, nil, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown signer", nil, PayRequest{From: contract.Hex()}, evm.ErrSignerUnavailable, http.StatusBadRequest, "UNKNOWN_SIGNER"},
		{"insufficient funds", nil, PayRequest{From: payer.Hex()}, evm.ErrInsufficientFunds, http.StatusBadRequest, "INSUFFICIENT_FUNDS"},
		{"rpc down", nil, PayRequest{From: payer.Hex()}, errors.New("dial tcp"), http.StatusServiceUnavailable, "NETWORK_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.signers = tt.signers
			svc.payErr = tt.err

			rec := do(t, newRouter(svc), http.MethodPost, "/payments", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestHandler_Diagnostics(t *testing.T) {
	router := newRouter(newMockService())

	rec := do(t, router, http.MethodGet, "/diagnostics/rpc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report evm.EndpointReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "http://rpc", report.Recommended)

	rec = do(t, router, http.MethodGet, "/diagnostics/contract", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var check evm.ContractReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&check))
	assert.True(t, check.Deployed)
	assert.Equal(t, 120, check.CodeSize)
}
