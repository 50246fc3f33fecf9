// Package transport provides HTTP handlers for the payments domain.
package transport

import (
	"time"

	"github.com/pendergraft/querypay/internal/payments/domain"
)

// VerifyRequest is the HTTP request body for verifying a payment.
type VerifyRequest struct {
	TxHash      string `json:"txHash" validate:"required,txhash"`
	UserAddress string `json:"userAddress" validate:"omitempty,ethaddr"`
}

// PayRequest is the HTTP request body for a server-signed payment.
// From defaults to the only configured signer.
type PayRequest struct {
	From string `json:"from" validate:"omitempty,ethaddr"`
}

// VerifyResponse is the verdict for one payment transaction.
type VerifyResponse struct {
	Verified        bool   `json:"verified"`
	Amount          string `json:"amount"`
	ETHAmount       string `json:"ethAmount"`
	TxHash          string `json:"txHash"`
	BlockNumber     uint64 `json:"blockNumber,omitempty"`
	Network         string `json:"network"`
	ContractAddress string `json:"contractAddress"`
	GasUsed         uint64 `json:"gasUsed,omitempty"`
	Status          string `json:"status"`
	Mode            string `json:"mode,omitempty"`
	AlreadyCredited bool   `json:"alreadyCredited"`
	Credits         string `json:"credits,omitempty"`
	Error           string `json:"error,omitempty"`
}

// AmountResponse is the amount a payment must carry.
type AmountResponse struct {
	AmountWei string `json:"amountWei"`
	AmountETH string `json:"amountEth"`
	Receiver  string `json:"receiver"`
}

// SubmissionResponse is a broadcast server-signed payment.
type SubmissionResponse struct {
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Mode      string `json:"mode"`
	AmountWei string `json:"amountWei"`
	Nonce     uint64 `json:"nonce"`
}

// PaymentResponse is a stored payment.
type PaymentResponse struct {
	TxHash          string `json:"txHash"`
	Wallet          string `json:"wallet"`
	ETHAmount       string `json:"ethAmount"`
	Credits         string `json:"credits"`
	Status          string `json:"status"`
	VerifyStatus    string `json:"verifyStatus"`
	Mode            string `json:"mode,omitempty"`
	Network         string `json:"network"`
	ContractAddress string `json:"contractAddress"`
	BlockNumber     int64  `json:"blockNumber,omitempty"`
	GasUsed         int64  `json:"gasUsed,omitempty"`
	Credited        bool   `json:"credited"`
	Error           string `json:"error,omitempty"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

// ListResponse is a generic list response with pagination.
type ListResponse[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination contains pagination info.
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func toPaymentResponse(p *domain.Payment) PaymentResponse {
	return PaymentResponse{
		TxHash:          p.TxHash,
		Wallet:          p.Wallet,
		ETHAmount:       p.AmountETH.String(),
		Credits:         p.Credits.String(),
		Status:          p.Status,
		VerifyStatus:    p.VerifyStatus,
		Mode:            p.Mode,
		Network:         p.Network,
		ContractAddress: p.ContractAddress,
		BlockNumber:     p.BlockNumber,
		GasUsed:         p.GasUsed,
		Credited:        p.Credited,
		Error:           p.Error,
		CreatedAt:       formatTime(p.CreatedAt),
		UpdatedAt:       formatTime(p.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
