// Package domain is the payment facade: contract info, payment submission,
// verification with crediting, event subscriptions and chain diagnostics.
package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pendergraft/querypay/internal/chains/evm"
)

// Mode labels reported by GetContractInfo.
const (
	ModeContractPayment = "X402 Contract Payment"
	ModeDirectPayment   = "Direct Payment (Contract not found)"
	ModeFallbackDirect  = "Fallback Direct Payment"
)

// OwnerNotDeployed is reported as the owner in direct mode.
const OwnerNotDeployed = "N/A (contract not deployed)"

// ContractInfo describes how payments are currently routed.
type ContractInfo struct {
	ContractAddress  string `json:"contractAddress"`
	ContractExists   bool   `json:"contractExists"`
	PaymentAmount    string `json:"paymentAmount"`
	PaymentAmountWei string `json:"paymentAmountWei"`
	PaymentReceiver  string `json:"paymentReceiver"`
	Owner            string `json:"owner"`
	Network          string `json:"network"`
	ChainID          int64  `json:"chainId"`
	Mode             string `json:"mode"`
	Error            string `json:"error,omitempty"`
}

// Payment is the stored state of a payment transaction.
type Payment struct {
	TxHash          string
	Wallet          string
	AmountETH       decimal.Decimal
	Credits         decimal.Decimal
	Status          string
	VerifyStatus    string
	Mode            string
	Network         string
	ContractAddress string
	BlockNumber     int64
	GasUsed         int64
	Credited        bool
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// VerifyOutcome is a verification verdict together with its effect on the
// payer's balance.
type VerifyOutcome struct {
	Result *evm.Result
	// Credits is the USD value of the payment. Zero when not verified.
	Credits decimal.Decimal
	// AlreadyCredited is set when an earlier call credited this transaction.
	AlreadyCredited bool
	// Balance is the payer's balance after crediting, when known.
	Balance         *decimal.Decimal
	Network         string
	ContractAddress string
}

// PaginationParams contains pagination options.
type PaginationParams struct {
	Limit  int
	Cursor string
}

// PaymentList is a page of payments.
type PaymentList struct {
	Payments   []Payment
	HasMore    bool
	NextCursor string
}
