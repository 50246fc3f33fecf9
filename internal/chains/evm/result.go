package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Status is the terminal tag of a verification.
type Status string

// Verified outcomes
const (
	StatusConfirmed              Status = "confirmed"
	StatusConfirmedNoEvents      Status = "confirmed_no_events"
	StatusConfirmedDirect        Status = "confirmed_direct"
	StatusConfirmedManualReceipt Status = "confirmed_manual_receipt"
	StatusMinedNoReceipt         Status = "mined_no_receipt"
	StatusFoundOnRetry           Status = "found_on_retry"
	StatusFoundOnRetryNoReceipt  Status = "found_on_retry_no_receipt"
	StatusPending                Status = "pending"
)

// Rejected or exhausted outcomes
const (
	StatusNotFound               Status = "not_found"
	StatusSenderMismatch         Status = "sender_mismatch"
	StatusWrongRecipient         Status = "wrong_recipient"
	StatusFailed                 Status = "failed"
	StatusNetworkErrorMaxRetries Status = "network_error_max_retries"
	StatusMaxRetriesExceeded     Status = "max_retries_exceeded"
	StatusErrorMaxRetries        Status = "error_max_retries"
	StatusPermanentError         Status = "permanent_error"
	StatusCanceled               Status = "canceled"
)

// Provisional reports whether the status was reached without observing a
// successful receipt for the transaction.
func (s Status) Provisional() bool {
	switch s {
	case StatusPending, StatusMinedNoReceipt, StatusFoundOnRetryNoReceipt:
		return true
	}
	return false
}

// Kind classifies unverified outcomes so callers can branch without
// matching on status strings.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindSenderMismatch
	KindWrongRecipient
	KindFailed
	KindPending
	KindNetwork
	KindMaxRetries
	KindPermanent
	KindCanceled
)

var kindNames = map[Kind]string{
	KindNone:           "none",
	KindNotFound:       "not_found",
	KindSenderMismatch: "sender_mismatch",
	KindWrongRecipient: "wrong_recipient",
	KindFailed:         "failed",
	KindPending:        "pending",
	KindNetwork:        "network",
	KindMaxRetries:     "max_retries",
	KindPermanent:      "permanent",
	KindCanceled:       "canceled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Permanent reports whether retrying the same transaction can never change
// the verdict.
func (k Kind) Permanent() bool {
	switch k {
	case KindSenderMismatch, KindWrongRecipient, KindFailed, KindPermanent:
		return true
	}
	return false
}

// KindOf maps a status to its error kind.
func KindOf(s Status) Kind {
	switch s {
	case StatusNotFound:
		return KindNotFound
	case StatusSenderMismatch:
		return KindSenderMismatch
	case StatusWrongRecipient:
		return KindWrongRecipient
	case StatusFailed:
		return KindFailed
	case StatusPending, StatusMinedNoReceipt, StatusFoundOnRetryNoReceipt:
		return KindPending
	case StatusNetworkErrorMaxRetries:
		return KindNetwork
	case StatusMaxRetriesExceeded, StatusErrorMaxRetries:
		return KindMaxRetries
	case StatusPermanentError:
		return KindPermanent
	case StatusCanceled:
		return KindCanceled
	}
	return KindNone
}

// VerifyError describes why a payment was not verified.
type VerifyError struct {
	Kind    Kind
	Status  Status
	Message string
	Err     error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// Result is the verdict of one verification call chain.
type Result struct {
	Verified  bool
	Status    Status
	Mode      Mode
	TxHash    common.Hash
	Sender    common.Address
	Receiver  common.Address
	AmountWei *big.Int
	// BlockNumber and GasUsed are zero when no receipt was observed.
	BlockNumber uint64
	GasUsed     uint64
	Attempts    int
	Err         *VerifyError
}

// Amount returns the paid amount in ETH.
func (r *Result) Amount() decimal.Decimal {
	return WeiToETH(r.AmountWei)
}

// Failure returns the failure as an error, or nil when verified.
func (r *Result) Failure() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}
