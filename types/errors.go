package types

import "errors"

// Error is the engine's typed error. Code is machine-readable and stable;
// Data carries failure detail such as required/available funds.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Error codes.
const (
	// Input validation, surfaced immediately, never retried.
	ErrInvalidAmount         = "INVALID_AMOUNT"
	ErrInvalidAddress        = "INVALID_ADDRESS"
	ErrInvalidSignature      = "INVALID_SIGNATURE"
	ErrReplayedAuthorization = "REPLAYED_AUTHORIZATION"

	// Terminal for the attempt, not for the payer.
	ErrInsufficientFunds   = "INSUFFICIENT_FUNDS"
	ErrTransactionReverted = "TRANSACTION_REVERTED"

	// Retryable by the caller; no credit has occurred.
	ErrConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	ErrChainUnavailable    = "CHAIN_UNAVAILABLE"
	ErrStorageFailure      = "STORAGE_FAILURE"

	ErrTransferVerificationFailed = "TRANSFER_VERIFICATION_FAILED"
	ErrInsufficientBalance        = "INSUFFICIENT_BALANCE"
)

// CodeOf extracts the error code, or empty for foreign errors. Wrapped
// errors are unwrapped.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the caller may retry the same request without
// risk of a duplicate side effect.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrConfirmationTimeout, ErrChainUnavailable, ErrStorageFailure:
		return true
	}
	return false
}
