package domain

import (
	"errors"
	"fmt"
)

// DomainError carries a stable Code that adapters map to transport statuses.
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError carrying the same code, so callers can write
// errors.Is(err, domain.ErrCurrencyMismatch).
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

const (
	ErrCodeUnsupportedProvider    = "UNSUPPORTED_PROVIDER"
	ErrCodeProviderNotConfigured  = "PROVIDER_NOT_CONFIGURED"
	ErrCodeInvalidSignature       = "INVALID_SIGNATURE"
	ErrCodeMalformedPayload       = "MALFORMED_PAYLOAD"
	ErrCodeCurrencyMismatch       = "CURRENCY_MISMATCH"
	ErrCodeReservationNotFound    = "RESERVATION_NOT_FOUND"
	ErrCodeDuplicateEvent         = "DUPLICATE_EVENT"
	ErrCodeGatewayTimeout         = "GATEWAY_TIMEOUT"
	ErrCodeGatewayRejected        = "GATEWAY_REJECTED"
	ErrCodeInvalidRequest         = "INVALID_REQUEST"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodeAmountMismatch         = "AMOUNT_MISMATCH"
	ErrCodeReservationMismatch    = "RESERVATION_MISMATCH"
	ErrCodeInvariantViolation     = "INVARIANT_VIOLATION"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeTransactionNotFound    = "TRANSACTION_NOT_FOUND"
	ErrCodeGatewayUnavailable     = "GATEWAY_UNAVAILABLE"
)

// Sentinels for errors.Is comparisons. Only the code is significant.
var (
	ErrUnsupportedProvider    = &DomainError{Code: ErrCodeUnsupportedProvider, Message: "unsupported provider"}
	ErrProviderNotConfigured  = &DomainError{Code: ErrCodeProviderNotConfigured, Message: "provider not configured"}
	ErrInvalidSignature       = &DomainError{Code: ErrCodeInvalidSignature, Message: "invalid webhook signature"}
	ErrMalformedPayload       = &DomainError{Code: ErrCodeMalformedPayload, Message: "malformed webhook payload"}
	ErrCurrencyMismatch       = &DomainError{Code: ErrCodeCurrencyMismatch, Message: "currency mismatch"}
	ErrReservationNotFound    = &DomainError{Code: ErrCodeReservationNotFound, Message: "reservation not found"}
	ErrDuplicateEvent         = &DomainError{Code: ErrCodeDuplicateEvent, Message: "event already processed"}
	ErrGatewayTimeout         = &DomainError{Code: ErrCodeGatewayTimeout, Message: "gateway timeout"}
	ErrGatewayRejected        = &DomainError{Code: ErrCodeGatewayRejected, Message: "gateway rejected the request"}
	ErrInvalidRequest         = &DomainError{Code: ErrCodeInvalidRequest, Message: "invalid request"}
	ErrInvalidTransition      = &DomainError{Code: ErrCodeInvalidTransition, Message: "invalid transition"}
	ErrAmountMismatch         = &DomainError{Code: ErrCodeAmountMismatch, Message: "amount mismatch"}
	ErrReservationMismatch    = &DomainError{Code: ErrCodeReservationMismatch, Message: "reservation mismatch"}
	ErrInvariantViolation     = &DomainError{Code: ErrCodeInvariantViolation, Message: "invariant violation"}
	ErrConcurrentModification = &DomainError{Code: ErrCodeConcurrentModification, Message: "concurrent modification"}
	ErrTransactionNotFound    = &DomainError{Code: ErrCodeTransactionNotFound, Message: "transaction not found"}
	ErrGatewayUnavailable     = &DomainError{Code: ErrCodeGatewayUnavailable, Message: "gateway unavailable"}
)

func NewUnsupportedProviderError(id ProviderID) *DomainError {
	return &DomainError{
		Code:    ErrCodeUnsupportedProvider,
		Message: fmt.Sprintf("provider %q is not supported", id),
	}
}

func NewCapabilityMissingError(id ProviderID, capability string) *DomainError {
	return &DomainError{
		Code:    ErrCodeUnsupportedProvider,
		Message: fmt.Sprintf("provider %s does not implement %s", id, capability),
	}
}

func NewProviderNotConfiguredError(id ProviderID, purchaseContextID string) *DomainError {
	return &DomainError{
		Code:    ErrCodeProviderNotConfigured,
		Message: fmt.Sprintf("provider %s is not enabled for %q", id, purchaseContextID),
	}
}

func NewInvalidSignatureError(err error) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvalidSignature,
		Message: "webhook signature verification failed",
		Err:     err,
	}
}

func NewMalformedPayloadError(err error) *DomainError {
	return &DomainError{
		Code:    ErrCodeMalformedPayload,
		Message: "webhook payload could not be parsed",
		Err:     err,
	}
}

func NewCurrencyMismatchError(expected, actual string) *DomainError {
	return &DomainError{
		Code:    ErrCodeCurrencyMismatch,
		Message: fmt.Sprintf("currency mismatch: expected %s, got %s", expected, actual),
	}
}

func NewAmountMismatchError(expected, actual int64) *DomainError {
	return &DomainError{
		Code:    ErrCodeAmountMismatch,
		Message: fmt.Sprintf("amount mismatch: expected at least %d, got %d", expected, actual),
	}
}

func NewReservationNotFoundError(id string) *DomainError {
	return &DomainError{
		Code:    ErrCodeReservationNotFound,
		Message: fmt.Sprintf("reservation %s not found", id),
	}
}

func NewTransactionNotFoundError(reservationID string) *DomainError {
	return &DomainError{
		Code:    ErrCodeTransactionNotFound,
		Message: fmt.Sprintf("no current transaction for reservation %s", reservationID),
	}
}

func NewReservationMismatchError(route, payload string) *DomainError {
	return &DomainError{
		Code:    ErrCodeReservationMismatch,
		Message: fmt.Sprintf("payload reservation %s does not match route reservation %s", payload, route),
	}
}

func NewGatewayTimeoutError(op string, err error) *DomainError {
	return &DomainError{
		Code:    ErrCodeGatewayTimeout,
		Message: fmt.Sprintf("timeout waiting for gateway %s", op),
		Err:     err,
	}
}

func NewGatewayRejectedError(reason string, err error) *DomainError {
	return &DomainError{
		Code:    ErrCodeGatewayRejected,
		Message: fmt.Sprintf("gateway rejected: %s", reason),
		Err:     err,
	}
}

func NewGatewayUnavailableError(err error) *DomainError {
	return &DomainError{
		Code:    ErrCodeGatewayUnavailable,
		Message: "gateway unavailable",
		Err:     err,
	}
}

func NewInvalidRequestError(reason string) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvalidRequest,
		Message: reason,
	}
}

func NewMissingRequiredFieldError(field string) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvalidRequest,
		Message: fmt.Sprintf("%s is required", field),
	}
}

func NewInvalidTransitionError(from, to ReservationStatus) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("cannot transition from %s to %s", from, to),
	}
}

func NewTransactionFinalError(id string, status TransactionStatus) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("transaction %s is already %s", id, status),
	}
}

func NewInvariantViolationError(msg string, err error) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvariantViolation,
		Message: msg,
		Err:     err,
	}
}

func NewConcurrentModificationError(id string) *DomainError {
	return &DomainError{
		Code:    ErrCodeConcurrentModification,
		Message: fmt.Sprintf("reservation %s was modified concurrently", id),
	}
}

// IsErrorCode reports whether err wraps a DomainError with the given code.
func IsErrorCode(err error, code string) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}
