package service

import (
	"context"
	"errors"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

// ErrorCategory represents the nature of an error for retry logic
type ErrorCategory string

const (
	CategoryTransient    ErrorCategory = "TRANSIENT"
	CategoryPermanent    ErrorCategory = "PERMANENT"
	CategoryBusinessRule ErrorCategory = "BUSINESS_RULE"
	CategoryClientError  ErrorCategory = "CLIENT_ERROR"
	// CategoryInvariant means the ledger and reservation disagree; it needs
	// an operator, never an automatic retry.
	CategoryInvariant ErrorCategory = "INVARIANT"
)

// CategorizeError determines error category for retry and logging purposes
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTransient
	}

	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		// Database and network failures without a domain code.
		return CategoryTransient
	}

	switch domainErr.Code {
	case domain.ErrCodeGatewayTimeout,
		domain.ErrCodeGatewayUnavailable,
		domain.ErrCodeConcurrentModification:
		return CategoryTransient

	case domain.ErrCodeGatewayRejected:
		return CategoryPermanent

	case domain.ErrCodeCurrencyMismatch,
		domain.ErrCodeAmountMismatch,
		domain.ErrCodeInvalidTransition:
		return CategoryBusinessRule

	case domain.ErrCodeInvariantViolation:
		return CategoryInvariant

	default:
		return CategoryClientError
	}
}

// IsRetryable returns true if the error category suggests retry
func IsRetryable(err error) bool {
	return CategorizeError(err) == CategoryTransient
}

// IsIndeterminate reports whether a gateway call ended without a definitive
// answer. Such results never move a reservation to a terminal state.
func IsIndeterminate(err error) bool {
	return err != nil && IsRetryable(err)
}
