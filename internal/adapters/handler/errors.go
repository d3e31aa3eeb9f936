package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToHTTPStatus maps domain error codes to HTTP status codes.
func ToHTTPStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}

	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		return http.StatusInternalServerError
	}

	switch domainErr.Code {
	case domain.ErrCodeInvalidSignature,
		domain.ErrCodeMalformedPayload,
		domain.ErrCodeUnsupportedProvider,
		domain.ErrCodeProviderNotConfigured,
		domain.ErrCodeReservationMismatch,
		domain.ErrCodeInvalidRequest,
		domain.ErrCodeCurrencyMismatch,
		domain.ErrCodeAmountMismatch:
		return http.StatusBadRequest

	case domain.ErrCodeReservationNotFound, domain.ErrCodeTransactionNotFound:
		return http.StatusNotFound

	case domain.ErrCodeInvalidTransition,
		domain.ErrCodeConcurrentModification,
		domain.ErrCodeDuplicateEvent:
		return http.StatusConflict

	case domain.ErrCodeGatewayRejected:
		return http.StatusUnprocessableEntity
	case domain.ErrCodeGatewayUnavailable:
		return http.StatusBadGateway
	case domain.ErrCodeGatewayTimeout:
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

// ToErrorCode returns the domain code of err, or INTERNAL_ERROR.
func ToErrorCode(err error) string {
	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "UNAVAILABLE"
	}
	return "INTERNAL_ERROR"
}

// WriteError maps errors to JSON error responses. Server-side failures are
// logged; client errors are not.
func WriteError(w http.ResponseWriter, err error, logger *slog.Logger) {
	statusCode := ToHTTPStatus(err)
	if statusCode >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "status", statusCode, "error", err)
	}

	message := err.Error()
	if statusCode == http.StatusInternalServerError {
		var domainErr *domain.DomainError
		if !errors.As(err, &domainErr) {
			message = "internal error"
		}
	}

	response := ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    ToErrorCode(err),
			Message: message,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}
