// Package provider defines the capabilities a payment gateway may implement
// and the registry that resolves gateways by id.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

// Provider is the minimal contract every gateway satisfies. Everything else is
// an optional capability discovered with As.
type Provider interface {
	ID() domain.ProviderID
}

// ExternalProcessing turns a reservation and client parameters into the
// normalized request a gateway understands.
type ExternalProcessing interface {
	BuildPaymentSpec(ctx context.Context, r *domain.Reservation, cost domain.Cost, params map[string]string) (domain.PaymentSpec, error)
}

// ServerInitiatedTransaction starts and voids charges from the server side.
type ServerInitiatedTransaction interface {
	InitTransaction(ctx context.Context, spec domain.PaymentSpec, tx *domain.Transaction) (domain.InitToken, error)
	DiscardTransaction(ctx context.Context, tx *domain.Transaction) error
}

// OfflineProcessor is implemented by gateways that never push notifications.
// CheckPayments reports which reservations in batch are paid since
// lastChecked.
type OfflineProcessor interface {
	CheckPayments(ctx context.Context, batch []*domain.Reservation, lastChecked time.Time) ([]domain.OfflineMatch, error)
}

// WebhookHandler parses pushed notifications and can query the gateway
// synchronously when a notification is missing.
type WebhookHandler interface {
	RequiresSignedBody() bool
	VerifySignature(body []byte, headers http.Header) error
	ParseWebhook(ctx context.Context, body []byte, headers http.Header) (domain.TransactionWebhookPayload, error)
	ForceTransactionCheck(ctx context.Context, r *domain.Reservation, tx *domain.Transaction) (domain.CheckResult, error)
}

// WebhookAcknowledger is implemented by providers that expect a specific
// response body for a webhook delivery. Others receive "OK".
type WebhookAcknowledger interface {
	AckText(result domain.PipelineResult) string
}
