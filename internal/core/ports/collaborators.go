package ports

import (
	"context"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

// ConfirmationNotifier is invoked once per COMPLETE transition. Delivery and
// its retries happen outside the payment transaction.
type ConfirmationNotifier interface {
	NotifyConfirmed(ctx context.Context, r *domain.Reservation) error
}

// EventPublisher forwards reservation lifecycle events to inventory.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.ReservationEvent) error
}

// DiscardQueue schedules a void that failed inline for later retry.
type DiscardQueue interface {
	EnqueueDiscard(ctx context.Context, tx *domain.Transaction) error
}

// DedupeCache is a fast-path filter in front of the webhook_events table.
// It may forget keys; the table stays authoritative.
type DedupeCache interface {
	Seen(ctx context.Context, provider domain.ProviderID, key string) (bool, error)
	Remember(ctx context.Context, provider domain.ProviderID, key string) error
}

// ProviderSettings exposes per-provider configuration.
type ProviderSettings interface {
	IsEnabled(ctx context.Context, id domain.ProviderID, purchaseContextID string) bool
	WebhookSecret(id domain.ProviderID) string
}

// KeyedLocker serializes work per key within one process. Row locks remain
// the cross-instance guarantee.
type KeyedLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
