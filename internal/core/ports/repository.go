package ports

import (
	"context"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

// ReservationRepository reads and updates reservation rows. Status changes go
// through the ledger or the reservation service, never straight from callers.
type ReservationRepository interface {
	Create(ctx context.Context, r *domain.Reservation) error
	FindByID(ctx context.Context, id string) (*domain.Reservation, error)
	FindByIDForUpdate(ctx context.Context, id string) (*domain.Reservation, error)
	// UpdateStatus persists r.Status if the stored version still equals
	// r.Version, then bumps r.Version.
	UpdateStatus(ctx context.Context, r *domain.Reservation) error
	// MarkExpired cancels a PENDING reservation past expiry that never
	// started a payment. It reports whether a row changed.
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)

	// ClaimExpired leases PENDING/IN_PAYMENT reservations past expiry whose
	// current transaction does not belong to one of excludeProviders.
	ClaimExpired(ctx context.Context, now time.Time, lease time.Duration, limit int, excludeProviders []domain.ProviderID) ([]*domain.Reservation, error)
	// ClaimAwaitingSettlement leases IN_PAYMENT and STUCK reservations whose
	// pending transaction belongs to provider, STUCK ones last.
	ClaimAwaitingSettlement(ctx context.Context, provider domain.ProviderID, now time.Time, lease time.Duration, limit int) ([]*domain.Reservation, error)
	ReleaseClaim(ctx context.Context, id string) error
}

type TransactionRepository interface {
	Create(ctx context.Context, tx *domain.Transaction) error
	// FindCurrent returns the latest PENDING or COMPLETE transaction.
	FindCurrent(ctx context.Context, reservationID string) (*domain.Transaction, error)
	FindCurrentForUpdate(ctx context.Context, reservationID string) (*domain.Transaction, error)
	Update(ctx context.Context, tx *domain.Transaction) error
	ListByReservation(ctx context.Context, reservationID string) ([]*domain.Transaction, error)
}

type WebhookEventRepository interface {
	// Claim stores the event key. It returns false when the key was already
	// present for the provider.
	Claim(ctx context.Context, event *domain.WebhookEvent) (bool, error)
}

type CheckpointRepository interface {
	LastChecked(ctx context.Context, provider domain.ProviderID) (time.Time, error)
	SaveLastChecked(ctx context.Context, provider domain.ProviderID, at time.Time) error
}

// Store groups the repositories that must change together.
type Store interface {
	Reservations() ReservationRepository
	Transactions() TransactionRepository
	WebhookEvents() WebhookEventRepository
	Checkpoints() CheckpointRepository

	// WithTx executes a function within a database transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}
