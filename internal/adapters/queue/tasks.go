// Package queue runs the background side of the engine on asynq: the
// confirmation hook, gateway void retries and the reconciliation ticks.
package queue

import (
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/google/uuid"
)

const (
	TypeReservationConfirmed = "reservation:confirmed"
	TypeDiscardTransaction   = "transaction:discard"
	TypeExpirySweep          = "reconcile:expiry"
	TypeOfflineSettlement    = "reconcile:offline"
)

const (
	QueueConfirmations = "confirmations"
	QueueGateway       = "gateway"
	QueueReconcile     = "reconcile"
)

// ConfirmedPayload is consumed by ticket issuance.
type ConfirmedPayload struct {
	ReservationID     string    `json:"reservation_id"`
	PurchaseContextID string    `json:"purchase_context_id"`
	OwnerName         string    `json:"owner_name"`
	OwnerEmail        string    `json:"owner_email"`
	AmountCents       int64     `json:"amount_cents"`
	Currency          string    `json:"currency"`
	ConfirmedAt       time.Time `json:"confirmed_at"`
}

type DiscardPayload struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	ReservationID string            `json:"reservation_id"`
	ProviderID    domain.ProviderID `json:"provider_id"`
	ExternalID    *string           `json:"external_id,omitempty"`
	AmountCents   int64             `json:"amount_cents"`
	Currency      string            `json:"currency"`
}

func newConfirmedPayload(r *domain.Reservation) ConfirmedPayload {
	p := ConfirmedPayload{
		ReservationID:     r.ID,
		PurchaseContextID: r.PurchaseContextID,
		OwnerName:         r.Owner.Name,
		OwnerEmail:        r.Owner.Email,
		AmountCents:       r.AmountCents,
		Currency:          r.Currency,
	}
	if r.ConfirmedAt != nil {
		p.ConfirmedAt = *r.ConfirmedAt
	}
	return p
}

func newDiscardPayload(tx *domain.Transaction) DiscardPayload {
	return DiscardPayload{
		TransactionID: tx.ID,
		ReservationID: tx.ReservationID,
		ProviderID:    tx.ProviderID,
		ExternalID:    tx.ExternalID,
		AmountCents:   tx.AmountCents,
		Currency:      tx.Currency,
	}
}

func (p DiscardPayload) transaction() *domain.Transaction {
	return &domain.Transaction{
		ID:            p.TransactionID,
		ReservationID: p.ReservationID,
		ProviderID:    p.ProviderID,
		ExternalID:    p.ExternalID,
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		Status:        domain.TransactionFailed,
	}
}
