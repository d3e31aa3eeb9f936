package domain

import (
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "PENDING"
	TransactionComplete TransactionStatus = "COMPLETE"
	TransactionFailed   TransactionStatus = "FAILED"
)

// Transaction is one payment attempt against a provider. A reservation keeps
// its superseded attempts; only the latest non-failed one is current.
type Transaction struct {
	ID            uuid.UUID
	ReservationID string
	ProviderID    ProviderID
	ExternalID    *string
	AmountCents   int64
	Currency      string
	Status        TransactionStatus
	Metadata      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewTransaction(reservationID string, providerID ProviderID, spec PaymentSpec, now time.Time) *Transaction {
	metadata := make(map[string]string, len(spec.Metadata))
	for k, v := range spec.Metadata {
		metadata[k] = v
	}
	return &Transaction{
		ID:            uuid.New(),
		ReservationID: reservationID,
		ProviderID:    providerID,
		AmountCents:   spec.AmountCents,
		Currency:      spec.Currency,
		Status:        TransactionPending,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (t *Transaction) IsFinal() bool {
	return t.Status == TransactionComplete || t.Status == TransactionFailed
}

// Complete marks the attempt as settled. A completed transaction never changes
// amount or status again.
func (t *Transaction) Complete(now time.Time) error {
	if t.IsFinal() {
		return NewTransactionFinalError(t.ID.String(), t.Status)
	}
	t.Status = TransactionComplete
	t.UpdatedAt = now
	return nil
}

func (t *Transaction) Fail(now time.Time) error {
	if t.IsFinal() {
		return NewTransactionFinalError(t.ID.String(), t.Status)
	}
	t.Status = TransactionFailed
	t.UpdatedAt = now
	return nil
}

// CoversReservation checks the settlement rules for completing r with t:
// same currency and at least the reservation total.
func (t *Transaction) CoversReservation(r *Reservation) error {
	if t.Currency != r.Currency {
		return NewCurrencyMismatchError(r.Currency, t.Currency)
	}
	if t.AmountCents < r.AmountCents {
		return NewAmountMismatchError(r.AmountCents, t.AmountCents)
	}
	return nil
}

// PaymentSpec is the normalized request handed to a gateway.
type PaymentSpec struct {
	AmountCents int64
	Currency    string
	Descriptor  string
	Metadata    map[string]string
}
