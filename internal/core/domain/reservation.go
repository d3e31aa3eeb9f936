// Package domain defines the reservation, transaction and webhook models of
// the ticketing payment engine.
package domain

import (
	"time"
)

// ReservationStatus represents where a reservation is in its payment lifecycle
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationInPayment ReservationStatus = "IN_PAYMENT"
	ReservationComplete  ReservationStatus = "COMPLETE"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationStuck     ReservationStatus = "STUCK"
)

type Contact struct {
	Name  string
	Email string
}

// Reservation is a hold on tickets within one purchase context (event or
// subscription) awaiting payment.
type Reservation struct {
	ID                string
	PurchaseContextID string
	Status            ReservationStatus
	AmountCents       int64
	Currency          string
	ExpiresAt         time.Time
	ConfirmedAt       *time.Time
	Owner             Contact

	// Version is bumped on every status change and checked on update.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanTransitionTo validates whether a reservation can move from its current
// status to target. It returns nil if the transition is allowed.
//
// Valid transitions are:
//   - Pending → InPayment, Cancelled, Stuck
//   - InPayment → Complete, Pending, Cancelled, Stuck
//   - Stuck → Complete, Cancelled
//
// Complete and Cancelled are terminal.
func (r *Reservation) CanTransitionTo(target ReservationStatus) error {
	switch r.Status {
	case ReservationComplete, ReservationCancelled:
		return NewInvalidTransitionError(r.Status, target)

	case ReservationPending:
		switch target {
		case ReservationInPayment, ReservationCancelled, ReservationStuck:
			return nil
		}

	case ReservationInPayment:
		switch target {
		case ReservationComplete, ReservationPending, ReservationCancelled, ReservationStuck:
			return nil
		}

	case ReservationStuck:
		if target == ReservationComplete || target == ReservationCancelled {
			return nil
		}
	}
	return NewInvalidTransitionError(r.Status, target)
}

// TransitionTo applies a guarded status change. The caller persists the
// result with the version it read.
func (r *Reservation) TransitionTo(target ReservationStatus, now time.Time) error {
	if err := r.CanTransitionTo(target); err != nil {
		return err
	}
	r.Status = target
	r.UpdatedAt = now
	if target == ReservationComplete {
		r.ConfirmedAt = &now
	}
	return nil
}

func (r *Reservation) IsTerminal() bool {
	return r.Status == ReservationComplete || r.Status == ReservationCancelled
}

func (r *Reservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Cost is the price breakdown handed to ExternalProcessing providers.
type Cost struct {
	TotalCents int64
	FeeCents   int64
	TaxCents   int64
	Currency   string
}
