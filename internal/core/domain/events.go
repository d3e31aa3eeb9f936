package domain

import "time"

type ReservationEventType string

const (
	EventReservationConfirmed ReservationEventType = "reservation.confirmed"
	EventReservationCancelled ReservationEventType = "reservation.cancelled"
	EventReservationStuck     ReservationEventType = "reservation.stuck"
)

// ReservationEvent tells inventory that seats can be issued or released.
type ReservationEvent struct {
	Type              ReservationEventType `json:"type"`
	ReservationID     string               `json:"reservation_id"`
	PurchaseContextID string               `json:"purchase_context_id"`
	Status            ReservationStatus    `json:"status"`
	OccurredAt        time.Time            `json:"occurred_at"`
}

func NewReservationEvent(t ReservationEventType, r *Reservation, at time.Time) ReservationEvent {
	return ReservationEvent{
		Type:              t,
		ReservationID:     r.ID,
		PurchaseContextID: r.PurchaseContextID,
		Status:            r.Status,
		OccurredAt:        at,
	}
}
