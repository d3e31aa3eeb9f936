package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// WebhookStatus is the normalized result a provider reports for a payment.
type WebhookStatus string

const (
	WebhookSuccess WebhookStatus = "SUCCESS"
	WebhookFailure WebhookStatus = "FAILURE"
	// WebhookUnknown means the payload only names the payment; the status
	// must be fetched with a force check.
	WebhookUnknown WebhookStatus = "UNKNOWN"
	// WebhookIgnored marks event types that carry no payment decision.
	WebhookIgnored WebhookStatus = "IGNORED"
)

// TransactionWebhookPayload is what a provider's webhook parser extracts from
// a raw delivery.
type TransactionWebhookPayload struct {
	Type           string
	Status         WebhookStatus
	ReservationID  string
	ExternalID     string
	IdempotencyKey string
	// AmountCents and Currency are zero when the provider does not report them.
	AmountCents int64
	Currency    string
}

// WebhookEvent is a processed delivery, kept for the dedupe window.
type WebhookEvent struct {
	ProviderID     ProviderID
	IdempotencyKey string
	ReservationID  string
	Status         WebhookStatus
	ReceivedAt     time.Time
}

// DeriveIdempotencyKey returns the provider event id when there is one,
// otherwise a hash over provider, reservation and raw payload.
func DeriveIdempotencyKey(provider ProviderID, eventID, reservationID string, body []byte) string {
	if eventID != "" {
		return eventID
	}
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(reservationID))
	h.Write([]byte{0})
	h.Write(body)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ManualIdempotencyKey is the key used when an operator resolves a stuck
// reservation.
func ManualIdempotencyKey(reservationID string) string {
	return "manual:" + reservationID
}

// ApplyOutcome is the ledger's answer to ApplyWebhookOutcome.
type ApplyOutcome string

const (
	OutcomeApplied             ApplyOutcome = "APPLIED"
	OutcomeDuplicate           ApplyOutcome = "DUPLICATE"
	OutcomeReservationNotFound ApplyOutcome = "RESERVATION_NOT_FOUND"
	// OutcomeNotApplicable records the key but changes nothing: the
	// reservation was already terminal when the event arrived.
	OutcomeNotApplicable ApplyOutcome = "NOT_APPLICABLE"
)

// WebhookOutcome is the input to the ledger's single completion writer.
type WebhookOutcome struct {
	ProviderID     ProviderID
	IdempotencyKey string
	ReservationID  string
	Status         WebhookStatus
	ExternalID     string
	AmountCents    int64
	Currency       string
}

type ApplyResult struct {
	Outcome     ApplyOutcome
	Reservation *Reservation
	Transaction *Transaction
	// PreviousStatus is the reservation status before the event was applied.
	PreviousStatus ReservationStatus
}

// PipelineResult is the tri-state answer reported back to the HTTP boundary.
type PipelineResult string

const (
	ResultSuccessful  PipelineResult = "SUCCESSFUL"
	ResultError       PipelineResult = "ERROR"
	ResultNotRelevant PipelineResult = "NOT_RELEVANT"
)

// CheckStatus is the answer of a synchronous provider query.
type CheckStatus string

const (
	CheckPaid    CheckStatus = "PAID"
	CheckFailed  CheckStatus = "FAILED"
	CheckPending CheckStatus = "PENDING"
)

type CheckResult struct {
	Status      CheckStatus
	ExternalID  string
	AmountCents int64
	Currency    string
}

// OfflineMatch reports a reservation an offline provider considers paid.
type OfflineMatch struct {
	ReservationID string
	Reference     string
	AmountCents   int64
	Currency      string
	PaidAt        time.Time
}

// InitToken is returned by server-initiated transactions. Exactly one of
// ClientToken and ErrorToken is set.
type InitToken struct {
	ClientToken string
	ErrorToken  string
	ExternalID  string
}
