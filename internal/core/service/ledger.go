package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/ports"
	"github.com/google/uuid"
)

// Ledger is the only writer of transaction and reservation status. Every
// method runs in a single database transaction that locks the reservation row
// first, so concurrent webhooks, reconciler passes and admin actions for the
// same reservation are linearized.
type Ledger struct {
	store  ports.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(store ports.Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// RecordAttempt moves a reservation into IN_PAYMENT and returns its pending
// transaction. A reservation that already has a pending transaction gets the
// same one back, so repeated calls never create duplicates.
func (l *Ledger) RecordAttempt(ctx context.Context, reservationID string, providerID domain.ProviderID, spec domain.PaymentSpec) (*domain.Transaction, error) {
	var tx *domain.Transaction
	err := l.store.WithTx(ctx, func(st ports.Store) error {
		r, err := st.Reservations().FindByIDForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}

		current, err := st.Transactions().FindCurrentForUpdate(ctx, reservationID)
		if err != nil && !errors.Is(err, domain.ErrTransactionNotFound) {
			return err
		}
		if current != nil && current.Status == domain.TransactionPending {
			tx = current
			return nil
		}

		if r.Status == domain.ReservationPending {
			if err := r.TransitionTo(domain.ReservationInPayment, l.now()); err != nil {
				return err
			}
			if err := st.Reservations().UpdateStatus(ctx, r); err != nil {
				return err
			}
		} else if r.Status != domain.ReservationInPayment {
			return domain.NewInvalidTransitionError(r.Status, domain.ReservationInPayment)
		}

		if spec.Currency != r.Currency {
			return domain.NewCurrencyMismatchError(r.Currency, spec.Currency)
		}

		tx = domain.NewTransaction(reservationID, providerID, spec, l.now())
		return st.Transactions().Create(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// AttachExternalID stores the gateway's id for a pending transaction. The
// call is ignored when txID is no longer the current transaction.
func (l *Ledger) AttachExternalID(ctx context.Context, reservationID string, txID uuid.UUID, externalID string, metadata map[string]string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := l.store.WithTx(ctx, func(st ports.Store) error {
		if _, err := st.Reservations().FindByIDForUpdate(ctx, reservationID); err != nil {
			return err
		}
		tx, err := st.Transactions().FindCurrentForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if tx.ID != txID {
			l.logger.Warn("external id for superseded transaction ignored",
				"reservation_id", reservationID,
				"transaction_id", txID,
			)
			return nil
		}
		if externalID != "" {
			tx.ExternalID = &externalID
		}
		for k, v := range metadata {
			if v != "" {
				tx.Metadata[k] = v
			}
		}
		tx.UpdatedAt = l.now()
		if err := st.Transactions().Update(ctx, tx); err != nil {
			return err
		}
		out = tx
		return nil
	})
	return out, err
}

// FailAttempt marks a rejected attempt FAILED and returns the reservation to
// PENDING so the payer can retry.
func (l *Ledger) FailAttempt(ctx context.Context, reservationID string, txID uuid.UUID) (*domain.Reservation, error) {
	var out *domain.Reservation
	err := l.store.WithTx(ctx, func(st ports.Store) error {
		r, err := st.Reservations().FindByIDForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		tx, err := st.Transactions().FindCurrentForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if tx.ID != txID || tx.IsFinal() {
			out = r
			return nil
		}
		if err := l.failTransaction(ctx, st, r, tx); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

var errReservationMissing = errors.New("reservation missing")

// ApplyWebhookOutcome is the single writer of transaction completion. The
// idempotency key is inserted in the same transaction as the status change,
// so a key can only ever be applied once.
func (l *Ledger) ApplyWebhookOutcome(ctx context.Context, in domain.WebhookOutcome) (domain.ApplyResult, error) {
	if in.IdempotencyKey == "" {
		return domain.ApplyResult{}, domain.NewMissingRequiredFieldError("idempotency key")
	}
	if in.Status != domain.WebhookSuccess && in.Status != domain.WebhookFailure {
		return domain.ApplyResult{}, domain.NewInvalidRequestError(fmt.Sprintf("cannot apply webhook status %q", in.Status))
	}

	var res domain.ApplyResult
	err := l.store.WithTx(ctx, func(st ports.Store) error {
		claimed, err := st.WebhookEvents().Claim(ctx, &domain.WebhookEvent{
			ProviderID:     in.ProviderID,
			IdempotencyKey: in.IdempotencyKey,
			ReservationID:  in.ReservationID,
			Status:         in.Status,
			ReceivedAt:     l.now(),
		})
		if err != nil {
			return err
		}
		if !claimed {
			res.Outcome = domain.OutcomeDuplicate
			return nil
		}

		r, err := st.Reservations().FindByIDForUpdate(ctx, in.ReservationID)
		if err != nil {
			if errors.Is(err, domain.ErrReservationNotFound) {
				return errReservationMissing
			}
			return err
		}
		res.PreviousStatus = r.Status
		res.Reservation = r

		if r.IsTerminal() {
			res.Outcome = domain.OutcomeNotApplicable
			if in.Status == domain.WebhookSuccess && r.Status == domain.ReservationCancelled {
				l.logger.Error("payment succeeded for cancelled reservation",
					"alert", true,
					"kind", "paid_after_cancel",
					"reservation_id", r.ID,
					"provider", in.ProviderID,
					"external_id", in.ExternalID,
				)
			}
			return nil
		}

		current, err := st.Transactions().FindCurrentForUpdate(ctx, r.ID)
		if err != nil && !errors.Is(err, domain.ErrTransactionNotFound) {
			return err
		}

		switch in.Status {
		case domain.WebhookSuccess:
			tx, err := l.complete(ctx, st, r, current, in)
			if err != nil {
				return err
			}
			res.Transaction = tx
		case domain.WebhookFailure:
			if current == nil || current.IsFinal() || current.ProviderID != in.ProviderID {
				res.Outcome = domain.OutcomeNotApplicable
				return nil
			}
			if in.ExternalID != "" && current.ExternalID != nil && *current.ExternalID != in.ExternalID {
				res.Outcome = domain.OutcomeNotApplicable
				return nil
			}
			if err := l.failTransaction(ctx, st, r, current); err != nil {
				return err
			}
			res.Transaction = current
		}

		res.Outcome = domain.OutcomeApplied
		return nil
	})

	if errors.Is(err, errReservationMissing) {
		return domain.ApplyResult{Outcome: domain.OutcomeReservationNotFound}, nil
	}
	if err != nil {
		return domain.ApplyResult{}, err
	}
	return res, nil
}

// complete settles the reservation with tx, creating the transaction when
// the payment was started outside this system.
func (l *Ledger) complete(ctx context.Context, st ports.Store, r *domain.Reservation, current *domain.Transaction, in domain.WebhookOutcome) (*domain.Transaction, error) {
	now := l.now()
	tx := current

	if tx != nil && (tx.ProviderID != in.ProviderID || settlesOtherPayment(tx, in.ExternalID)) {
		current := ""
		if tx.ExternalID != nil {
			current = *tx.ExternalID
		}
		l.logger.Warn("payment settled outside the current attempt",
			"alert", true,
			"reservation_id", r.ID,
			"transaction_id", tx.ID,
			"current_provider", tx.ProviderID,
			"settling_provider", in.ProviderID,
			"current_external_id", current,
			"settling_external_id", in.ExternalID,
		)
		if !tx.IsFinal() {
			if err := tx.Fail(now); err != nil {
				return nil, err
			}
			if err := st.Transactions().Update(ctx, tx); err != nil {
				return nil, err
			}
		}
		tx = nil
	}

	if tx == nil {
		spec := domain.PaymentSpec{AmountCents: r.AmountCents, Currency: r.Currency}
		if in.AmountCents > 0 {
			spec.AmountCents = in.AmountCents
		}
		if in.Currency != "" {
			spec.Currency = in.Currency
		}
		tx = domain.NewTransaction(r.ID, in.ProviderID, spec, now)
		if in.ExternalID != "" {
			tx.ExternalID = &in.ExternalID
		}
		if err := st.Transactions().Create(ctx, tx); err != nil {
			return nil, err
		}
	} else {
		if in.Currency != "" && in.Currency != tx.Currency {
			return nil, domain.NewCurrencyMismatchError(tx.Currency, in.Currency)
		}
		if in.AmountCents > 0 {
			tx.AmountCents = in.AmountCents
		}
		if in.ExternalID != "" && tx.ExternalID == nil {
			tx.ExternalID = &in.ExternalID
		}
	}

	if err := tx.CoversReservation(r); err != nil {
		l.logger.Error("payment does not cover reservation",
			"alert", true,
			"reservation_id", r.ID,
			"provider", in.ProviderID,
			"transaction_id", tx.ID,
			"error", err,
		)
		return nil, err
	}

	if err := tx.Complete(now); err != nil {
		return nil, err
	}
	if err := st.Transactions().Update(ctx, tx); err != nil {
		return nil, err
	}

	if r.Status == domain.ReservationPending {
		if err := r.TransitionTo(domain.ReservationInPayment, now); err != nil {
			return nil, err
		}
	}
	if err := r.TransitionTo(domain.ReservationComplete, now); err != nil {
		return nil, l.invariantViolation(r, tx, err)
	}
	if err := st.Reservations().UpdateStatus(ctx, r); err != nil {
		return nil, l.invariantViolation(r, tx, err)
	}
	return tx, nil
}

// settlesOtherPayment reports a success for a payment id other than the one
// recorded on tx. The recorded attempt is then superseded.
func settlesOtherPayment(tx *domain.Transaction, externalID string) bool {
	return externalID != "" && tx.ExternalID != nil && *tx.ExternalID != externalID
}

// failTransaction marks tx FAILED. An IN_PAYMENT reservation goes back to
// PENDING; a STUCK one is cancelled because its expiry already passed.
func (l *Ledger) failTransaction(ctx context.Context, st ports.Store, r *domain.Reservation, tx *domain.Transaction) error {
	now := l.now()
	if err := tx.Fail(now); err != nil {
		return err
	}
	if err := st.Transactions().Update(ctx, tx); err != nil {
		return err
	}

	var target domain.ReservationStatus
	switch r.Status {
	case domain.ReservationInPayment:
		target = domain.ReservationPending
	case domain.ReservationStuck:
		target = domain.ReservationCancelled
	default:
		return nil
	}
	if err := r.TransitionTo(target, now); err != nil {
		return err
	}
	return st.Reservations().UpdateStatus(ctx, r)
}

func (l *Ledger) invariantViolation(r *domain.Reservation, tx *domain.Transaction, err error) error {
	l.logger.Error("reservation transition failed after transaction completed",
		"alert", true,
		"kind", "ledger_desync",
		"reservation_id", r.ID,
		"transaction_id", tx.ID,
		"error", err,
	)
	return domain.NewInvariantViolationError(
		fmt.Sprintf("reservation %s could not follow completed transaction %s", r.ID, tx.ID), err)
}

// TransitionCommand requests a non-completing status change.
type TransitionCommand struct {
	ReservationID string
	Target        domain.ReservationStatus
	Reason        string
}

type TransitionResult struct {
	Reservation    *domain.Reservation
	PreviousStatus domain.ReservationStatus
	// Released is the pending transaction given up by a cancellation. The
	// caller voids it at the gateway.
	Released *domain.Transaction
}

// Transition applies CANCELLED, STUCK or PENDING. COMPLETE is reachable only
// through ApplyWebhookOutcome.
func (l *Ledger) Transition(ctx context.Context, cmd TransitionCommand) (TransitionResult, error) {
	var res TransitionResult
	err := l.store.WithTx(ctx, func(st ports.Store) error {
		r, err := st.Reservations().FindByIDForUpdate(ctx, cmd.ReservationID)
		if err != nil {
			return err
		}
		res.PreviousStatus = r.Status
		now := l.now()

		if cmd.Target == domain.ReservationComplete {
			return domain.NewInvalidTransitionError(r.Status, cmd.Target)
		}
		if err := r.CanTransitionTo(cmd.Target); err != nil {
			return err
		}
		if cmd.Target == domain.ReservationStuck && !r.IsExpired(now) {
			return domain.NewInvalidRequestError(fmt.Sprintf("reservation %s has not expired", r.ID))
		}

		if cmd.Target == domain.ReservationCancelled || cmd.Target == domain.ReservationPending {
			tx, err := st.Transactions().FindCurrentForUpdate(ctx, r.ID)
			if err != nil && !errors.Is(err, domain.ErrTransactionNotFound) {
				return err
			}
			if tx != nil && tx.Status == domain.TransactionPending {
				if err := tx.Fail(now); err != nil {
					return err
				}
				if err := st.Transactions().Update(ctx, tx); err != nil {
					return err
				}
				res.Released = tx
			}
		}

		if err := r.TransitionTo(cmd.Target, now); err != nil {
			return err
		}
		if err := st.Reservations().UpdateStatus(ctx, r); err != nil {
			return err
		}
		res.Reservation = r
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}

	l.logger.Info("reservation transitioned",
		"reservation_id", cmd.ReservationID,
		"from", res.PreviousStatus,
		"to", cmd.Target,
		"reason", cmd.Reason,
	)
	return res, nil
}

// ExpireUnpaid cancels a PENDING reservation past expiry that never started
// a payment.
func (l *Ledger) ExpireUnpaid(ctx context.Context, reservationID string) (bool, error) {
	return l.store.Reservations().MarkExpired(ctx, reservationID, l.now())
}

func (l *Ledger) CurrentTransaction(ctx context.Context, reservationID string) (*domain.Transaction, error) {
	return l.store.Transactions().FindCurrent(ctx, reservationID)
}

// History lists every attempt for a reservation, oldest first.
func (l *Ledger) History(ctx context.Context, reservationID string) ([]*domain.Transaction, error) {
	if _, err := l.store.Reservations().FindByID(ctx, reservationID); err != nil {
		return nil, err
	}
	return l.store.Transactions().ListByReservation(ctx, reservationID)
}
