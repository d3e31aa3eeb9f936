package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/ports"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/provider"
	"github.com/google/uuid"
)

const clientTokenKey = "client_token"

// ReservationService drives the reservation state machine. Gateway calls are
// made outside ledger transactions and always carry a timeout.
type ReservationService struct {
	ledger         *Ledger
	store          ports.Store
	registry       *provider.Registry
	notifier       ports.ConfirmationNotifier
	publisher      ports.EventPublisher
	discards       ports.DiscardQueue
	gatewayTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func NewReservationService(
	ledger *Ledger,
	store ports.Store,
	registry *provider.Registry,
	notifier ports.ConfirmationNotifier,
	publisher ports.EventPublisher,
	discards ports.DiscardQueue,
	gatewayTimeout time.Duration,
	logger *slog.Logger,
) *ReservationService {
	return &ReservationService{
		ledger:         ledger,
		store:          store,
		registry:       registry,
		notifier:       notifier,
		publisher:      publisher,
		discards:       discards,
		gatewayTimeout: gatewayTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

type InitiatePaymentCommand struct {
	ReservationID string
	ProviderID    domain.ProviderID
	Cost          domain.Cost
	Params        map[string]string
}

type InitiateResult struct {
	Transaction *domain.Transaction
	Token       domain.InitToken
}

// InitiatePayment moves a reservation into IN_PAYMENT. For gateways that
// charge server side the attempt is started immediately; a rejection returns
// the reservation to PENDING, a timeout leaves the attempt for reconciliation.
func (s *ReservationService) InitiatePayment(ctx context.Context, cmd InitiatePaymentCommand) (*InitiateResult, error) {
	r, err := s.store.Reservations().FindByID(ctx, cmd.ReservationID)
	if err != nil {
		return nil, err
	}
	if r.IsExpired(s.now()) {
		return nil, domain.NewInvalidRequestError(fmt.Sprintf("reservation %s has expired", r.ID))
	}

	h, err := s.registry.Resolve(ctx, cmd.ProviderID, r.PurchaseContextID)
	if err != nil {
		return nil, err
	}
	ext, ok := provider.As[provider.ExternalProcessing](h)
	if !ok {
		return nil, domain.NewCapabilityMissingError(h.ID(), "ExternalProcessing")
	}

	spec, err := ext.BuildPaymentSpec(ctx, r, cmd.Cost, cmd.Params)
	if err != nil {
		return nil, err
	}

	tx, err := s.ledger.RecordAttempt(ctx, r.ID, h.ID(), spec)
	if err != nil {
		return nil, err
	}
	if tx.ProviderID != h.ID() {
		return nil, domain.NewInvalidRequestError(
			fmt.Sprintf("reservation %s already has a pending %s payment", r.ID, tx.ProviderID))
	}

	sit, ok := provider.As[provider.ServerInitiatedTransaction](h)
	if !ok {
		return &InitiateResult{Transaction: tx}, nil
	}
	if tx.ExternalID != nil {
		return &InitiateResult{
			Transaction: tx,
			Token:       domain.InitToken{ClientToken: tx.Metadata[clientTokenKey], ExternalID: *tx.ExternalID},
		}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	token, err := sit.InitTransaction(callCtx, spec, tx)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrGatewayRejected) {
			if _, failErr := s.ledger.FailAttempt(ctx, r.ID, tx.ID); failErr != nil {
				s.logger.Error("failed to release rejected attempt",
					"reservation_id", r.ID,
					"transaction_id", tx.ID,
					"error", failErr,
				)
			}
		} else {
			s.logger.Warn("payment initiation indeterminate, leaving attempt for reconciliation",
				"reservation_id", r.ID,
				"transaction_id", tx.ID,
				"error", err,
			)
		}
		return nil, err
	}

	if token.ErrorToken != "" {
		if _, err := s.ledger.FailAttempt(ctx, r.ID, tx.ID); err != nil {
			return nil, err
		}
		return &InitiateResult{Transaction: tx, Token: token}, nil
	}

	updated, err := s.ledger.AttachExternalID(ctx, r.ID, tx.ID, token.ExternalID, map[string]string{
		clientTokenKey: token.ClientToken,
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		tx = updated
	}
	return &InitiateResult{Transaction: tx, Token: token}, nil
}

// Cancel cancels a reservation and voids its pending transaction. A failed
// void is queued for retry and never fails the cancellation.
func (s *ReservationService) Cancel(ctx context.Context, reservationID, reason string) (*domain.Reservation, error) {
	res, err := s.ledger.Transition(ctx, TransitionCommand{
		ReservationID: reservationID,
		Target:        domain.ReservationCancelled,
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, domain.EventReservationCancelled, res.Reservation)
	if res.Released != nil {
		s.releaseTransaction(ctx, res.Reservation, res.Released)
	}
	return res.Reservation, nil
}

func (s *ReservationService) releaseTransaction(ctx context.Context, r *domain.Reservation, tx *domain.Transaction) {
	if tx.ExternalID == nil {
		return
	}
	if err := s.DiscardTransaction(ctx, tx); err != nil {
		s.logger.Warn("void failed, queued for retry",
			"reservation_id", r.ID,
			"transaction_id", tx.ID,
			"provider", tx.ProviderID,
			"error", err,
		)
		if qErr := s.discards.EnqueueDiscard(ctx, tx); qErr != nil {
			s.logger.Error("failed to queue void retry",
				"reservation_id", r.ID,
				"transaction_id", tx.ID,
				"error", qErr,
			)
		}
	}
}

// DiscardTransaction voids tx at its gateway. Providers without
// ServerInitiatedTransaction have nothing to void.
func (s *ReservationService) DiscardTransaction(ctx context.Context, tx *domain.Transaction) error {
	h, err := s.registry.Resolve(ctx, tx.ProviderID, "")
	if err != nil {
		return err
	}
	sit, ok := provider.As[provider.ServerInitiatedTransaction](h)
	if !ok {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	return sit.DiscardTransaction(callCtx, tx)
}

// MarkStuck quarantines an expired reservation whose payment state could
// not be determined.
func (s *ReservationService) MarkStuck(ctx context.Context, reservationID, reason string) (*domain.Reservation, error) {
	res, err := s.ledger.Transition(ctx, TransitionCommand{
		ReservationID: reservationID,
		Target:        domain.ReservationStuck,
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("reservation needs manual resolution",
		"alert", true,
		"reservation_id", reservationID,
		"from", res.PreviousStatus,
		"reason", reason,
	)
	s.publish(ctx, domain.EventReservationStuck, res.Reservation)
	return res.Reservation, nil
}

// Expire cancels a PENDING reservation past expiry that never started a
// payment. It reports whether anything changed.
func (s *ReservationService) Expire(ctx context.Context, reservationID string) (bool, error) {
	changed, err := s.ledger.ExpireUnpaid(ctx, reservationID)
	if err != nil || !changed {
		return changed, err
	}
	r, err := s.store.Reservations().FindByID(ctx, reservationID)
	if err != nil {
		return true, err
	}
	s.publish(ctx, domain.EventReservationCancelled, r)
	return true, nil
}

type ResolveCommand struct {
	ReservationID string
	Resolution    domain.ReservationStatus
	// ProviderID and ExternalID identify the payment when completing a
	// reservation that has no current transaction.
	ProviderID domain.ProviderID
	ExternalID string
	Note       string
}

// ResolveStuck lets an operator complete or cancel a STUCK reservation.
func (s *ReservationService) ResolveStuck(ctx context.Context, cmd ResolveCommand) (*domain.Reservation, error) {
	r, err := s.store.Reservations().FindByID(ctx, cmd.ReservationID)
	if err != nil {
		return nil, err
	}
	if r.Status != domain.ReservationStuck {
		return nil, domain.NewInvalidTransitionError(r.Status, cmd.Resolution)
	}

	switch cmd.Resolution {
	case domain.ReservationCancelled:
		return s.Cancel(ctx, r.ID, "manual: "+cmd.Note)

	case domain.ReservationComplete:
		providerID := cmd.ProviderID
		if providerID == "" {
			tx, err := s.ledger.CurrentTransaction(ctx, r.ID)
			if err != nil {
				if errors.Is(err, domain.ErrTransactionNotFound) {
					return nil, domain.NewMissingRequiredFieldError("provider_id")
				}
				return nil, err
			}
			providerID = tx.ProviderID
		}

		res, err := s.Apply(ctx, domain.WebhookOutcome{
			ProviderID:     providerID,
			IdempotencyKey: domain.ManualIdempotencyKey(r.ID),
			ReservationID:  r.ID,
			Status:         domain.WebhookSuccess,
			ExternalID:     cmd.ExternalID,
		})
		if err != nil {
			return nil, err
		}
		if res.Outcome != domain.OutcomeApplied {
			return nil, domain.NewInvalidRequestError(
				fmt.Sprintf("reservation %s was not completed: %s", r.ID, res.Outcome))
		}
		s.logger.Info("stuck reservation resolved manually",
			"reservation_id", r.ID,
			"resolution", cmd.Resolution,
			"note", cmd.Note,
		)
		return res.Reservation, nil

	default:
		return nil, domain.NewInvalidRequestError(fmt.Sprintf("resolution must be COMPLETE or CANCELLED, got %q", cmd.Resolution))
	}
}

// Apply records an outcome through the ledger and runs the post-commit
// side effects exactly when the ledger reports APPLIED.
func (s *ReservationService) Apply(ctx context.Context, in domain.WebhookOutcome) (domain.ApplyResult, error) {
	res, err := s.ledger.ApplyWebhookOutcome(ctx, in)
	if err != nil {
		return res, err
	}
	if res.Outcome != domain.OutcomeApplied || res.Reservation == nil {
		return res, nil
	}

	switch res.Reservation.Status {
	case domain.ReservationComplete:
		if err := s.notifier.NotifyConfirmed(ctx, res.Reservation); err != nil {
			s.logger.Error("confirmation hook failed",
				"reservation_id", res.Reservation.ID,
				"error", err,
			)
		}
		s.publish(ctx, domain.EventReservationConfirmed, res.Reservation)
	case domain.ReservationCancelled:
		s.publish(ctx, domain.EventReservationCancelled, res.Reservation)
	}
	return res, nil
}

// ApplyCheckResult feeds a synchronous provider answer into the ledger.
// Pending answers change nothing.
func (s *ReservationService) ApplyCheckResult(ctx context.Context, providerID domain.ProviderID, r *domain.Reservation, tx *domain.Transaction, check domain.CheckResult) (domain.ApplyResult, error) {
	var status domain.WebhookStatus
	switch check.Status {
	case domain.CheckPaid:
		status = domain.WebhookSuccess
	case domain.CheckFailed:
		status = domain.WebhookFailure
	default:
		return domain.ApplyResult{Outcome: domain.OutcomeNotApplicable, Reservation: r}, nil
	}

	ref := check.ExternalID
	if ref == "" {
		ref = txRef(tx)
	}
	return s.Apply(ctx, domain.WebhookOutcome{
		ProviderID:     providerID,
		IdempotencyKey: fmt.Sprintf("check:%s:%s:%s", r.ID, ref, status),
		ReservationID:  r.ID,
		Status:         status,
		ExternalID:     check.ExternalID,
		AmountCents:    check.AmountCents,
		Currency:       check.Currency,
	})
}

// ApplyOfflineMatch settles a reservation reported paid by an offline
// provider.
func (s *ReservationService) ApplyOfflineMatch(ctx context.Context, providerID domain.ProviderID, m domain.OfflineMatch) (domain.ApplyResult, error) {
	ref := m.Reference
	if ref == "" {
		ref = m.ReservationID
	}
	return s.Apply(ctx, domain.WebhookOutcome{
		ProviderID:     providerID,
		IdempotencyKey: fmt.Sprintf("offline:%s", ref),
		ReservationID:  m.ReservationID,
		Status:         domain.WebhookSuccess,
		AmountCents:    m.AmountCents,
		Currency:       m.Currency,
	})
}

// Transactions returns the payment history of a reservation.
func (s *ReservationService) Transactions(ctx context.Context, reservationID string) ([]*domain.Transaction, error) {
	return s.ledger.History(ctx, reservationID)
}

func (s *ReservationService) publish(ctx context.Context, t domain.ReservationEventType, r *domain.Reservation) {
	if r == nil {
		return
	}
	if err := s.publisher.Publish(ctx, domain.NewReservationEvent(t, r, s.now())); err != nil {
		s.logger.Error("failed to publish reservation event",
			"reservation_id", r.ID,
			"event", t,
			"error", err,
		)
	}
}

// txRef is the transaction id used in idempotency keys and logs.
func txRef(tx *domain.Transaction) string {
	if tx == nil {
		return uuid.Nil.String()
	}
	return tx.ID.String()
}
