package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/ports"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/provider"
)

// WebhookRequest is one inbound delivery as received by the HTTP layer.
type WebhookRequest struct {
	Provider string
	// PurchaseContextID and ReservationID come from the callback URL when the
	// provider was given one.
	PurchaseContextID string
	ReservationID     string
	Body              []byte
	Headers           http.Header
}

// WebhookResponse is the tri-state result plus the text the provider expects.
type WebhookResponse struct {
	Result         domain.PipelineResult
	Message        string
	Ack            string
	ReservationID  string
	IdempotencyKey string
}

// WebhookPipeline verifies, parses and applies provider notifications.
// Rejections that must not touch the ledger are returned as errors; every
// other path produces a WebhookResponse.
type WebhookPipeline struct {
	registry       *provider.Registry
	reservations   *ReservationService
	store          ports.Store
	dedupe         ports.DedupeCache
	locks          ports.KeyedLocker
	gatewayTimeout time.Duration
	logger         *slog.Logger
}

func NewWebhookPipeline(
	registry *provider.Registry,
	reservations *ReservationService,
	store ports.Store,
	dedupe ports.DedupeCache,
	locks ports.KeyedLocker,
	gatewayTimeout time.Duration,
	logger *slog.Logger,
) *WebhookPipeline {
	return &WebhookPipeline{
		registry:       registry,
		reservations:   reservations,
		store:          store,
		dedupe:         dedupe,
		locks:          locks,
		gatewayTimeout: gatewayTimeout,
		logger:         logger,
	}
}

// Process handles one delivery end to end.
func (p *WebhookPipeline) Process(ctx context.Context, req WebhookRequest) (WebhookResponse, error) {
	providerID := domain.ParseProviderID(req.Provider)
	h, err := p.registry.Resolve(ctx, providerID, req.PurchaseContextID)
	if err != nil {
		return WebhookResponse{}, err
	}
	wh, ok := provider.As[provider.WebhookHandler](h)
	if !ok {
		return WebhookResponse{}, domain.NewCapabilityMissingError(providerID, "WebhookHandler")
	}

	if wh.RequiresSignedBody() {
		if err := wh.VerifySignature(req.Body, req.Headers); err != nil {
			p.logger.Warn("webhook signature rejected", "provider", providerID, "error", err)
			return WebhookResponse{}, domain.NewInvalidSignatureError(err)
		}
	}

	payload, err := wh.ParseWebhook(ctx, req.Body, req.Headers)
	if err != nil {
		if domain.IsErrorCode(err, domain.ErrCodeMalformedPayload) {
			return WebhookResponse{}, err
		}
		return WebhookResponse{}, domain.NewMalformedPayloadError(err)
	}

	if payload.Status == domain.WebhookIgnored {
		return p.respond(h, WebhookResponse{
			Result:  domain.ResultNotRelevant,
			Message: fmt.Sprintf("event %s ignored", payload.Type),
		}), nil
	}

	reservationID, err := resolveReservationID(req.ReservationID, payload.ReservationID)
	if err != nil {
		p.logger.Warn("webhook reservation could not be trusted",
			"provider", providerID,
			"route_reservation", req.ReservationID,
			"payload_reservation", payload.ReservationID,
			"error", err,
		)
		return WebhookResponse{}, err
	}

	key := payload.IdempotencyKey
	if key == "" {
		key = domain.DeriveIdempotencyKey(providerID, "", reservationID, req.Body)
	}
	resp := WebhookResponse{ReservationID: reservationID, IdempotencyKey: key}
	log := p.logger.With("provider", providerID, "reservation_id", reservationID, "idempotency_key", key)

	outcome := domain.WebhookOutcome{
		ProviderID:     providerID,
		IdempotencyKey: key,
		ReservationID:  reservationID,
		Status:         payload.Status,
		ExternalID:     payload.ExternalID,
		AmountCents:    payload.AmountCents,
		Currency:       payload.Currency,
	}

	if payload.Status == domain.WebhookUnknown {
		check, r, err := p.forceCheck(ctx, wh, providerID, reservationID, payload.ExternalID)
		if err != nil {
			if errors.Is(err, domain.ErrReservationNotFound) {
				resp.Result = domain.ResultNotRelevant
				resp.Message = "reservation not found"
				return p.respond(h, resp), nil
			}
			log.Warn("force check failed", "error", err)
			resp.Result = domain.ResultError
			resp.Message = err.Error()
			return p.respond(h, resp), nil
		}
		switch check.Status {
		case domain.CheckPaid:
			outcome.Status = domain.WebhookSuccess
		case domain.CheckFailed:
			outcome.Status = domain.WebhookFailure
		default:
			resp.Result = domain.ResultNotRelevant
			resp.Message = fmt.Sprintf("payment for %s still pending", r.ID)
			return p.respond(h, resp), nil
		}
		if check.ExternalID != "" {
			outcome.ExternalID = check.ExternalID
		}
		outcome.AmountCents = check.AmountCents
		outcome.Currency = check.Currency
	}

	// The gateway round-trip above runs unlocked; the ledger re-reads the
	// reservation under FOR UPDATE.
	unlock, err := p.locks.Lock(ctx, reservationID)
	if err != nil {
		return WebhookResponse{}, err
	}
	defer unlock()

	if seen, err := p.dedupe.Seen(ctx, providerID, key); err != nil {
		log.Warn("dedupe cache unavailable", "error", err)
	} else if seen {
		resp.Result = domain.ResultSuccessful
		resp.Message = "duplicate event"
		return p.respond(h, resp), nil
	}

	res, err := p.reservations.Apply(ctx, outcome)
	if err != nil {
		log.Error("failed to apply webhook", "category", CategorizeError(err), "error", err)
		resp.Result = domain.ResultError
		resp.Message = err.Error()
		return p.respond(h, resp), nil
	}

	switch res.Outcome {
	case domain.OutcomeApplied:
		resp.Result = domain.ResultSuccessful
		resp.Message = fmt.Sprintf("reservation %s is %s", reservationID, res.Reservation.Status)
		log.Info("webhook applied", "status", outcome.Status, "reservation_status", res.Reservation.Status)
	case domain.OutcomeDuplicate:
		resp.Result = domain.ResultSuccessful
		resp.Message = "duplicate event"
	case domain.OutcomeReservationNotFound:
		resp.Result = domain.ResultNotRelevant
		resp.Message = "reservation not found"
		return p.respond(h, resp), nil
	case domain.OutcomeNotApplicable:
		resp.Result = domain.ResultNotRelevant
		resp.Message = "event does not change reservation state"
	}

	if err := p.dedupe.Remember(ctx, providerID, key); err != nil {
		log.Warn("failed to cache webhook key", "error", err)
	}
	return p.respond(h, resp), nil
}

// ForceCheck asks the provider for the current state of a reservation's
// payment, e.g. when the payer returns from a redirect before the webhook
// arrived. It returns the reservation after the answer was applied.
func (p *WebhookPipeline) ForceCheck(ctx context.Context, providerID domain.ProviderID, reservationID string) (*domain.Reservation, error) {
	r, err := p.store.Reservations().FindByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.IsTerminal() {
		return r, nil
	}

	h, err := p.registry.Resolve(ctx, providerID, r.PurchaseContextID)
	if err != nil {
		return nil, err
	}
	wh, ok := provider.As[provider.WebhookHandler](h)
	if !ok {
		return nil, domain.NewCapabilityMissingError(providerID, "WebhookHandler")
	}

	tx, err := p.store.Transactions().FindCurrent(ctx, reservationID)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			return nil, domain.NewInvalidRequestError(fmt.Sprintf("reservation %s has no payment to check", reservationID))
		}
		return nil, err
	}
	if tx.ProviderID != providerID {
		return nil, domain.NewInvalidRequestError(
			fmt.Sprintf("reservation %s is paid through %s, not %s", reservationID, tx.ProviderID, providerID))
	}

	check, err := p.check(ctx, wh, r, tx)
	if err != nil {
		return nil, err
	}

	unlock, err := p.locks.Lock(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	res, err := p.reservations.ApplyCheckResult(ctx, providerID, r, tx, check)
	if err != nil {
		return nil, err
	}
	if res.Reservation != nil && res.Outcome == domain.OutcomeApplied {
		return res.Reservation, nil
	}
	return p.store.Reservations().FindByID(ctx, reservationID)
}

func (p *WebhookPipeline) forceCheck(ctx context.Context, wh provider.WebhookHandler, providerID domain.ProviderID, reservationID, externalID string) (domain.CheckResult, *domain.Reservation, error) {
	r, err := p.store.Reservations().FindByID(ctx, reservationID)
	if err != nil {
		return domain.CheckResult{}, nil, err
	}

	tx, err := p.store.Transactions().FindCurrent(ctx, reservationID)
	if err != nil && !errors.Is(err, domain.ErrTransactionNotFound) {
		return domain.CheckResult{}, r, err
	}
	if tx == nil || tx.ProviderID != providerID {
		// The payment was created at the provider without a local attempt.
		tx = &domain.Transaction{ReservationID: reservationID, ProviderID: providerID, Currency: r.Currency}
	}
	if externalID != "" && tx.ExternalID == nil {
		tx.ExternalID = &externalID
	}

	check, err := p.check(ctx, wh, r, tx)
	return check, r, err
}

func (p *WebhookPipeline) check(ctx context.Context, wh provider.WebhookHandler, r *domain.Reservation, tx *domain.Transaction) (domain.CheckResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.gatewayTimeout)
	defer cancel()
	check, err := wh.ForceTransactionCheck(callCtx, r, tx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return check, domain.NewGatewayTimeoutError("force check", err)
	}
	return check, err
}

func (p *WebhookPipeline) respond(h provider.Handle, resp WebhookResponse) WebhookResponse {
	if ack, ok := provider.As[provider.WebhookAcknowledger](h); ok {
		resp.Ack = ack.AckText(resp.Result)
		return resp
	}
	switch resp.Result {
	case domain.ResultSuccessful:
		resp.Ack = "OK"
	default:
		resp.Ack = resp.Message
	}
	return resp
}

// resolveReservationID picks the reservation a delivery is about. A route
// id is authoritative; a payload id must agree with it when both exist.
func resolveReservationID(route, payload string) (string, error) {
	switch {
	case route != "" && payload != "" && route != payload:
		return "", domain.NewReservationMismatchError(route, payload)
	case route != "":
		return route, nil
	case payload != "":
		return payload, nil
	default:
		return "", domain.NewMalformedPayloadError(errors.New("reservation id cannot be derived from route or payload"))
	}
}
