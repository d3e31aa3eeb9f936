// Package handler exposes the webhook endpoints and the reservation payment
// operations over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/service"
	"github.com/go-playground/validator"
)

// maxWebhookBody caps what is read from a provider delivery.
const maxWebhookBody = 1 << 20

type WebhookProcessor interface {
	Process(ctx context.Context, req service.WebhookRequest) (service.WebhookResponse, error)
	ForceCheck(ctx context.Context, providerID domain.ProviderID, reservationID string) (*domain.Reservation, error)
}

type ReservationService interface {
	InitiatePayment(ctx context.Context, cmd service.InitiatePaymentCommand) (*service.InitiateResult, error)
	Cancel(ctx context.Context, reservationID, reason string) (*domain.Reservation, error)
	ResolveStuck(ctx context.Context, cmd service.ResolveCommand) (*domain.Reservation, error)
	Transactions(ctx context.Context, reservationID string) ([]*domain.Transaction, error)
}

// Pool bounds concurrent webhook processing.
type Pool interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

type Handler struct {
	webhooks     WebhookProcessor
	reservations ReservationService
	pool         Pool
	validate     *validator.Validate
	logger       *slog.Logger
}

func NewHandler(webhooks WebhookProcessor, reservations ReservationService, pool Pool, logger *slog.Logger) *Handler {
	return &Handler{
		webhooks:     webhooks,
		reservations: reservations,
		pool:         pool,
		validate:     validator.New(),
		logger:       logger,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{provider}", h.HandleWebhook)
	mux.HandleFunc("POST /webhooks/{provider}/{context}/{reservation}", h.HandleWebhook)

	mux.HandleFunc("POST /reservations/{id}/payments", h.HandleInitiatePayment)
	mux.HandleFunc("POST /reservations/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("GET /reservations/{id}/transactions", h.HandleTransactions)
	mux.HandleFunc("POST /reservations/{id}/force-check/{provider}", h.HandleForceCheck)

	mux.HandleFunc("POST /admin/reservations/{id}/resolve", h.HandleResolve)
}
