package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/service"
	"github.com/DanielPopoola/ficmart-ticketing/internal/worker"
	"github.com/hibiken/asynq"
)

type Reconciler interface {
	RunExpirySweep(ctx context.Context) (worker.Report, error)
	RunOfflineSettlement(ctx context.Context) (worker.Report, error)
}

type Discarder interface {
	DiscardTransaction(ctx context.Context, tx *domain.Transaction) error
}

// Handlers processes the tasks this service enqueues for itself.
// Confirmation tasks belong to ticket issuance and are not handled here.
type Handlers struct {
	reconciler Reconciler
	discarder  Discarder
	logger     *slog.Logger
}

func NewHandlers(reconciler Reconciler, discarder Discarder, logger *slog.Logger) *Handlers {
	return &Handlers{reconciler: reconciler, discarder: discarder, logger: logger}
}

func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeDiscardTransaction, h.HandleDiscard)
	mux.HandleFunc(TypeExpirySweep, h.HandleExpirySweep)
	mux.HandleFunc(TypeOfflineSettlement, h.HandleOfflineSettlement)
}

func (h *Handlers) HandleDiscard(ctx context.Context, task *asynq.Task) error {
	var payload DiscardPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal discard payload: %v: %w", err, asynq.SkipRetry)
	}
	log := h.logger.With("reservation_id", payload.ReservationID, "transaction_id", payload.TransactionID)

	err := h.discarder.DiscardTransaction(ctx, payload.transaction())
	if err == nil {
		log.Info("gateway void succeeded on retry")
		return nil
	}
	if !service.IsRetryable(err) {
		log.Error("gateway void rejected, giving up", "category", service.CategorizeError(err), "error", err)
		return fmt.Errorf("discard transaction: %v: %w", err, asynq.SkipRetry)
	}
	log.Warn("gateway void failed, will retry", "error", err)
	return fmt.Errorf("discard transaction: %w", err)
}

func (h *Handlers) HandleExpirySweep(ctx context.Context, _ *asynq.Task) error {
	_, err := h.reconciler.RunExpirySweep(ctx)
	if err != nil {
		h.logger.Error("expiry sweep failed", "error", err)
	}
	return err
}

func (h *Handlers) HandleOfflineSettlement(ctx context.Context, _ *asynq.Task) error {
	_, err := h.reconciler.RunOfflineSettlement(ctx)
	if err != nil {
		h.logger.Error("offline settlement failed", "error", err)
	}
	return err
}
