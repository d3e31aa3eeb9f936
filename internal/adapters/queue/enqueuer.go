package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/hibiken/asynq"
)

// TaskClient is the part of *asynq.Client the enqueuer needs.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer implements ports.ConfirmationNotifier and ports.DiscardQueue.
type Enqueuer struct {
	client TaskClient
	cfg    config.QueueConfig
	logger *slog.Logger
}

func NewEnqueuer(client TaskClient, cfg config.QueueConfig, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{client: client, cfg: cfg, logger: logger}
}

// NotifyConfirmed enqueues the confirmation for ticket issuance. The task id
// is derived from the reservation, so a reservation is confirmed at most
// once even if this is called again.
func (e *Enqueuer) NotifyConfirmed(ctx context.Context, r *domain.Reservation) error {
	payload, err := json.Marshal(newConfirmedPayload(r))
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}

	task := asynq.NewTask(TypeReservationConfirmed, payload)
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.TaskID("confirm:"+r.ID),
		asynq.Queue(QueueConfirmations),
		asynq.MaxRetry(e.cfg.ConfirmMaxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		e.logger.Info("confirmation already enqueued", "reservation_id", r.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue confirmation: %w", err)
	}
	e.logger.Info("confirmation enqueued", "reservation_id", r.ID)
	return nil
}

// EnqueueDiscard schedules a gateway void that failed inline.
func (e *Enqueuer) EnqueueDiscard(ctx context.Context, tx *domain.Transaction) error {
	payload, err := json.Marshal(newDiscardPayload(tx))
	if err != nil {
		return fmt.Errorf("marshal discard: %w", err)
	}

	task := asynq.NewTask(TypeDiscardTransaction, payload)
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.TaskID("discard:"+tx.ID.String()),
		asynq.Queue(QueueGateway),
		asynq.MaxRetry(e.cfg.DiscardMaxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue discard: %w", err)
	}
	e.logger.Info("gateway void queued for retry",
		"reservation_id", tx.ReservationID,
		"transaction_id", tx.ID,
		"provider", tx.ProviderID,
	)
	return nil
}
