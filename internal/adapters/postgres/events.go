package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/jackc/pgx/v5"
)

type WebhookEventRepository struct {
	q Executor
}

// Claim inserts the event key. The primary key on (provider_id,
// idempotency_key) makes the second insert of a key a no-op.
func (r *WebhookEventRepository) Claim(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	query := `
		INSERT INTO webhook_events (provider_id, idempotency_key, reservation_id, status, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_id, idempotency_key) DO NOTHING
	`

	cmdTag, err := r.q.Exec(ctx, query,
		event.ProviderID,
		event.IdempotencyKey,
		event.ReservationID,
		event.Status,
		event.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

type CheckpointRepository struct {
	q Executor
}

// LastChecked returns the zero time for a provider that was never checked.
func (r *CheckpointRepository) LastChecked(ctx context.Context, provider domain.ProviderID) (time.Time, error) {
	var at time.Time
	err := r.q.QueryRow(ctx,
		`SELECT last_checked_at FROM reconciliation_checkpoints WHERE provider_id = $1`,
		provider,
	).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return at, nil
}

func (r *CheckpointRepository) SaveLastChecked(ctx context.Context, provider domain.ProviderID, at time.Time) error {
	query := `
		INSERT INTO reconciliation_checkpoints (provider_id, last_checked_at)
		VALUES ($1, $2)
		ON CONFLICT (provider_id) DO UPDATE SET last_checked_at = EXCLUDED.last_checked_at
	`
	if _, err := r.q.Exec(ctx, query, provider, at); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
