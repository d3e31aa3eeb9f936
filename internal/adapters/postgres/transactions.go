package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/jackc/pgx/v5"
)

const transactionColumns = `
	id, reservation_id, provider_id, external_id, amount_cents, currency, status,
	metadata, created_at, updated_at`

type TransactionRepository struct {
	q Executor
}

// Create inserts a new attempt. A second open or settled transaction for the
// same reservation violates a partial unique index and is reported as a
// concurrent modification.
func (r *TransactionRepository) Create(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.q.Exec(ctx, query,
		tx.ID,
		tx.ReservationID,
		tx.ProviderID,
		tx.ExternalID,
		tx.AmountCents,
		tx.Currency,
		tx.Status,
		metadataOrEmpty(tx.Metadata),
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.NewConcurrentModificationError(tx.ReservationID)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepository) FindCurrent(ctx context.Context, reservationID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE reservation_id = $1 AND status IN ('PENDING', 'COMPLETE')
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanTransaction(r.q.QueryRow(ctx, query, reservationID), reservationID)
}

func (r *TransactionRepository) FindCurrentForUpdate(ctx context.Context, reservationID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE reservation_id = $1 AND status IN ('PENDING', 'COMPLETE')
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`
	return scanTransaction(r.q.QueryRow(ctx, query, reservationID), reservationID)
}

// Update persists a transaction. Final transactions are never written again.
func (r *TransactionRepository) Update(ctx context.Context, tx *domain.Transaction) error {
	query := `
		UPDATE transactions
		SET external_id = $1, amount_cents = $2, currency = $3, status = $4, metadata = $5, updated_at = $6
		WHERE id = $7 AND status = 'PENDING'
	`

	cmdTag, err := r.q.Exec(ctx, query,
		tx.ExternalID,
		tx.AmountCents,
		tx.Currency,
		tx.Status,
		metadataOrEmpty(tx.Metadata),
		tx.UpdatedAt,
		tx.ID,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.NewConcurrentModificationError(tx.ReservationID)
		}
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.NewTransactionFinalError(tx.ID.String(), tx.Status)
	}
	return nil
}

func (r *TransactionRepository) ListByReservation(ctx context.Context, reservationID string) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE reservation_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.q.Query(ctx, query, reservationID)
	if err != nil {
		return nil, fmt.Errorf("query transactions by reservation: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Transaction, error) {
		return scanTransaction(row, reservationID)
	})
	if err != nil {
		return nil, fmt.Errorf("error occurred while scanning rows: %w", err)
	}
	return results, nil
}

func scanTransaction(row pgx.Row, reservationID string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.ReservationID,
		&tx.ProviderID,
		&tx.ExternalID,
		&tx.AmountCents,
		&tx.Currency,
		&tx.Status,
		&tx.Metadata,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewTransactionNotFoundError(reservationID)
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return &tx, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
