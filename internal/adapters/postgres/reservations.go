package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/jackc/pgx/v5"
)

const reservationColumns = `
	id, purchase_context_id, status, amount_cents, currency, expires_at, confirmed_at,
	owner_name, owner_email, version, created_at, updated_at`

type ReservationRepository struct {
	q Executor
}

func (r *ReservationRepository) Create(ctx context.Context, res *domain.Reservation) error {
	query := `
		INSERT INTO reservations (` + reservationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.q.Exec(ctx, query,
		res.ID,
		res.PurchaseContextID,
		res.Status,
		res.AmountCents,
		res.Currency,
		res.ExpiresAt,
		res.ConfirmedAt,
		res.Owner.Name,
		res.Owner.Email,
		res.Version,
		res.CreatedAt,
		res.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.NewInvalidRequestError(fmt.Sprintf("reservation %s already exists", res.ID))
		}
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

func (r *ReservationRepository) FindByID(ctx context.Context, id string) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	return scanReservation(r.q.QueryRow(ctx, query, id), id)
}

// FindByIDForUpdate retrieves a reservation and locks the row until the
// surrounding transaction ends.
func (r *ReservationRepository) FindByIDForUpdate(ctx context.Context, id string) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1 FOR UPDATE`
	res, err := scanReservation(r.q.QueryRow(ctx, query, id), id)
	if IsLockTimeout(err) {
		return nil, domain.NewConcurrentModificationError(id)
	}
	return res, err
}

func (r *ReservationRepository) UpdateStatus(ctx context.Context, res *domain.Reservation) error {
	query := `
		UPDATE reservations
		SET status = $1, confirmed_at = $2, updated_at = $3, version = version + 1
		WHERE id = $4 AND version = $5
	`

	cmdTag, err := r.q.Exec(ctx, query,
		res.Status,
		res.ConfirmedAt,
		res.UpdatedAt,
		res.ID,
		res.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update reservation status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.NewConcurrentModificationError(res.ID)
	}
	res.Version++
	return nil
}

func (r *ReservationRepository) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE reservations r
		SET status = 'CANCELLED', updated_at = $2, version = version + 1
		WHERE r.id = $1
		  AND r.status = 'PENDING'
		  AND r.expires_at < $2
		  AND NOT EXISTS (
		      SELECT 1 FROM transactions t
		      WHERE t.reservation_id = r.id AND t.status = 'PENDING'
		  )
	`

	cmdTag, err := r.q.Exec(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to expire reservation: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// ClaimExpired leases a batch in one statement. Rows locked by another
// instance are skipped rather than waited for.
func (r *ReservationRepository) ClaimExpired(ctx context.Context, now time.Time, lease time.Duration, limit int, excludeProviders []domain.ProviderID) ([]*domain.Reservation, error) {
	query := `
		UPDATE reservations
		SET reconcile_lease_until = $2
		WHERE id IN (
			SELECT r.id FROM reservations r
			WHERE r.status IN ('PENDING', 'IN_PAYMENT')
			  AND r.expires_at < $1
			  AND (r.reconcile_lease_until IS NULL OR r.reconcile_lease_until <= $1)
			  AND NOT EXISTS (
			      SELECT 1 FROM transactions t
			      WHERE t.reservation_id = r.id
			        AND t.status IN ('PENDING', 'COMPLETE')
			        AND t.provider_id = ANY($3)
			  )
			ORDER BY r.expires_at
			LIMIT $4
			FOR UPDATE OF r SKIP LOCKED
		)
		RETURNING ` + reservationColumns

	rows, err := r.q.Query(ctx, query, now, now.Add(lease), providerStrings(excludeProviders), limit)
	if err != nil {
		return nil, fmt.Errorf("claim expired reservations: %w", err)
	}
	return collectReservations(rows)
}

// ClaimAwaitingSettlement leases reservations with an open payment through
// provider. STUCK ones are included after IN_PAYMENT ones, since a late
// transfer may still settle them.
func (r *ReservationRepository) ClaimAwaitingSettlement(ctx context.Context, provider domain.ProviderID, now time.Time, lease time.Duration, limit int) ([]*domain.Reservation, error) {
	query := `
		UPDATE reservations
		SET reconcile_lease_until = $2
		WHERE id IN (
			SELECT r.id FROM reservations r
			JOIN transactions t ON t.reservation_id = r.id AND t.status = 'PENDING'
			WHERE r.status IN ('IN_PAYMENT', 'STUCK')
			  AND t.provider_id = $3
			  AND (r.reconcile_lease_until IS NULL OR r.reconcile_lease_until <= $1)
			ORDER BY r.status = 'STUCK', r.expires_at
			LIMIT $4
			FOR UPDATE OF r SKIP LOCKED
		)
		RETURNING ` + reservationColumns

	rows, err := r.q.Query(ctx, query, now, now.Add(lease), string(provider), limit)
	if err != nil {
		return nil, fmt.Errorf("claim reservations awaiting settlement: %w", err)
	}
	return collectReservations(rows)
}

func (r *ReservationRepository) ReleaseClaim(ctx context.Context, id string) error {
	_, err := r.q.Exec(ctx, `UPDATE reservations SET reconcile_lease_until = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

func scanReservation(row pgx.Row, id string) (*domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(
		&res.ID,
		&res.PurchaseContextID,
		&res.Status,
		&res.AmountCents,
		&res.Currency,
		&res.ExpiresAt,
		&res.ConfirmedAt,
		&res.Owner.Name,
		&res.Owner.Email,
		&res.Version,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewReservationNotFoundError(id)
		}
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}
	return &res, nil
}

func collectReservations(rows pgx.Rows) ([]*domain.Reservation, error) {
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Reservation, error) {
		return scanReservation(row, "")
	})
	if err != nil {
		return nil, fmt.Errorf("error occurred while scanning rows: %w", err)
	}
	return results, nil
}

func providerStrings(ids []domain.ProviderID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}
