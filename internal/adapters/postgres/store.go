package postgres

import (
	"context"
	"fmt"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/ports"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store hands out repositories bound either to the pool or to one open
// transaction.
type Store struct {
	pool *pgxpool.Pool
	q    Executor
	inTx bool
}

func NewStore(db *DB) *Store {
	return &Store{
		pool: db.Pool,
		q:    db.Pool,
	}
}

func (s *Store) Reservations() ports.ReservationRepository {
	return &ReservationRepository{q: s.q}
}

func (s *Store) Transactions() ports.TransactionRepository {
	return &TransactionRepository{q: s.q}
}

func (s *Store) WebhookEvents() ports.WebhookEventRepository {
	return &WebhookEventRepository{q: s.q}
}

func (s *Store) Checkpoints() ports.CheckpointRepository {
	return &CheckpointRepository{q: s.q}
}

// WithTx executes a function within a database transaction. A store that is
// already inside one runs fn in it.
func (s *Store) WithTx(ctx context.Context, fn func(ports.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Defer rollback in case of panic or error (if commit isn't reached)
	defer tx.Rollback(ctx) //nolint:errcheck

	txStore := &Store{
		pool: s.pool,
		q:    tx,
		inTx: true,
	}

	if err := fn(txStore); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
