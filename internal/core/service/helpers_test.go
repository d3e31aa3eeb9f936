package service_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/provider"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/service"
	"github.com/DanielPopoola/ficmart-ticketing/internal/mocks"
	"github.com/DanielPopoola/ficmart-ticketing/internal/worker"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store        *mocks.MemoryStore
	ledger       *service.Ledger
	reservations *service.ReservationService
	pipeline     *service.WebhookPipeline
	notifier     *mocks.RecordingNotifier
	publisher    *mocks.RecordingPublisher
	discards     *mocks.RecordingDiscardQueue
	dedupe       *mocks.MemoryDedupe
	locks        *worker.KeyedMutex
}

func newFixture(t *testing.T, providers ...provider.Provider) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ids := make([]domain.ProviderID, 0, len(providers))
	for _, p := range providers {
		ids = append(ids, p.ID())
	}
	registry, err := provider.NewRegistry(mocks.EnableAll(ids...), providers...)
	require.NoError(t, err)

	f := &fixture{
		store:     mocks.NewMemoryStore(),
		notifier:  &mocks.RecordingNotifier{},
		publisher: &mocks.RecordingPublisher{},
		discards:  &mocks.RecordingDiscardQueue{},
		dedupe:    &mocks.MemoryDedupe{},
		locks:     worker.NewKeyedMutex(),
	}
	f.ledger = service.NewLedger(f.store, logger)
	f.reservations = service.NewReservationService(
		f.ledger, f.store, registry, f.notifier, f.publisher, f.discards, time.Second, logger,
	)
	f.pipeline = service.NewWebhookPipeline(registry, f.reservations, f.store, f.dedupe, f.locks, time.Second, logger)
	return f
}

func pendingReservation(id string) *domain.Reservation {
	now := time.Now()
	return &domain.Reservation{
		ID:                id,
		PurchaseContextID: "event-1",
		Status:            domain.ReservationPending,
		AmountCents:       1000,
		Currency:          "EUR",
		ExpiresAt:         now.Add(30 * time.Minute),
		Owner:             domain.Contact{Name: "Ada", Email: "ada@example.com"},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func eur(amount int64) domain.PaymentSpec {
	return domain.PaymentSpec{AmountCents: amount, Currency: "EUR", Descriptor: "tickets"}
}

func (f *fixture) countStatus(reservationID string, status domain.TransactionStatus) int {
	n := 0
	for _, tx := range f.store.TransactionsFor(reservationID) {
		if tx.Status == status {
			n++
		}
	}
	return n
}

// lockFree reports whether the reservation lock can be taken right now. It
// is called from inside gateway mocks.
func (f *fixture) lockFree(reservationID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlock, err := f.locks.Lock(ctx, reservationID)
	if err != nil {
		return false
	}
	unlock()
	return true
}
