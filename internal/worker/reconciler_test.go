package worker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/provider"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/service"
	"github.com/DanielPopoola/ficmart-ticketing/internal/mocks"
	"github.com/DanielPopoola/ficmart-ticketing/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store      *mocks.MemoryStore
	ledger     *service.Ledger
	notifier   *mocks.RecordingNotifier
	publisher  *mocks.RecordingPublisher
	locks      *worker.KeyedMutex
	reconciler *worker.Reconciler
	// pipeline shares locks with reconciler.
	pipeline *service.WebhookPipeline
}

func newHarness(t *testing.T, opts worker.Options, providers ...provider.Provider) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ids := make([]domain.ProviderID, 0, len(providers))
	for _, p := range providers {
		ids = append(ids, p.ID())
	}
	registry, err := provider.NewRegistry(mocks.EnableAll(ids...), providers...)
	require.NoError(t, err)

	h := &harness{
		store:     mocks.NewMemoryStore(),
		notifier:  &mocks.RecordingNotifier{},
		publisher: &mocks.RecordingPublisher{},
		locks:     worker.NewKeyedMutex(),
	}
	h.ledger = service.NewLedger(h.store, logger)
	reservations := service.NewReservationService(
		h.ledger, h.store, registry, h.notifier, h.publisher, &mocks.RecordingDiscardQueue{}, time.Second, logger,
	)
	h.reconciler = worker.NewReconciler(h.store, registry, reservations, h.locks, opts, logger)
	h.pipeline = service.NewWebhookPipeline(registry, reservations, h.store, &mocks.MemoryDedupe{}, h.locks, time.Second, logger)
	return h
}

// lockFree reports whether the reservation lock can be taken right now.
func (h *harness) lockFree(reservationID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlock, err := h.locks.Lock(ctx, reservationID)
	if err != nil {
		return false
	}
	unlock()
	return true
}

func defaultOptions() worker.Options {
	return worker.Options{
		BatchSize:      10,
		Concurrency:    4,
		Lease:          time.Minute,
		OfflineGrace:   time.Hour,
		GatewayTimeout: time.Second,
	}
}

func reservation(id string, expiresIn time.Duration) *domain.Reservation {
	now := time.Now()
	return &domain.Reservation{
		ID:                id,
		PurchaseContextID: "event-1",
		Status:            domain.ReservationPending,
		AmountCents:       1000,
		Currency:          "EUR",
		ExpiresAt:         now.Add(expiresIn),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// seedAttempt stores a reservation with an open payment through providerID.
func (h *harness) seedAttempt(t *testing.T, r *domain.Reservation, providerID domain.ProviderID) *domain.Transaction {
	t.Helper()
	h.store.Seed(r)
	tx, err := h.ledger.RecordAttempt(context.Background(), r.ID, providerID, domain.PaymentSpec{AmountCents: r.AmountCents, Currency: r.Currency})
	require.NoError(t, err)
	return tx
}

func TestReconciler_RunExpirySweep(t *testing.T) {
	ctx := context.Background()

	t.Run("unpaid reservation is cancelled", func(t *testing.T) {
		h := newHarness(t, defaultOptions())
		h.store.Seed(reservation("R1", -time.Minute), reservation("R2", time.Hour))

		rep, err := h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, rep.Claimed)
		assert.Equal(t, 1, rep.Cancelled)
		assert.Equal(t, domain.ReservationCancelled, h.store.Reservation("R1").Status)
		assert.Equal(t, domain.ReservationPending, h.store.Reservation("R2").Status)
	})

	t.Run("paid at the gateway completes", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderSaferpay)
		h := newHarness(t, defaultOptions(), mocks.CardGateway(gw))
		h.seedAttempt(t, reservation("R1", -time.Minute), domain.ProviderSaferpay)

		gw.On("ForceTransactionCheck", mock.Anything, mock.Anything, mock.Anything).
			Return(domain.CheckResult{Status: domain.CheckPaid, ExternalID: "sp_1", AmountCents: 1000, Currency: "EUR"}, nil).Once()

		rep, err := h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, rep.Completed)
		assert.Equal(t, domain.ReservationComplete, h.store.Reservation("R1").Status)
		assert.Equal(t, 1, h.notifier.Calls("R1"))
	})

	t.Run("reservation lock is free during the gateway call", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderSaferpay)
		h := newHarness(t, defaultOptions(), mocks.CardGateway(gw))
		h.seedAttempt(t, reservation("R1", -time.Minute), domain.ProviderSaferpay)

		var free bool
		gw.On("ForceTransactionCheck", mock.Anything, mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { free = h.lockFree("R1") }).
			Return(domain.CheckResult{Status: domain.CheckPending}, nil).Once()

		rep, err := h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)

		assert.True(t, free)
		assert.Equal(t, 1, rep.Stuck)
	})

	t.Run("webhook settling during the check wins", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderSaferpay)
		h := newHarness(t, defaultOptions(), mocks.CardGateway(gw))
		h.seedAttempt(t, reservation("R1", -time.Minute), domain.ProviderSaferpay)

		gw.On("ForceTransactionCheck", mock.Anything, mock.Anything, mock.Anything).
			Run(func(mock.Arguments) {
				_, err := h.ledger.ApplyWebhookOutcome(ctx, domain.WebhookOutcome{
					ProviderID:     domain.ProviderSaferpay,
					IdempotencyKey: "evt_1",
					ReservationID:  "R1",
					Status:         domain.WebhookSuccess,
				})
				assert.NoError(t, err)
			}).
			Return(domain.CheckResult{Status: domain.CheckPending}, nil).Once()

		rep, err := h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 0, rep.Stuck)
		assert.Equal(t, 0, rep.Failed)
		assert.Equal(t, 1, rep.Skipped)
		assert.Equal(t, domain.ReservationComplete, h.store.Reservation("R1").Status)
	})

	t.Run("failed at the gateway cancels", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderSaferpay)
		h := newHarness(t, defaultOptions(), mocks.CardGateway(gw))
		h.seedAttempt(t, reservation("R1", -time.Minute), domain.ProviderSaferpay)

		gw.On("ForceTransactionCheck", mock.Anything, mock.Anything, mock.Anything).
			Return(domain.CheckResult{Status: domain.CheckFailed}, nil).Once()

		rep, err := h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, rep.Cancelled)
		assert.Equal(t, domain.ReservationCancelled, h.store.Reservation("R1").Status)
		assert.Equal(t, 0, h.notifier.Calls("R1"))
	})

	t.Run("still pending becomes stuck", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderSaferpay)
		h := newHarness(t, defaultOptions(), mocks.CardGateway(gw))
		h.seedAttempt(t, reservation("R1", -time.Minute), domain.ProviderSaferpay)

		gw.On("ForceTransactionCheck", mock.Anything, mock.Anything, mock.Anything).
			Return(domain.CheckResult{Status: domain.CheckPending}, nil).Once()

		rep, err := h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, rep.Stuck)
		assert.Equal(t, domain.ReservationStuck, h.store.Reservation("R1").Status)
		events := h.publisher.Events()
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventReservationStuck, events[0].Type)

		// Stuck reservations are never claimed again.
		rep, err = h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, rep.Claimed)
	})

	t.Run("timeout is retried next pass", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderSaferpay)
		h := newHarness(t, defaultOptions(), mocks.CardGateway(gw))
		h.seedAttempt(t, reservation("R1", -time.Minute), domain.ProviderSaferpay)

		gw.On("ForceTransactionCheck", mock.Anything, mock.Anything, mock.Anything).
			Return(domain.CheckResult{}, domain.NewGatewayTimeoutError("check", context.DeadlineExceeded)).Once()

		rep, err := h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, rep.Skipped)
		assert.Equal(t, domain.ReservationInPayment, h.store.Reservation("R1").Status)

		// The claim was released, so the next pass sees it again.
		gw.On("ForceTransactionCheck", mock.Anything, mock.Anything, mock.Anything).
			Return(domain.CheckResult{Status: domain.CheckPaid, AmountCents: 1000, Currency: "EUR"}, nil).Once()
		rep, err = h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Completed)
	})

	t.Run("provider without status query becomes stuck", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderStripe)
		h := newHarness(t, defaultOptions(), mocks.Bare(gw))
		h.seedAttempt(t, reservation("R1", -time.Minute), domain.ProviderStripe)

		rep, err := h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, rep.Stuck)
		assert.Equal(t, domain.ReservationStuck, h.store.Reservation("R1").Status)
	})

	t.Run("offline provider reservations are left alone", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderBankTransfer)
		h := newHarness(t, defaultOptions(), mocks.OfflineGateway(gw))
		h.seedAttempt(t, reservation("R1", -time.Minute), domain.ProviderBankTransfer)

		rep, err := h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 0, rep.Claimed)
		assert.Equal(t, domain.ReservationInPayment, h.store.Reservation("R1").Status)
	})
}

func TestReconciler_RunOfflineSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("statement match completes and overdue reservation becomes stuck", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderBankTransfer)
		h := newHarness(t, defaultOptions(), mocks.OfflineGateway(gw))
		h.seedAttempt(t, reservation("PAID", time.Hour), domain.ProviderBankTransfer)
		h.seedAttempt(t, reservation("OVERDUE", -2*time.Hour), domain.ProviderBankTransfer)
		h.seedAttempt(t, reservation("GRACE", -time.Minute), domain.ProviderBankTransfer)

		gw.On("CheckPayments", mock.Anything, mock.Anything, time.Time{}).
			Return([]domain.OfflineMatch{
				{ReservationID: "PAID", Reference: "stmt-1", AmountCents: 1000, Currency: "EUR"},
			}, nil).Once()

		rep, err := h.reconciler.RunOfflineSettlement(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3, rep.Claimed)
		assert.Equal(t, 1, rep.Completed)
		assert.Equal(t, 1, rep.Stuck)
		assert.Equal(t, domain.ReservationComplete, h.store.Reservation("PAID").Status)
		assert.Equal(t, domain.ReservationStuck, h.store.Reservation("OVERDUE").Status)
		assert.Equal(t, domain.ReservationInPayment, h.store.Reservation("GRACE").Status)
		assert.Equal(t, 1, h.notifier.Calls("PAID"))

		last, err := h.store.Checkpoints().LastChecked(ctx, domain.ProviderBankTransfer)
		require.NoError(t, err)
		assert.False(t, last.IsZero())

		// The expiry sweep leaves the stuck reservation alone.
		rep, err = h.reconciler.RunExpirySweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, rep.Claimed)
		assert.Equal(t, domain.ReservationStuck, h.store.Reservation("OVERDUE").Status)
	})

	t.Run("late transfer settles a stuck reservation", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderBankTransfer)
		h := newHarness(t, defaultOptions(), mocks.OfflineGateway(gw))
		h.seedAttempt(t, reservation("LATE", -2*time.Hour), domain.ProviderBankTransfer)

		gw.On("CheckPayments", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Twice()

		rep, err := h.reconciler.RunOfflineSettlement(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Stuck)
		assert.Equal(t, domain.ReservationStuck, h.store.Reservation("LATE").Status)

		// Still claimed while STUCK, but not marked again.
		rep, err = h.reconciler.RunOfflineSettlement(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Claimed)
		assert.Equal(t, 0, rep.Stuck)
		assert.Equal(t, 0, rep.Failed)

		gw.On("CheckPayments", mock.Anything, mock.MatchedBy(func(batch []*domain.Reservation) bool {
			return len(batch) == 1 && batch[0].ID == "LATE"
		}), mock.Anything).
			Return([]domain.OfflineMatch{
				{ReservationID: "LATE", Reference: "stmt-7", AmountCents: 1000, Currency: "EUR"},
			}, nil).Once()

		rep, err = h.reconciler.RunOfflineSettlement(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, rep.Completed)
		assert.Equal(t, domain.ReservationComplete, h.store.Reservation("LATE").Status)
		assert.Equal(t, 1, h.notifier.Calls("LATE"))
	})

	t.Run("same statement line twice completes once", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderBankTransfer)
		h := newHarness(t, defaultOptions(), mocks.OfflineGateway(gw))
		h.seedAttempt(t, reservation("PAID", time.Hour), domain.ProviderBankTransfer)

		match := domain.OfflineMatch{ReservationID: "PAID", Reference: "stmt-1", AmountCents: 1000, Currency: "EUR"}
		gw.On("CheckPayments", mock.Anything, mock.Anything, mock.Anything).
			Return([]domain.OfflineMatch{match, match}, nil).Once()

		rep, err := h.reconciler.RunOfflineSettlement(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, rep.Completed)
		assert.Equal(t, 1, rep.Skipped)
		assert.Equal(t, 1, h.notifier.Calls("PAID"))
	})

	t.Run("provider error changes nothing", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderBankTransfer)
		h := newHarness(t, defaultOptions(), mocks.OfflineGateway(gw))
		h.seedAttempt(t, reservation("OVERDUE", -2*time.Hour), domain.ProviderBankTransfer)

		gw.On("CheckPayments", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, domain.NewGatewayUnavailableError(errors.New("statement service down"))).Once()

		_, err := h.reconciler.RunOfflineSettlement(ctx)

		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrGatewayUnavailable))
		assert.Equal(t, domain.ReservationInPayment, h.store.Reservation("OVERDUE").Status)
		last, err := h.store.Checkpoints().LastChecked(ctx, domain.ProviderBankTransfer)
		require.NoError(t, err)
		assert.True(t, last.IsZero())
	})

	t.Run("full batch keeps the checkpoint", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderBankTransfer)
		opts := defaultOptions()
		opts.BatchSize = 2
		h := newHarness(t, opts, mocks.OfflineGateway(gw))
		h.seedAttempt(t, reservation("A", time.Hour), domain.ProviderBankTransfer)
		h.seedAttempt(t, reservation("B", time.Hour), domain.ProviderBankTransfer)
		h.seedAttempt(t, reservation("C", time.Hour), domain.ProviderBankTransfer)

		gw.On("CheckPayments", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Once()

		rep, err := h.reconciler.RunOfflineSettlement(ctx)
		require.NoError(t, err)

		assert.Equal(t, 2, rep.Claimed)
		last, err := h.store.Checkpoints().LastChecked(ctx, domain.ProviderBankTransfer)
		require.NoError(t, err)
		assert.True(t, last.IsZero())
	})

	t.Run("match outside the batch is ignored", func(t *testing.T) {
		gw := mocks.NewMockGateway(t, domain.ProviderBankTransfer)
		h := newHarness(t, defaultOptions(), mocks.OfflineGateway(gw))
		h.seedAttempt(t, reservation("A", time.Hour), domain.ProviderBankTransfer)
		h.store.Seed(reservation("OTHER", time.Hour))

		gw.On("CheckPayments", mock.Anything, mock.Anything, mock.Anything).
			Return([]domain.OfflineMatch{{ReservationID: "OTHER", Reference: "stmt-9", AmountCents: 1000, Currency: "EUR"}}, nil).Once()

		rep, err := h.reconciler.RunOfflineSettlement(ctx)
		require.NoError(t, err)

		assert.Equal(t, 0, rep.Completed)
		assert.Equal(t, domain.ReservationPending, h.store.Reservation("OTHER").Status)
	})
}

func TestReconciler_ConcurrentWithWebhook(t *testing.T) {
	ctx := context.Background()

	for i := range 20 {
		webhookFirst := i%2 == 0
		t.Run(fmt.Sprintf("round %d webhook first %t", i, webhookFirst), func(t *testing.T) {
			gw := mocks.NewMockGateway(t, domain.ProviderStripe)
			h := newHarness(t, defaultOptions(), mocks.CardGateway(gw))
			h.seedAttempt(t, reservation("R1", -time.Minute), domain.ProviderStripe)

			gw.On("RequiresSignedBody").Return(true).Maybe()
			gw.On("VerifySignature", mock.Anything, mock.Anything).Return(nil).Maybe()
			gw.On("ParseWebhook", mock.Anything, mock.Anything, mock.Anything).
				Return(domain.TransactionWebhookPayload{
					Status:         domain.WebhookSuccess,
					ReservationID:  "R1",
					ExternalID:     "pi_1",
					IdempotencyKey: "evt_1",
					AmountCents:    1000,
					Currency:       "EUR",
				}, nil).Maybe()
			gw.On("ForceTransactionCheck", mock.Anything, mock.Anything, mock.Anything).
				Return(domain.CheckResult{Status: domain.CheckPaid, ExternalID: "pi_1", AmountCents: 1000, Currency: "EUR"}, nil).Maybe()

			deliver := func() {
				resp, err := h.pipeline.Process(ctx, service.WebhookRequest{Provider: "stripe", Body: []byte(`{"id":"evt_1"}`)})
				assert.NoError(t, err)
				// A reservation the sweep already completed is not relevant.
				assert.NotEqual(t, domain.ResultError, resp.Result)
			}
			sweep := func() {
				rep, err := h.reconciler.RunExpirySweep(ctx)
				assert.NoError(t, err)
				assert.Equal(t, 0, rep.Failed)
			}

			first, second := sweep, deliver
			if webhookFirst {
				first, second = deliver, sweep
			}
			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); first() }()
			go func() { defer wg.Done(); second() }()
			wg.Wait()

			assert.Equal(t, domain.ReservationComplete, h.store.Reservation("R1").Status)
			assert.Equal(t, 1, h.notifier.Calls("R1"))
			complete := 0
			for _, tx := range h.store.TransactionsFor("R1") {
				if tx.Status == domain.TransactionComplete {
					complete++
				}
			}
			assert.Equal(t, 1, complete)
		})
	}
}
