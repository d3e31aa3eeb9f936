package tests

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/gateway"
	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/handler"
	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/postgres"
	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/postgres/testhelpers"
	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/provider"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/service"
	"github.com/DanielPopoola/ficmart-ticketing/internal/mocks"
	"github.com/DanielPopoola/ficmart-ticketing/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_integration"

type integration struct {
	server   *httptest.Server
	store    *postgres.Store
	notifier *mocks.RecordingNotifier
}

// fakeStripe answers payment intent creation with a fixed intent id.
func fakeStripe(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payment_intents" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		amount, _ := strconv.ParseInt(r.PostForm.Get("amount"), 10, 64)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "pi_" + r.PostForm.Get("metadata[reservation_id]"),
			"status":        "requires_payment_method",
			"amount":        amount,
			"currency":      r.PostForm.Get("currency"),
			"client_secret": "pi_secret",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupIntegration(t *testing.T) *integration {
	testDB := testhelpers.SetupTestDatabase(t)
	t.Cleanup(func() { testDB.Cleanup(t) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := postgres.NewStore(testDB.DB)

	settings := config.NewProviderSettings(map[string]config.ProviderConfig{
		"stripe": {
			Enabled:       true,
			BaseURL:       fakeStripe(t).URL,
			APIKey:        "sk_test",
			WebhookSecret: webhookSecret,
			Timeout:       5 * time.Second,
		},
	})
	registry, err := provider.NewRegistry(settings, gateway.All(settings)...)
	require.NoError(t, err)

	notifier := &mocks.RecordingNotifier{}
	locks := worker.NewKeyedMutex()
	reservations := service.NewReservationService(
		service.NewLedger(store, logger),
		store,
		registry,
		notifier,
		&mocks.RecordingPublisher{},
		&mocks.RecordingDiscardQueue{},
		5*time.Second,
		logger,
	)
	pipeline := service.NewWebhookPipeline(registry, reservations, store, &mocks.MemoryDedupe{}, locks, 5*time.Second, logger)

	h := handler.NewHandler(pipeline, reservations, worker.NewPool(4), logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &integration{server: srv, store: store, notifier: notifier}
}

func (it *integration) createReservation(t *testing.T, id string) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, it.store.Reservations().Create(context.Background(), &domain.Reservation{
		ID:                id,
		PurchaseContextID: "event-1",
		Status:            domain.ReservationPending,
		AmountCents:       2500,
		Currency:          "EUR",
		ExpiresAt:         now.Add(15 * time.Minute),
		Owner:             domain.Contact{Name: "Ada", Email: "ada@example.com"},
		CreatedAt:         now,
		UpdatedAt:         now,
	}))
}

func (it *integration) post(t *testing.T, path string, body []byte, headers map[string]string) *http.Response {
	req, err := http.NewRequest(http.MethodPost, it.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func succeededEvent(eventID, reservationID string, amount int64) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":   eventID,
		"type": "payment_intent.succeeded",
		"data": map[string]any{
			"object": map[string]any{
				"id":              "pi_" + reservationID,
				"status":          "succeeded",
				"amount":          amount,
				"amount_received": amount,
				"currency":        "eur",
				"metadata":        map[string]string{"reservation_id": reservationID},
			},
		},
	})
	return body
}

func signed(body []byte) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(ts + "." + string(body)))
	return map[string]string{
		"Content-Type":     "application/json",
		"Stripe-Signature": fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))),
	}
}

func TestIntegration_FullFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	it := setupIntegration(t)
	ctx := context.Background()
	it.createReservation(t, "R-100")

	// 1. Start a Stripe payment
	initBody, _ := json.Marshal(handler.InitiatePaymentRequest{Provider: "stripe", TotalCents: 2500, Currency: "EUR"})
	resp := it.post(t, "/reservations/R-100/payments", initBody, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	r, err := it.store.Reservations().FindByID(ctx, "R-100")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationInPayment, r.Status)

	// 2. Stripe confirms the payment
	event := succeededEvent("evt_1", "R-100", 2500)
	resp = it.post(t, "/webhooks/stripe", event, signed(event))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// 3. Verify final state
	r, err = it.store.Reservations().FindByID(ctx, "R-100")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationComplete, r.Status)
	assert.NotNil(t, r.ConfirmedAt)

	tx, err := it.store.Transactions().FindCurrent(ctx, "R-100")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionComplete, tx.Status)
	require.NotNil(t, tx.ExternalID)
	assert.Equal(t, "pi_R-100", *tx.ExternalID)
	assert.Equal(t, 1, it.notifier.Calls("R-100"))
}

func TestIntegration_TamperedWebhookIsRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	it := setupIntegration(t)
	it.createReservation(t, "R-200")

	event := succeededEvent("evt_2", "R-200", 2500)
	headers := signed(event)
	tampered := succeededEvent("evt_2", "R-200", 1)

	resp := it.post(t, "/webhooks/stripe", tampered, headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r, err := it.store.Reservations().FindByID(context.Background(), "R-200")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, r.Status)
}

func TestIntegration_ConcurrentDuplicateDeliveries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	it := setupIntegration(t)
	it.createReservation(t, "R-300")

	initBody, _ := json.Marshal(handler.InitiatePaymentRequest{Provider: "stripe", TotalCents: 2500, Currency: "EUR"})
	resp := it.post(t, "/reservations/R-300/payments", initBody, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	const numRequests = 5
	event := succeededEvent("evt_3", "R-300", 2500)

	var wg sync.WaitGroup
	statuses := make(chan int, numRequests)
	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, it.server.URL+"/webhooks/stripe", bytes.NewReader(event))
			if err != nil {
				statuses <- 0
				return
			}
			for k, v := range signed(event) {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				statuses <- 0
				return
			}
			resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(statuses)

	for status := range statuses {
		assert.Equal(t, http.StatusOK, status)
	}

	r, err := it.store.Reservations().FindByID(context.Background(), "R-300")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationComplete, r.Status)
	assert.Equal(t, 1, it.notifier.Calls("R-300"))
}
