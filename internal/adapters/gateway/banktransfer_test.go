package gateway_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/gateway"
	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBankTransfer_BuildPaymentSpec(t *testing.T) {
	b := gateway.NewBankTransfer(config.ProviderConfig{Account: "CH93 0076 2011 6238 5295 7"})

	spec, err := b.BuildPaymentSpec(context.Background(), reservation("r1"), domain.Cost{TotalCents: 1000, Currency: "EUR"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "TKT-R1", spec.Metadata["payment_reference"])
	assert.Equal(t, "CH93 0076 2011 6238 5295 7", spec.Metadata["account"])
}

func TestBankTransfer_CheckPayments(t *testing.T) {
	ctx := context.Background()
	booked := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	t.Run("matches references in the statement", func(t *testing.T) {
		lastChecked := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			assert.Equal(t, "/statements", req.URL.Path)
			assert.Equal(t, "2026-03-01T00:00:00Z", req.URL.Query().Get("since"))
			fmt.Fprint(w, `{"entries":[
				{"id":"stmt-1","reference":"Tickets tkt r1 thanks","amount":"10.00","currency":"eur","booked_at":"2026-03-01T09:30:00Z"},
				{"id":"stmt-2","reference":"TKT-R10","amount":25.5,"currency":"EUR","booked_at":"2026-03-01T09:30:00Z"},
				{"id":"stmt-3","reference":"rent march","amount":"900.00","currency":"EUR","booked_at":"2026-03-01T09:30:00Z"}
			]}`)
		}))
		defer server.Close()

		b := gateway.NewBankTransfer(config.ProviderConfig{BaseURL: server.URL})
		matches, err := b.CheckPayments(ctx, []*domain.Reservation{reservation("R1"), reservation("R10"), reservation("R2")}, lastChecked)

		require.NoError(t, err)
		assert.Equal(t, []domain.OfflineMatch{
			{ReservationID: "R1", Reference: "stmt-1", AmountCents: 1000, Currency: "EUR", PaidAt: booked},
			{ReservationID: "R10", Reference: "stmt-2", AmountCents: 2550, Currency: "EUR", PaidAt: booked},
		}, matches)
	})

	t.Run("first run reads the whole feed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			assert.Empty(t, req.URL.RawQuery)
			fmt.Fprint(w, `{"entries":[]}`)
		}))
		defer server.Close()

		b := gateway.NewBankTransfer(config.ProviderConfig{BaseURL: server.URL})
		matches, err := b.CheckPayments(ctx, []*domain.Reservation{reservation("R1")}, time.Time{})

		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("feed errors are reported", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"internal_error","message":"statement service down"}`)
		}))
		defer server.Close()

		b := gateway.NewBankTransfer(config.ProviderConfig{BaseURL: server.URL})
		_, err := b.CheckPayments(ctx, []*domain.Reservation{reservation("R1")}, time.Time{})

		assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	})

	t.Run("empty batch makes no call", func(t *testing.T) {
		b := gateway.NewBankTransfer(config.ProviderConfig{BaseURL: "http://127.0.0.1:1"})
		matches, err := b.CheckPayments(ctx, nil, time.Time{})

		require.NoError(t, err)
		assert.Empty(t, matches)
	})
}
