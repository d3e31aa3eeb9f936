package gateway_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/gateway"
	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// paypalServer serves the OAuth endpoint and hands every other request to
// next. It counts token requests.
func paypalServer(t *testing.T, tokens *atomic.Int32, next http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v1/oauth2/token" {
			tokens.Add(1)
			id, secret, _ := req.BasicAuth()
			assert.Equal(t, "client", id)
			assert.Equal(t, "secret", secret)
			fmt.Fprint(w, `{"access_token":"A21","expires_in":32400}`)
			return
		}
		assert.Equal(t, "Bearer A21", req.Header.Get("Authorization"))
		next(w, req)
	}))
}

func paypalConfig(url string) config.ProviderConfig {
	return config.ProviderConfig{BaseURL: url, APIKey: "client:secret", WebhookSecret: "whsec"}
}

func TestPayPal_InitTransaction(t *testing.T) {
	r := reservation("R1")
	spec := domain.PaymentSpec{
		AmountCents: 1050,
		Currency:    "EUR",
		Descriptor:  "tickets",
		Metadata:    map[string]string{"return_url": "https://t.example.com/ok", "cancel_url": "https://t.example.com/cancel"},
	}

	var tokens atomic.Int32
	server := paypalServer(t, &tokens, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v2/checkout/orders", req.URL.Path)
		assert.NotEmpty(t, req.Header.Get("PayPal-Request-Id"))
		fmt.Fprint(w, `{"id":"ORDER-1","status":"CREATED","links":[{"rel":"self","href":"https://api/self"},{"rel":"approve","href":"https://paypal.example.com/approve"}]}`)
	})
	defer server.Close()

	p := gateway.NewPayPal(paypalConfig(server.URL))
	for range 2 {
		token, err := p.InitTransaction(context.Background(), spec, attempt(r, domain.ProviderPayPal, spec.Metadata))
		require.NoError(t, err)
		assert.Equal(t, domain.InitToken{ClientToken: "https://paypal.example.com/approve", ExternalID: "ORDER-1"}, token)
	}
	assert.Equal(t, int32(1), tokens.Load(), "access token is cached")
}

func TestPayPal_BuildPaymentSpec(t *testing.T) {
	p := gateway.NewPayPal(paypalConfig(""))
	_, err := p.BuildPaymentSpec(context.Background(), reservation("R1"), domain.Cost{TotalCents: 1000, Currency: "EUR"},
		map[string]string{"return_url": "https://t.example.com/ok"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestPayPal_Webhook(t *testing.T) {
	p := gateway.NewPayPal(paypalConfig(""))
	ctx := context.Background()

	t.Run("signature", func(t *testing.T) {
		body := []byte(`{"id":"WH-1"}`)
		mac := hmac.New(sha256.New, []byte("whsec"))
		mac.Write([]byte("tr-1.2026-01-01T00:00:00Z." + string(body)))

		headers := http.Header{}
		headers.Set("Paypal-Transmission-Id", "tr-1")
		headers.Set("Paypal-Transmission-Time", "2026-01-01T00:00:00Z")
		headers.Set("Paypal-Transmission-Sig", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
		assert.NoError(t, p.VerifySignature(body, headers))

		assert.Error(t, p.VerifySignature([]byte(`{"id":"WH-2"}`), headers))
		assert.Error(t, p.VerifySignature(body, http.Header{}))
	})

	t.Run("capture completed", func(t *testing.T) {
		body := `{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","status":"COMPLETED","custom_id":"R1","amount":{"currency_code":"EUR","value":"10.50"},"supplementary_data":{"related_ids":{"order_id":"ORDER-1"}}}}`
		payload, err := p.ParseWebhook(ctx, []byte(body), nil)

		require.NoError(t, err)
		assert.Equal(t, domain.TransactionWebhookPayload{
			Type:           "PAYMENT.CAPTURE.COMPLETED",
			Status:         domain.WebhookSuccess,
			ReservationID:  "R1",
			ExternalID:     "ORDER-1",
			IdempotencyKey: "WH-1",
			AmountCents:    1050,
			Currency:       "EUR",
		}, payload)
	})

	t.Run("capture denied", func(t *testing.T) {
		body := `{"id":"WH-2","event_type":"PAYMENT.CAPTURE.DENIED","resource":{"custom_id":"R1","amount":{"currency_code":"EUR","value":"10.50"}}}`
		payload, err := p.ParseWebhook(ctx, []byte(body), nil)

		require.NoError(t, err)
		assert.Equal(t, domain.WebhookFailure, payload.Status)
	})

	t.Run("approved order needs a check", func(t *testing.T) {
		body := `{"id":"WH-3","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORDER-1","purchase_units":[{"custom_id":"R1","amount":{"currency_code":"EUR","value":"10.50"}}]}}`
		payload, err := p.ParseWebhook(ctx, []byte(body), nil)

		require.NoError(t, err)
		assert.Equal(t, domain.WebhookUnknown, payload.Status)
		assert.Equal(t, "ORDER-1", payload.ExternalID)
		assert.Equal(t, "R1", payload.ReservationID)
	})

	t.Run("amount with sub-cent precision", func(t *testing.T) {
		body := `{"id":"WH-4","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"custom_id":"R1","amount":{"currency_code":"EUR","value":"10.505"}}}`
		_, err := p.ParseWebhook(ctx, []byte(body), nil)
		assert.ErrorIs(t, err, domain.ErrMalformedPayload)
	})

	t.Run("ack text", func(t *testing.T) {
		assert.Equal(t, "ACCEPTED", p.AckText(domain.ResultSuccessful))
		assert.Equal(t, "RETRY", p.AckText(domain.ResultError))
	})
}

func TestPayPal_ForceTransactionCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("approved order is captured", func(t *testing.T) {
		r := reservation("R1")
		var tokens atomic.Int32
		server := paypalServer(t, &tokens, func(w http.ResponseWriter, req *http.Request) {
			switch req.URL.Path {
			case "/v2/checkout/orders/ORDER-1":
				fmt.Fprint(w, `{"id":"ORDER-1","status":"APPROVED","purchase_units":[{"custom_id":"R1","amount":{"currency_code":"EUR","value":"10.00"}}]}`)
			case "/v2/checkout/orders/ORDER-1/capture":
				assert.Equal(t, "capture-ORDER-1", req.Header.Get("PayPal-Request-Id"))
				fmt.Fprint(w, `{"id":"ORDER-1","status":"COMPLETED","purchase_units":[{"custom_id":"R1","amount":{"currency_code":"EUR","value":"10.00"},"payments":{"captures":[{"id":"CAP-1","status":"COMPLETED","amount":{"currency_code":"EUR","value":"10.00"}}]}}]}`)
			default:
				t.Errorf("unexpected path %s", req.URL.Path)
			}
		})
		defer server.Close()

		p := gateway.NewPayPal(paypalConfig(server.URL))
		check, err := p.ForceTransactionCheck(ctx, r, withExternalID(attempt(r, domain.ProviderPayPal, nil), "ORDER-1"))

		require.NoError(t, err)
		assert.Equal(t, domain.CheckResult{Status: domain.CheckPaid, ExternalID: "ORDER-1", AmountCents: 1000, Currency: "EUR"}, check)
	})

	t.Run("unapproved order", func(t *testing.T) {
		var tokens atomic.Int32
		server := paypalServer(t, &tokens, func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"id":"ORDER-1","status":"PAYER_ACTION_REQUIRED","purchase_units":[{"custom_id":"R1"}]}`)
		})
		defer server.Close()
		p := gateway.NewPayPal(paypalConfig(server.URL))

		open := reservation("R1")
		check, err := p.ForceTransactionCheck(ctx, open, withExternalID(attempt(open, domain.ProviderPayPal, nil), "ORDER-1"))
		require.NoError(t, err)
		assert.Equal(t, domain.CheckPending, check.Status)

		expired := reservation("R1")
		expired.ExpiresAt = time.Now().Add(-time.Minute)
		check, err = p.ForceTransactionCheck(ctx, expired, withExternalID(attempt(expired, domain.ProviderPayPal, nil), "ORDER-1"))
		require.NoError(t, err)
		assert.Equal(t, domain.CheckFailed, check.Status)
	})

	t.Run("order belongs to another reservation", func(t *testing.T) {
		r := reservation("R1")
		var tokens atomic.Int32
		server := paypalServer(t, &tokens, func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"id":"ORDER-1","status":"COMPLETED","purchase_units":[{"custom_id":"R2"}]}`)
		})
		defer server.Close()

		p := gateway.NewPayPal(paypalConfig(server.URL))
		_, err := p.ForceTransactionCheck(ctx, r, withExternalID(attempt(r, domain.ProviderPayPal, nil), "ORDER-1"))
		assert.ErrorIs(t, err, domain.ErrReservationMismatch)
	})
}
