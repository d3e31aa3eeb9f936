package gateway

import (
	"testing"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmounts(t *testing.T) {
	assert.Equal(t, "10.50", formatAmount(1050, "EUR"))
	assert.Equal(t, "0.05", formatAmount(5, "CHF"))
	assert.Equal(t, "1500", formatAmount(1500, "JPY"))

	cents, err := parseAmount("10.5", "EUR")
	require.NoError(t, err)
	assert.Equal(t, int64(1050), cents)

	yen, err := parseAmount("1500", "jpy")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), yen)

	_, err = parseAmount("10.505", "EUR")
	assert.Error(t, err)
	_, err = parseAmount("ten", "EUR")
	assert.Error(t, err)
}

func TestNotifyURL(t *testing.T) {
	r := &domain.Reservation{ID: "R1", PurchaseContextID: "event-1"}

	assert.Equal(t, "https://t.example.com/webhooks/bank-transfer/event-1/R1",
		notifyURL("https://t.example.com/webhooks/", domain.ProviderBankTransfer, r))
	assert.Empty(t, notifyURL("", domain.ProviderSaferpay, r))
}
