package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/shopspring/decimal"
)

// Metadata keys stored on the payment spec and copied to the transaction.
const (
	metaReservation = "reservation_id"
	metaContext     = "purchase_context_id"
	metaReturnURL   = "return_url"
	metaCancelURL   = "cancel_url"
	metaNotifyURL   = "notify_url"
	metaRedirectURL = "redirect_url"
	metaToken       = "token"
	metaReference   = "payment_reference"
)

// buildSpec validates the cost against the reservation and copies the
// required client parameters into the PaymentSpec metadata.
func buildSpec(r *domain.Reservation, cost domain.Cost, params map[string]string, required ...string) (domain.PaymentSpec, error) {
	for _, k := range required {
		if params[k] == "" {
			return domain.PaymentSpec{}, domain.NewMissingRequiredFieldError(k)
		}
	}
	currency := strings.ToUpper(cost.Currency)
	if currency == "" {
		currency = r.Currency
	}
	if currency != r.Currency {
		return domain.PaymentSpec{}, domain.NewCurrencyMismatchError(r.Currency, currency)
	}
	if cost.TotalCents <= 0 {
		return domain.PaymentSpec{}, domain.NewInvalidRequestError("payment amount must be positive")
	}
	if cost.TotalCents < r.AmountCents {
		return domain.PaymentSpec{}, domain.NewAmountMismatchError(r.AmountCents, cost.TotalCents)
	}

	metadata := map[string]string{
		metaReservation: r.ID,
		metaContext:     r.PurchaseContextID,
	}
	for _, k := range required {
		metadata[k] = params[k]
	}
	descriptor := params["descriptor"]
	if descriptor == "" {
		descriptor = fmt.Sprintf("Reservation %s", r.ID)
	}
	return domain.PaymentSpec{
		AmountCents: cost.TotalCents,
		Currency:    r.Currency,
		Descriptor:  descriptor,
		Metadata:    metadata,
	}, nil
}

var zeroDecimalCurrencies = map[string]bool{"JPY": true, "KRW": true}

func minorUnits(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// formatAmount renders minor units as a decimal string, e.g. 1050 EUR as
// "10.50".
func formatAmount(cents int64, currency string) string {
	units := minorUnits(currency)
	return decimal.New(cents, -units).StringFixed(units)
}

// parseAmount is the inverse of formatAmount. Fractions smaller than the
// currency's minor unit are rejected.
func parseAmount(value, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	minor := d.Shift(minorUnits(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more precision than %s allows", value, currency)
	}
	return minor.IntPart(), nil
}

func signHMAC(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for i, p := range parts {
		if i > 0 {
			mac.Write([]byte("."))
		}
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// notifyURL builds the per-reservation callback for providers whose
// notifications do not carry the reservation id.
func notifyURL(base string, id domain.ProviderID, r *domain.Reservation) string {
	if base == "" {
		return ""
	}
	slug := strings.ToLower(strings.ReplaceAll(string(id), "_", "-"))
	return fmt.Sprintf("%s/%s/%s/%s", strings.TrimRight(base, "/"), slug, r.PurchaseContextID, r.ID)
}
