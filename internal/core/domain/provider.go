package domain

import "strings"

// ProviderID is the stable identifier of a payment gateway.
type ProviderID string

const (
	ProviderStripe       ProviderID = "STRIPE"
	ProviderSaferpay     ProviderID = "SAFERPAY"
	ProviderPayPal       ProviderID = "PAYPAL"
	ProviderBankTransfer ProviderID = "BANK_TRANSFER"
	ProviderMollie       ProviderID = "MOLLIE"
)

// ParseProviderID normalizes a route or config value ("paypal",
// "bank-transfer") into a ProviderID. Unknown values are returned upper-cased
// and rejected later by the registry.
func ParseProviderID(s string) ProviderID {
	return ProviderID(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
}
