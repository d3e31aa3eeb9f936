package gateway

import (
	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/provider"
)

// All builds every known provider from its configuration. Whether a provider
// may be used is decided later by the registry.
func All(settings *config.ProviderSettings) []provider.Provider {
	cfg := func(id domain.ProviderID) config.ProviderConfig {
		c, _ := settings.Provider(id)
		return c
	}
	return []provider.Provider{
		NewStripe(cfg(domain.ProviderStripe)),
		NewSaferpay(cfg(domain.ProviderSaferpay)),
		NewPayPal(cfg(domain.ProviderPayPal)),
		NewBankTransfer(cfg(domain.ProviderBankTransfer)),
		NewMollie(cfg(domain.ProviderMollie)),
	}
}
