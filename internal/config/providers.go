package config

import (
	"context"
	"slices"
	"strings"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

// ProviderSettings serves per-provider flags and secrets out of the loaded
// configuration. Provider keys are matched case-insensitively.
type ProviderSettings struct {
	providers map[string]ProviderConfig
}

func NewProviderSettings(providers map[string]ProviderConfig) *ProviderSettings {
	normalized := make(map[string]ProviderConfig, len(providers))
	for k, v := range providers {
		normalized[strings.ToLower(k)] = v
	}
	return &ProviderSettings{providers: normalized}
}

func (s *ProviderSettings) IsEnabled(_ context.Context, id domain.ProviderID, purchaseContextID string) bool {
	cfg, ok := s.providers[strings.ToLower(string(id))]
	if !ok || !cfg.Enabled {
		return false
	}
	if purchaseContextID == "" {
		return true
	}
	return !slices.Contains(cfg.DisabledContexts, purchaseContextID)
}

func (s *ProviderSettings) WebhookSecret(id domain.ProviderID) string {
	return s.providers[strings.ToLower(string(id))].WebhookSecret
}

// Provider returns the raw configuration for one provider.
func (s *ProviderSettings) Provider(id domain.ProviderID) (ProviderConfig, bool) {
	cfg, ok := s.providers[strings.ToLower(string(id))]
	return cfg, ok
}
