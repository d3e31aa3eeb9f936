package provider_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/provider"
	"github.com/DanielPopoola/ficmart-ticketing/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, settings mocks.StaticSettings) *provider.Registry {
	t.Helper()
	reg, err := provider.NewRegistry(settings,
		mocks.CardGateway(mocks.NewMockGateway(t, domain.ProviderStripe)),
		mocks.OfflineGateway(mocks.NewMockGateway(t, domain.ProviderBankTransfer)),
		mocks.WebhookOnly(mocks.NewMockGateway(t, domain.ProviderMollie)),
	)
	require.NoError(t, err)
	return reg
}

func TestRegistry_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown provider is unsupported", func(t *testing.T) {
		reg := newRegistry(t, mocks.EnableAll(domain.ProviderStripe))

		_, err := reg.Resolve(ctx, domain.ProviderID("FOO"), "event-1")

		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrUnsupportedProvider))
	})

	t.Run("disabled provider is not configured", func(t *testing.T) {
		reg := newRegistry(t, mocks.EnableAll(domain.ProviderStripe))

		_, err := reg.Resolve(ctx, domain.ProviderMollie, "event-1")

		assert.True(t, errors.Is(err, domain.ErrProviderNotConfigured))
	})

	t.Run("provider disabled for one purchase context", func(t *testing.T) {
		settings := mocks.EnableAll(domain.ProviderStripe)
		settings.Disabled = map[domain.ProviderID][]string{domain.ProviderStripe: {"event-2"}}
		reg := newRegistry(t, settings)

		_, err := reg.Resolve(ctx, domain.ProviderStripe, "event-2")
		assert.True(t, errors.Is(err, domain.ErrProviderNotConfigured))

		h, err := reg.Resolve(ctx, domain.ProviderStripe, "event-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ProviderStripe, h.ID())
	})
}

func TestAs_ReflectsImplementedCapabilities(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, mocks.EnableAll(domain.ProviderStripe, domain.ProviderBankTransfer, domain.ProviderMollie))

	stripe, err := reg.Resolve(ctx, domain.ProviderStripe, "")
	require.NoError(t, err)
	_, ok := provider.As[provider.WebhookHandler](stripe)
	assert.True(t, ok)
	_, ok = provider.As[provider.ServerInitiatedTransaction](stripe)
	assert.True(t, ok)
	_, ok = provider.As[provider.OfflineProcessor](stripe)
	assert.False(t, ok)

	bank, err := reg.Resolve(ctx, domain.ProviderBankTransfer, "")
	require.NoError(t, err)
	_, ok = provider.As[provider.OfflineProcessor](bank)
	assert.True(t, ok)
	_, ok = provider.As[provider.WebhookHandler](bank)
	assert.False(t, ok)

	mollie, err := reg.Resolve(ctx, domain.ProviderMollie, "")
	require.NoError(t, err)
	_, ok = provider.As[provider.ExternalProcessing](mollie)
	assert.False(t, ok)
}

func TestImplementing(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, mocks.EnableAll(domain.ProviderStripe, domain.ProviderBankTransfer))

	assert.Equal(t,
		[]domain.ProviderID{domain.ProviderBankTransfer},
		provider.IDsImplementing[provider.OfflineProcessor](ctx, reg))
	assert.Equal(t,
		[]domain.ProviderID{domain.ProviderStripe},
		provider.IDsImplementing[provider.WebhookHandler](ctx, reg))
}

func TestNewRegistry_RejectsDuplicateIDs(t *testing.T) {
	_, err := provider.NewRegistry(mocks.EnableAll(),
		mocks.Bare(mocks.NewMockGateway(t, domain.ProviderStripe)),
		mocks.Bare(mocks.NewMockGateway(t, domain.ProviderStripe)),
	)
	assert.Error(t, err)
}
