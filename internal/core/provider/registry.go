package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/ports"
)

// Handle is a resolved provider. Use As to obtain a capability view.
type Handle struct {
	impl Provider
}

func (h Handle) ID() domain.ProviderID {
	return h.impl.ID()
}

// As returns the provider as capability T if it implements it.
func As[T any](h Handle) (T, bool) {
	c, ok := h.impl.(T)
	return c, ok
}

// Registry resolves providers by id. It is built once in main and shared.
type Registry struct {
	providers map[domain.ProviderID]Provider
	settings  ports.ProviderSettings
}

func NewRegistry(settings ports.ProviderSettings, providers ...Provider) (*Registry, error) {
	r := &Registry{
		providers: make(map[domain.ProviderID]Provider, len(providers)),
		settings:  settings,
	}
	for _, p := range providers {
		if _, exists := r.providers[p.ID()]; exists {
			return nil, fmt.Errorf("provider %s registered twice", p.ID())
		}
		r.providers[p.ID()] = p
	}
	return r, nil
}

// Resolve returns the provider for id if it is known and enabled for the
// purchase context. An empty purchaseContextID checks the global flag only.
func (r *Registry) Resolve(ctx context.Context, id domain.ProviderID, purchaseContextID string) (Handle, error) {
	p, ok := r.providers[id]
	if !ok {
		return Handle{}, domain.NewUnsupportedProviderError(id)
	}
	if !r.settings.IsEnabled(ctx, id, purchaseContextID) {
		return Handle{}, domain.NewProviderNotConfiguredError(id, purchaseContextID)
	}
	return Handle{impl: p}, nil
}

// Implementing lists the globally enabled providers that implement T, in id
// order.
func Implementing[T any](ctx context.Context, r *Registry) []Handle {
	var handles []Handle
	for id, p := range r.providers {
		if _, ok := p.(T); !ok {
			continue
		}
		if !r.settings.IsEnabled(ctx, id, "") {
			continue
		}
		handles = append(handles, Handle{impl: p})
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID() < handles[j].ID() })
	return handles
}

// IDsImplementing is Implementing reduced to provider ids.
func IDsImplementing[T any](ctx context.Context, r *Registry) []domain.ProviderID {
	handles := Implementing[T](ctx, r)
	ids := make([]domain.ProviderID, 0, len(handles))
	for _, h := range handles {
		ids = append(ids, h.ID())
	}
	return ids
}
