package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
)

// RecordingNotifier counts confirmations per reservation.
type RecordingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
	Err   error
}

func (n *RecordingNotifier) NotifyConfirmed(_ context.Context, r *domain.Reservation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[string]int)
	}
	n.calls[r.ID]++
	return n.Err
}

func (n *RecordingNotifier) Calls(reservationID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[reservationID]
}

type RecordingPublisher struct {
	mu     sync.Mutex
	events []domain.ReservationEvent
	Err    error
}

func (p *RecordingPublisher) Publish(_ context.Context, event domain.ReservationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.Err
}

func (p *RecordingPublisher) Events() []domain.ReservationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ReservationEvent(nil), p.events...)
}

type RecordingDiscardQueue struct {
	mu     sync.Mutex
	queued []*domain.Transaction
	Err    error
}

func (q *RecordingDiscardQueue) EnqueueDiscard(_ context.Context, tx *domain.Transaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued = append(q.queued, tx)
	return q.Err
}

func (q *RecordingDiscardQueue) Queued() []*domain.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.Transaction(nil), q.queued...)
}

// MemoryDedupe is a DedupeCache without expiry.
type MemoryDedupe struct {
	keys sync.Map
}

func (d *MemoryDedupe) Seen(_ context.Context, provider domain.ProviderID, key string) (bool, error) {
	_, ok := d.keys.Load(string(provider) + "|" + key)
	return ok, nil
}

func (d *MemoryDedupe) Remember(_ context.Context, provider domain.ProviderID, key string) error {
	d.keys.Store(string(provider)+"|"+key, struct{}{})
	return nil
}

// StaticSettings enables every provider listed in Enabled, except for the
// purchase contexts in Disabled.
type StaticSettings struct {
	Enabled  map[domain.ProviderID]bool
	Disabled map[domain.ProviderID][]string
	Secrets  map[domain.ProviderID]string
}

func (s StaticSettings) IsEnabled(_ context.Context, id domain.ProviderID, purchaseContextID string) bool {
	if !s.Enabled[id] {
		return false
	}
	for _, c := range s.Disabled[id] {
		if strings.EqualFold(c, purchaseContextID) {
			return false
		}
	}
	return true
}

func (s StaticSettings) WebhookSecret(id domain.ProviderID) string {
	return s.Secrets[id]
}

// EnableAll returns settings enabling the given providers everywhere.
func EnableAll(ids ...domain.ProviderID) StaticSettings {
	s := StaticSettings{Enabled: make(map[domain.ProviderID]bool, len(ids))}
	for _, id := range ids {
		s.Enabled[id] = true
	}
	return s
}
