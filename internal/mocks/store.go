package mocks

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/DanielPopoola/ficmart-ticketing/internal/core/domain"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/ports"
)

// MemoryStore is an in-memory ports.Store. WithTx holds a store-wide lock for
// the whole callback and restores a snapshot when the callback fails, which
// gives the same all-or-nothing and serialized behaviour as row locks.
type MemoryStore struct {
	mu    *sync.Mutex
	state *memState
	inTx  bool

	UpdateStatusFn func(ctx context.Context, r *domain.Reservation) error
	FindCurrentFn  func(ctx context.Context, reservationID string) (*domain.Transaction, error)
}

type memState struct {
	reservations map[string]*domain.Reservation
	leases       map[string]time.Time
	transactions []*domain.Transaction
	events       map[string]*domain.WebhookEvent
	checkpoints  map[domain.ProviderID]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		state: &memState{
			reservations: make(map[string]*domain.Reservation),
			leases:       make(map[string]time.Time),
			events:       make(map[string]*domain.WebhookEvent),
			checkpoints:  make(map[domain.ProviderID]time.Time),
		},
	}
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) Reservations() ports.ReservationRepository { return memReservations{s} }
func (s *MemoryStore) Transactions() ports.TransactionRepository { return memTransactions{s} }
func (s *MemoryStore) WebhookEvents() ports.WebhookEventRepository {
	return memWebhookEvents{s}
}
func (s *MemoryStore) Checkpoints() ports.CheckpointRepository { return memCheckpoints{s} }

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ports.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	txStore := &MemoryStore{
		mu:             s.mu,
		state:          s.state,
		inTx:           true,
		UpdateStatusFn: s.UpdateStatusFn,
		FindCurrentFn:  s.FindCurrentFn,
	}
	if err := fn(txStore); err != nil {
		*s.state = *snapshot
		return err
	}
	return nil
}

// Seed stores reservations directly, bypassing the state machine.
func (s *MemoryStore) Seed(reservations ...*domain.Reservation) {
	unlock := s.lock()
	defer unlock()
	for _, r := range reservations {
		s.state.reservations[r.ID] = copyReservation(r)
	}
}

// Reservation returns the stored reservation or nil.
func (s *MemoryStore) Reservation(id string) *domain.Reservation {
	unlock := s.lock()
	defer unlock()
	if r, ok := s.state.reservations[id]; ok {
		return copyReservation(r)
	}
	return nil
}

// TransactionsFor returns every stored transaction of a reservation in
// insertion order.
func (s *MemoryStore) TransactionsFor(reservationID string) []*domain.Transaction {
	unlock := s.lock()
	defer unlock()
	var out []*domain.Transaction
	for _, tx := range s.state.transactions {
		if tx.ReservationID == reservationID {
			out = append(out, copyTransaction(tx))
		}
	}
	return out
}

// EventCount is the number of stored webhook keys.
func (s *MemoryStore) EventCount() int {
	unlock := s.lock()
	defer unlock()
	return len(s.state.events)
}

func (s *MemoryStore) currentTx(reservationID string) *domain.Transaction {
	for i := len(s.state.transactions) - 1; i >= 0; i-- {
		tx := s.state.transactions[i]
		if tx.ReservationID == reservationID && tx.Status != domain.TransactionFailed {
			return tx
		}
	}
	return nil
}

type memReservations struct{ s *MemoryStore }

func (m memReservations) Create(_ context.Context, r *domain.Reservation) error {
	unlock := m.s.lock()
	defer unlock()
	if _, exists := m.s.state.reservations[r.ID]; exists {
		return domain.NewInvalidRequestError("reservation " + r.ID + " already exists")
	}
	m.s.state.reservations[r.ID] = copyReservation(r)
	return nil
}

func (m memReservations) FindByID(_ context.Context, id string) (*domain.Reservation, error) {
	unlock := m.s.lock()
	defer unlock()
	r, ok := m.s.state.reservations[id]
	if !ok {
		return nil, domain.NewReservationNotFoundError(id)
	}
	return copyReservation(r), nil
}

func (m memReservations) FindByIDForUpdate(ctx context.Context, id string) (*domain.Reservation, error) {
	return m.FindByID(ctx, id)
}

func (m memReservations) UpdateStatus(ctx context.Context, r *domain.Reservation) error {
	if m.s.UpdateStatusFn != nil {
		if err := m.s.UpdateStatusFn(ctx, r); err != nil {
			return err
		}
	}
	unlock := m.s.lock()
	defer unlock()
	stored, ok := m.s.state.reservations[r.ID]
	if !ok {
		return domain.NewReservationNotFoundError(r.ID)
	}
	if stored.Version != r.Version {
		return domain.NewConcurrentModificationError(r.ID)
	}
	r.Version++
	m.s.state.reservations[r.ID] = copyReservation(r)
	return nil
}

func (m memReservations) MarkExpired(_ context.Context, id string, now time.Time) (bool, error) {
	unlock := m.s.lock()
	defer unlock()
	r, ok := m.s.state.reservations[id]
	if !ok || r.Status != domain.ReservationPending || !r.IsExpired(now) {
		return false, nil
	}
	if tx := m.s.currentTx(id); tx != nil && tx.Status == domain.TransactionPending {
		return false, nil
	}
	r.Status = domain.ReservationCancelled
	r.UpdatedAt = now
	r.Version++
	return true, nil
}

func (m memReservations) ClaimExpired(_ context.Context, now time.Time, lease time.Duration, limit int, exclude []domain.ProviderID) ([]*domain.Reservation, error) {
	unlock := m.s.lock()
	defer unlock()
	return m.claim(now, lease, limit, func(r *domain.Reservation) bool {
		if r.Status != domain.ReservationPending && r.Status != domain.ReservationInPayment {
			return false
		}
		if !r.IsExpired(now) {
			return false
		}
		if tx := m.s.currentTx(r.ID); tx != nil && slices.Contains(exclude, tx.ProviderID) {
			return false
		}
		return true
	}), nil
}

func (m memReservations) ClaimAwaitingSettlement(_ context.Context, provider domain.ProviderID, now time.Time, lease time.Duration, limit int) ([]*domain.Reservation, error) {
	unlock := m.s.lock()
	defer unlock()
	return m.claim(now, lease, limit, func(r *domain.Reservation) bool {
		if r.Status != domain.ReservationInPayment && r.Status != domain.ReservationStuck {
			return false
		}
		tx := m.s.currentTx(r.ID)
		return tx != nil && tx.Status == domain.TransactionPending && tx.ProviderID == provider
	}), nil
}

func (m memReservations) claim(now time.Time, lease time.Duration, limit int, match func(*domain.Reservation) bool) []*domain.Reservation {
	var candidates []*domain.Reservation
	for id, r := range m.s.state.reservations {
		if until, held := m.s.state.leases[id]; held && until.After(now) {
			continue
		}
		if match(r) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].Status == domain.ReservationStuck, candidates[j].Status == domain.ReservationStuck
		if si != sj {
			return sj
		}
		return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*domain.Reservation, 0, len(candidates))
	for _, r := range candidates {
		m.s.state.leases[r.ID] = now.Add(lease)
		out = append(out, copyReservation(r))
	}
	return out
}

func (m memReservations) ReleaseClaim(_ context.Context, id string) error {
	unlock := m.s.lock()
	defer unlock()
	delete(m.s.state.leases, id)
	return nil
}

type memTransactions struct{ s *MemoryStore }

func (m memTransactions) Create(_ context.Context, tx *domain.Transaction) error {
	unlock := m.s.lock()
	defer unlock()
	if tx.Status == domain.TransactionPending {
		if cur := m.s.currentTx(tx.ReservationID); cur != nil && cur.Status == domain.TransactionPending {
			return domain.NewInvariantViolationError("reservation already has a pending transaction", nil)
		}
	}
	m.s.state.transactions = append(m.s.state.transactions, copyTransaction(tx))
	return nil
}

func (m memTransactions) FindCurrent(ctx context.Context, reservationID string) (*domain.Transaction, error) {
	if m.s.FindCurrentFn != nil {
		return m.s.FindCurrentFn(ctx, reservationID)
	}
	unlock := m.s.lock()
	defer unlock()
	if tx := m.s.currentTx(reservationID); tx != nil {
		return copyTransaction(tx), nil
	}
	return nil, domain.NewTransactionNotFoundError(reservationID)
}

func (m memTransactions) FindCurrentForUpdate(ctx context.Context, reservationID string) (*domain.Transaction, error) {
	return m.FindCurrent(ctx, reservationID)
}

func (m memTransactions) Update(_ context.Context, tx *domain.Transaction) error {
	unlock := m.s.lock()
	defer unlock()
	for i, stored := range m.s.state.transactions {
		if stored.ID == tx.ID {
			m.s.state.transactions[i] = copyTransaction(tx)
			return nil
		}
	}
	return domain.NewTransactionNotFoundError(tx.ReservationID)
}

func (m memTransactions) ListByReservation(_ context.Context, reservationID string) ([]*domain.Transaction, error) {
	unlock := m.s.lock()
	defer unlock()
	var out []*domain.Transaction
	for _, tx := range m.s.state.transactions {
		if tx.ReservationID == reservationID {
			out = append(out, copyTransaction(tx))
		}
	}
	return out, nil
}

type memWebhookEvents struct{ s *MemoryStore }

func (m memWebhookEvents) Claim(_ context.Context, event *domain.WebhookEvent) (bool, error) {
	unlock := m.s.lock()
	defer unlock()
	k := string(event.ProviderID) + "|" + event.IdempotencyKey
	if _, seen := m.s.state.events[k]; seen {
		return false, nil
	}
	e := *event
	m.s.state.events[k] = &e
	return true, nil
}

type memCheckpoints struct{ s *MemoryStore }

func (m memCheckpoints) LastChecked(_ context.Context, provider domain.ProviderID) (time.Time, error) {
	unlock := m.s.lock()
	defer unlock()
	return m.s.state.checkpoints[provider], nil
}

func (m memCheckpoints) SaveLastChecked(_ context.Context, provider domain.ProviderID, at time.Time) error {
	unlock := m.s.lock()
	defer unlock()
	m.s.state.checkpoints[provider] = at
	return nil
}

func (st *memState) clone() *memState {
	c := &memState{
		reservations: make(map[string]*domain.Reservation, len(st.reservations)),
		leases:       make(map[string]time.Time, len(st.leases)),
		transactions: make([]*domain.Transaction, 0, len(st.transactions)),
		events:       make(map[string]*domain.WebhookEvent, len(st.events)),
		checkpoints:  make(map[domain.ProviderID]time.Time, len(st.checkpoints)),
	}
	for k, v := range st.reservations {
		c.reservations[k] = copyReservation(v)
	}
	for k, v := range st.leases {
		c.leases[k] = v
	}
	for _, tx := range st.transactions {
		c.transactions = append(c.transactions, copyTransaction(tx))
	}
	for k, v := range st.events {
		e := *v
		c.events[k] = &e
	}
	for k, v := range st.checkpoints {
		c.checkpoints[k] = v
	}
	return c
}

func copyReservation(r *domain.Reservation) *domain.Reservation {
	c := *r
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return &c
}

func copyTransaction(tx *domain.Transaction) *domain.Transaction {
	c := *tx
	if tx.ExternalID != nil {
		id := *tx.ExternalID
		c.ExternalID = &id
	}
	c.Metadata = make(map[string]string, len(tx.Metadata))
	for k, v := range tx.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
