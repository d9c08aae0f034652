package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rowanvale/iduna/internal/domain"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It honors the same optimistic-concurrency and claim semantics as the
// postgres implementation.
type MemoryStore struct {
	mu sync.Mutex

	subscriptions map[uuid.UUID]domain.Subscription
	events        []domain.BillingEvent
	orders        map[uuid.UUID]domain.RenewalOrder
	claims        map[uuid.UUID]time.Time // claim expiry per subscription
	txnRefs       map[string]struct{}
	cycleSuccess  map[string]struct{} // one renewal_success per (subscription, cycle)
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[uuid.UUID]domain.Subscription),
		orders:        make(map[uuid.UUID]domain.RenewalOrder),
		claims:        make(map[uuid.UUID]time.Time),
		txnRefs:       make(map[string]struct{}),
		cycleSuccess:  make(map[string]struct{}),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	sub.Version = 1

	m.subscriptions[sub.ID] = cloneSubscription(*sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneSubscription(stored)
	return &out, nil
}

func (m *MemoryStore) LoadDue(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []domain.Subscription
	for _, sub := range m.subscriptions {
		if isDue(&sub, now) {
			due = append(due, cloneSubscription(sub))
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return dueAt(&due[i]).Before(dueAt(&due[j]))
	})
	return due, nil
}

func (m *MemoryStore) Save(ctx context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.subscriptions[sub.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != sub.Version {
		return ErrConflict
	}

	sub.Version++
	sub.UpdatedAt = time.Now()
	m.subscriptions[sub.ID] = cloneSubscription(*sub)
	return nil
}

func (m *MemoryStore) AttachPaymentMethod(ctx context.Context, id uuid.UUID, gatewayCustomerRef, gatewayPaymentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.subscriptions[id]
	if !ok {
		return ErrNotFound
	}

	stored.GatewayCustomerID = gatewayCustomerRef
	stored.GatewayPaymentMethodID = gatewayPaymentRef
	stored.Version++
	stored.UpdatedAt = time.Now()
	m.subscriptions[id] = stored
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, id uuid.UUID, now time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscriptions[id]; !ok {
		return ErrNotFound
	}

	if expiry, held := m.claims[id]; held && now.Before(expiry) {
		return ErrAlreadyClaimed
	}

	m.claims[id] = now.Add(ttl)
	return nil
}

func (m *MemoryStore) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.claims, id)
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event *domain.BillingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.appendEventLocked(event)
}

func (m *MemoryStore) appendEventLocked(event *domain.BillingEvent) error {
	if event.GatewayTxnRef != "" {
		if _, dup := m.txnRefs[event.GatewayTxnRef]; dup {
			return ErrDuplicateEvent
		}
	}
	cycle := cycleSuccessKey(event.SubscriptionID, event.CycleAt)
	if event.Kind == domain.EventRenewalSuccess {
		if _, dup := m.cycleSuccess[cycle]; dup {
			return ErrDuplicateEvent
		}
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	if event.GatewayTxnRef != "" {
		m.txnRefs[event.GatewayTxnRef] = struct{}{}
	}
	if event.Kind == domain.EventRenewalSuccess {
		m.cycleSuccess[cycle] = struct{}{}
	}
	m.events = append(m.events, cloneEvent(*event))
	return nil
}

func cycleSuccessKey(subscriptionID uuid.UUID, cycleAt time.Time) string {
	return subscriptionID.String() + "/" + cycleAt.UTC().Format(time.RFC3339Nano)
}

func (m *MemoryStore) ListEvents(ctx context.Context, subscriptionID uuid.UUID) ([]domain.BillingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.BillingEvent
	for _, e := range m.events {
		if e.SubscriptionID == subscriptionID {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateRenewalOrder(ctx context.Context, order *domain.RenewalOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.createOrderLocked(order)
}

func (m *MemoryStore) createOrderLocked(order *domain.RenewalOrder) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	m.orders[order.ID] = cloneOrder(*order)
	return nil
}

// RecordRenewalSuccess applies the subscription transition, the order
// snapshot, and the success ledger entry under one lock so they are observed
// together, mirroring the postgres transaction.
func (m *MemoryStore) RecordRenewalSuccess(ctx context.Context, sub *domain.Subscription, order *domain.RenewalOrder, event *domain.BillingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.subscriptions[sub.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != sub.Version {
		return ErrConflict
	}

	if err := m.appendEventLocked(event); err != nil {
		return err
	}
	if err := m.createOrderLocked(order); err != nil {
		return err
	}

	sub.Version++
	sub.UpdatedAt = time.Now()
	m.subscriptions[sub.ID] = cloneSubscription(*sub)
	return nil
}

// GetRenewalOrder is a test helper for inspecting persisted order snapshots.
func (m *MemoryStore) GetRenewalOrder(id uuid.UUID) (*domain.RenewalOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, false
	}
	out := cloneOrder(order)
	return &out, true
}

func isDue(sub *domain.Subscription, now time.Time) bool {
	switch sub.Status {
	case domain.StatusActive:
		return !sub.NextRenewalAt.After(now)
	case domain.StatusPaymentFailed:
		return sub.NextRetryAt != nil && !sub.NextRetryAt.After(now)
	default:
		return false
	}
}

func dueAt(sub *domain.Subscription) time.Time {
	if sub.Status == domain.StatusPaymentFailed && sub.NextRetryAt != nil {
		return *sub.NextRetryAt
	}
	return sub.NextRenewalAt
}

func cloneSubscription(s domain.Subscription) domain.Subscription {
	s.Items = append([]domain.LineItem(nil), s.Items...)
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		s.NextRetryAt = &t
	}
	if s.LastBillingAttemptAt != nil {
		t := *s.LastBillingAttemptAt
		s.LastBillingAttemptAt = &t
	}
	return s
}

func cloneEvent(e domain.BillingEvent) domain.BillingEvent {
	e.SkippedItems = append([]domain.SkippedItem(nil), e.SkippedItems...)
	if e.AmountCents != nil {
		v := *e.AmountCents
		e.AmountCents = &v
	}
	if e.OrderID != nil {
		id := *e.OrderID
		e.OrderID = &id
	}
	return e
}

func cloneOrder(o domain.RenewalOrder) domain.RenewalOrder {
	o.Items = append([]domain.RenewalOrderItem(nil), o.Items...)
	return o
}
