package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rowanvale/iduna/internal/domain"
)

// SubscriptionStore is the durable record of subscription state. It is the
// single point of truth: all status transitions go through its optimistic
// Save path so conflicting writers fail cleanly instead of clobbering each
// other.
type SubscriptionStore interface {
	// Create persists a new subscription.
	Create(ctx context.Context, sub *domain.Subscription) error

	// Get loads one subscription. Returns ErrNotFound if the id is unknown.
	Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)

	// LoadDue returns subscriptions eligible for a billing attempt at now:
	// active with NextRenewalAt <= now, or payment_failed with a pending
	// NextRetryAt <= now.
	LoadDue(ctx context.Context, now time.Time) ([]domain.Subscription, error)

	// Save persists a modified subscription optimistically: it fails with
	// ErrConflict if the stored version changed since the subscription was
	// loaded. On success the in-memory Version is advanced. Callers that
	// hit ErrConflict must reload and redo their decision, not blindly
	// reapply it.
	Save(ctx context.Context, sub *domain.Subscription) error

	// AttachPaymentMethod records the gateway customer and payment
	// instrument references on the subscription.
	AttachPaymentMethod(ctx context.Context, id uuid.UUID, gatewayCustomerRef, gatewayPaymentRef string) error

	// Claim atomically acquires the exclusive processing right for one
	// subscription, recording a claim expiry of now+ttl. Returns
	// ErrAlreadyClaimed while another holder's claim has not expired.
	// An abandoned claim (process crash) becomes reclaimable after ttl.
	Claim(ctx context.Context, id uuid.UUID, now time.Time, ttl time.Duration) error

	// ReleaseClaim releases the processing right after the attempt's
	// outcome has been durably recorded.
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
}

// LedgerStore is the append-only audit log of billing attempts.
type LedgerStore interface {
	// AppendEvent writes one immutable ledger entry. A duplicate gateway
	// transaction reference fails with ErrDuplicateEvent.
	AppendEvent(ctx context.Context, event *domain.BillingEvent) error

	// ListEvents returns a subscription's ledger entries ordered by
	// creation time.
	ListEvents(ctx context.Context, subscriptionID uuid.UUID) ([]domain.BillingEvent, error)
}

// OrderStore persists renewal order snapshots.
type OrderStore interface {
	CreateRenewalOrder(ctx context.Context, order *domain.RenewalOrder) error
}

// Store is the full persistence surface of the billing engine.
type Store interface {
	SubscriptionStore
	LedgerStore
	OrderStore

	// RecordRenewalSuccess persists a successful renewal atomically: the
	// subscription transition, the order snapshot, and the renewal_success
	// ledger entry commit together or not at all.
	RecordRenewalSuccess(ctx context.Context, sub *domain.Subscription, order *domain.RenewalOrder, event *domain.BillingEvent) error
}
