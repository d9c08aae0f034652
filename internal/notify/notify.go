package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the customer-facing notification being emitted.
type Kind string

const (
	KindRenewalSucceeded    Kind = "renewal_succeeded"
	KindRenewalFailed       Kind = "renewal_failed"
	KindItemsSkipped        Kind = "items_skipped"
	KindSubscriptionExpired Kind = "subscription_expired"
	KindPaymentMethodNeeded Kind = "payment_method_needed"
)

// Event is a notification handed off to the delivery pipeline. The engine
// emits events only after the corresponding ledger write has committed, so a
// customer is never told about an outcome the ledger does not show.
type Event struct {
	Kind           Kind              `json:"kind"`
	SubscriptionID uuid.UUID         `json:"subscription_id"`
	CustomerID     uuid.UUID         `json:"customer_id"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Payload        map[string]string `json:"payload,omitempty"`
}

// Sink delivers notification events. Delivery is best-effort: a sink error is
// logged by the caller but never rolls back the billing outcome it describes.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}
