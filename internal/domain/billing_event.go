package domain

import (
	"time"

	"github.com/google/uuid"
)

// Billing event kinds. One ledger entry is written for every billing
// attempt outcome; entries are immutable and append-only.
const (
	EventRenewalSuccess        = "renewal_success"
	EventRenewalFailed         = "renewal_failed"
	EventItemsSkipped          = "items_skipped"
	EventSubscriptionExpired   = "subscription_expired"
	EventPaymentMethodAttached = "payment_method_attached"
)

// SkippedItem records a basket entry dropped from a renewal, with the reason
// (out_of_stock, insufficient_stock, discontinued).
type SkippedItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int32     `json:"quantity"`
	Reason    string    `json:"reason"`
}

// BillingEvent is one entry of the billing ledger: the auditable record of a
// renewal attempt and its outcome. The ledger is the authoritative record of
// billing activity and is always written before any notification is sent.
type BillingEvent struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	Kind           string

	// AmountCents is the charged amount for renewal_success events.
	AmountCents *int64

	// SkippedItems lists the basket entries dropped from this cycle.
	SkippedItems []SkippedItem

	// GatewayTxnRef is the processor's transaction reference. Unique across
	// the ledger when present, which enforces at most one charge per cycle
	// even if the exclusivity claim were bypassed.
	GatewayTxnRef string

	ErrorCode    string
	ErrorMessage string

	// OrderID references the renewal order created alongside a success.
	OrderID *uuid.UUID

	// CycleAt identifies the renewal cycle this attempt belongs to. Retries
	// of one cycle share the same CycleAt.
	CycleAt time.Time

	CreatedAt time.Time
}
