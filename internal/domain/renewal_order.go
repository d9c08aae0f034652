package domain

import (
	"time"

	"github.com/google/uuid"
)

// RenewalOrderItem owns a copy of the final per-item price billed for one
// renewal, so order history stays stable when catalog prices later change.
type RenewalOrderItem struct {
	ProductID      uuid.UUID `json:"product_id"`
	Quantity       int32     `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	SubtotalCents  int64     `json:"subtotal_cents"`
}

// RenewalOrder is the snapshot purchase record created atomically with a
// successful renewal's ledger entry.
type RenewalOrder struct {
	ID             uuid.UUID
	OrderNumber    string
	SubscriptionID uuid.UUID
	CustomerID     uuid.UUID

	Items      []RenewalOrderItem
	TotalCents int64
	Currency   string

	ShippingAddress Address

	GatewayTxnRef string

	CreatedAt time.Time
}
