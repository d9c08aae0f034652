package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrProductNotFound is returned when a product no longer exists in the
// catalog (discontinued or deleted).
var ErrProductNotFound = errors.New("catalog: product not found")

// Listing is the current catalog state of one product. Pricing is always
// live: renewals bill the price in effect at renewal time, not the price
// quoted at subscription time.
type Listing struct {
	// PriceCents is the current unit price in the smallest currency unit.
	PriceCents int64

	// AvailableQty is the quantity currently in stock.
	AvailableQty int32
}

// Gate is the catalog/inventory collaborator queried at renewal time for
// current price and availability of each subscribed item.
type Gate interface {
	// GetCurrentPriceAndStock returns the live listing for a product.
	// Returns ErrProductNotFound if the product is discontinued.
	GetCurrentPriceAndStock(ctx context.Context, productID uuid.UUID) (*Listing, error)
}
