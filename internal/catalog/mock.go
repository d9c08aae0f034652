package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockGate is an in-memory Gate for testing and local development.
type MockGate struct {
	// GetFunc allows customizing lookup behavior per test.
	GetFunc func(ctx context.Context, productID uuid.UUID) (*Listing, error)

	// Listings stores fixed listings returned by default.
	Listings map[uuid.UUID]Listing

	mu      sync.Mutex
	callLog []string
}

// NewMockGate creates a mock gate with no listings; unknown products return
// ErrProductNotFound, matching a fully discontinued catalog.
func NewMockGate() *MockGate {
	return &MockGate{
		Listings: make(map[uuid.UUID]Listing),
	}
}

// SetListing registers or replaces a product listing.
func (m *MockGate) SetListing(productID uuid.UUID, priceCents int64, availableQty int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Listings[productID] = Listing{PriceCents: priceCents, AvailableQty: availableQty}
}

func (m *MockGate) GetCurrentPriceAndStock(ctx context.Context, productID uuid.UUID) (*Listing, error) {
	m.mu.Lock()
	m.callLog = append(m.callLog, fmt.Sprintf("GetCurrentPriceAndStock(%s)", productID))
	listing, ok := m.Listings[productID]
	m.mu.Unlock()

	if m.GetFunc != nil {
		return m.GetFunc(ctx, productID)
	}
	if !ok {
		return nil, ErrProductNotFound
	}
	out := listing
	return &out, nil
}

// Calls returns the recorded call log for test assertions.
func (m *MockGate) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.callLog...)
}
