package billing

import (
	"context"
	"time"
)

// Gateway defines the interface for the payment processor.
// Implementations can use Stripe, PayPal, Square, etc.
//
// The renewal engine only ever charges off-session: the customer is not
// present, and the charge uses a previously saved payment instrument.
type Gateway interface {
	// ChargeOffSession captures a payment without the customer present,
	// using saved gateway references.
	//
	// The idempotency key must be deterministic for one charge attempt so a
	// transport-level retry of the same attempt cannot double-charge.
	// Returns a *GatewayError for processor-reported failures.
	ChargeOffSession(ctx context.Context, params ChargeParams) (*Charge, error)

	// CreateCustomer creates a customer record in the gateway.
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// AttachPaymentMethod attaches a payment instrument to a gateway
	// customer and makes it the default for off-session charges.
	AttachPaymentMethod(ctx context.Context, customerRef, paymentMethodRef string) error

	// CreateSetupIntent starts a save-card-for-later flow. The returned
	// client secret is handed to the checkout frontend so the user can
	// authorize future off-session use.
	CreateSetupIntent(ctx context.Context, customerRef string) (clientSecret string, err error)
}

// ChargeParams contains parameters for an off-session charge.
type ChargeParams struct {
	// CustomerRef is the gateway customer reference (e.g. cus_...).
	CustomerRef string

	// PaymentMethodRef is the saved payment instrument reference (pm_...).
	PaymentMethodRef string

	// AmountCents is the amount in the smallest currency unit.
	AmountCents int64

	// Currency code (ISO 4217 lowercase), e.g. "usd".
	Currency string

	// IdempotencyKey deduplicates transport-level retries of this attempt.
	IdempotencyKey string

	// Description appears on the customer's statement and in the gateway
	// dashboard.
	Description string

	// Metadata for gateway-side deduplication and reporting. The engine
	// always includes subscription_id and cycle_at.
	Metadata map[string]string
}

// Charge is the result of a successful off-session charge.
type Charge struct {
	// TransactionRef is the gateway's transaction reference (pi_...).
	// Unique per charge; recorded in the billing ledger.
	TransactionRef string

	AmountCents int64
	Currency    string

	// Status is the gateway's charge status, "succeeded" on the happy path.
	Status string

	CreatedAt time.Time
}

// CreateCustomerParams contains parameters for creating a gateway customer.
type CreateCustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// Customer represents a gateway customer record.
type Customer struct {
	Ref       string
	Email     string
	Name      string
	CreatedAt time.Time
}
