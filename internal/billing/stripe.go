package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeConfig contains configuration for the Stripe gateway.
type StripeConfig struct {
	// APIKey is the Stripe secret key (sk_test_... or sk_live_...).
	APIKey string

	// MaxNetworkRetries is the SDK's transport-level retry budget.
	// Safe because every charge carries an idempotency key. Default: 2.
	MaxNetworkRetries int64
}

// Validate checks that required configuration is present.
func (c *StripeConfig) Validate() error {
	if c.APIKey == "" {
		return ErrInvalidAPIKey
	}
	return nil
}

// IsTestMode returns true if using test mode API keys.
func (c *StripeConfig) IsTestMode() bool {
	return len(c.APIKey) > 7 && c.APIKey[:8] == "sk_test_"
}

// StripeGateway implements Gateway using the Stripe SDK.
type StripeGateway struct {
	sc *client.API
}

// Compile-time check that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway creates a Stripe-backed payment gateway.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	retries := cfg.MaxNetworkRetries
	if retries == 0 {
		retries = 2
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(retries),
	})

	sc := &client.API{}
	sc.Init(cfg.APIKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	return &StripeGateway{sc: sc}, nil
}

// ChargeOffSession creates and confirms a PaymentIntent with off_session set,
// charging the saved payment method without the customer present.
func (g *StripeGateway) ChargeOffSession(ctx context.Context, params ChargeParams) (*Charge, error) {
	if params.CustomerRef == "" || params.PaymentMethodRef == "" {
		return nil, ErrPaymentMethodMissing
	}

	piParams := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(params.AmountCents),
		Currency:      stripe.String(params.Currency),
		Customer:      stripe.String(params.CustomerRef),
		PaymentMethod: stripe.String(params.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	piParams.Context = ctx
	if params.Description != "" {
		piParams.Description = stripe.String(params.Description)
	}
	if params.IdempotencyKey != "" {
		piParams.SetIdempotencyKey(params.IdempotencyKey)
	}
	for k, v := range params.Metadata {
		piParams.AddMetadata(k, v)
	}

	pi, err := g.sc.PaymentIntents.New(piParams)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, &GatewayError{
			Code:    string(pi.Status),
			Message: fmt.Sprintf("payment intent not succeeded: %s", pi.Status),
		}
	}

	return &Charge{
		TransactionRef: pi.ID,
		AmountCents:    pi.Amount,
		Currency:       string(pi.Currency),
		Status:         string(pi.Status),
		CreatedAt:      time.Unix(pi.Created, 0),
	}, nil
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	cParams := &stripe.CustomerParams{}
	cParams.Context = ctx
	if params.Email != "" {
		cParams.Email = stripe.String(params.Email)
	}
	if params.Name != "" {
		cParams.Name = stripe.String(params.Name)
	}
	for k, v := range params.Metadata {
		cParams.AddMetadata(k, v)
	}

	c, err := g.sc.Customers.New(cParams)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return &Customer{
		Ref:       c.ID,
		Email:     c.Email,
		Name:      c.Name,
		CreatedAt: time.Unix(c.Created, 0),
	}, nil
}

// AttachPaymentMethod attaches the instrument to the customer and makes it
// the default for invoice-style off-session charges.
func (g *StripeGateway) AttachPaymentMethod(ctx context.Context, customerRef, paymentMethodRef string) error {
	attachParams := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerRef),
	}
	attachParams.Context = ctx
	if _, err := g.sc.PaymentMethods.Attach(paymentMethodRef, attachParams); err != nil {
		return wrapStripeError(err)
	}

	updateParams := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodRef),
		},
	}
	updateParams.Context = ctx
	if _, err := g.sc.Customers.Update(customerRef, updateParams); err != nil {
		return wrapStripeError(err)
	}
	return nil
}

func (g *StripeGateway) CreateSetupIntent(ctx context.Context, customerRef string) (string, error) {
	siParams := &stripe.SetupIntentParams{
		Customer: stripe.String(customerRef),
		Usage:    stripe.String(string(stripe.SetupIntentUsageOffSession)),
	}
	siParams.Context = ctx

	si, err := g.sc.SetupIntents.New(siParams)
	if err != nil {
		return "", wrapStripeError(err)
	}
	return si.ClientSecret, nil
}

// wrapStripeError converts SDK errors into classified GatewayErrors.
func wrapStripeError(err error) error {
	stripeErr, ok := err.(*stripe.Error)
	if !ok {
		// Network or SDK-internal error: transient by classification.
		return &GatewayError{
			Message:       err.Error(),
			Transient:     true,
			OriginalError: err,
		}
	}

	return &GatewayError{
		Code:          string(stripeErr.Code),
		Message:       stripeErr.Msg,
		DeclineCode:   string(stripeErr.DeclineCode),
		Transient:     isTransientStripeError(stripeErr),
		OriginalError: err,
	}
}

func isTransientStripeError(e *stripe.Error) bool {
	if e.Code == stripe.ErrorCodeRateLimit {
		return true
	}
	if e.Type == stripe.ErrorTypeAPI {
		return true
	}
	return e.HTTPStatusCode == 429 || e.HTTPStatusCode >= 500
}
