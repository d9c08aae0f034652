package billing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockGateway is a mock implementation of Gateway for testing.
// Each method can be customized with a Func field; unset methods succeed
// with generated references.
type MockGateway struct {
	ChargeOffSessionFunc    func(ctx context.Context, params ChargeParams) (*Charge, error)
	CreateCustomerFunc      func(ctx context.Context, params CreateCustomerParams) (*Customer, error)
	AttachPaymentMethodFunc func(ctx context.Context, customerRef, paymentMethodRef string) error
	CreateSetupIntentFunc   func(ctx context.Context, customerRef string) (string, error)

	mu sync.Mutex

	// CallLog records method invocations for assertions.
	CallLog []string

	// ChargeCalls records every ChargeOffSession invocation, including ones
	// served by ChargeOffSessionFunc. Used to assert idempotency keys and
	// amounts without stubbing.
	ChargeCalls []ChargeParams

	chargeSeq int
}

// Compile-time check that MockGateway implements Gateway.
var _ Gateway = (*MockGateway)(nil)

// NewMockGateway creates a mock gateway where every call succeeds.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

func (m *MockGateway) log(format string, args ...any) {
	m.CallLog = append(m.CallLog, fmt.Sprintf(format, args...))
}

func (m *MockGateway) ChargeOffSession(ctx context.Context, params ChargeParams) (*Charge, error) {
	m.mu.Lock()
	m.log("ChargeOffSession(%s, %d)", params.CustomerRef, params.AmountCents)
	m.ChargeCalls = append(m.ChargeCalls, params)
	m.chargeSeq++
	seq := m.chargeSeq
	m.mu.Unlock()

	if m.ChargeOffSessionFunc != nil {
		return m.ChargeOffSessionFunc(ctx, params)
	}
	if params.PaymentMethodRef == "" {
		return nil, ErrPaymentMethodMissing
	}
	return &Charge{
		TransactionRef: fmt.Sprintf("pi_mock_%d", seq),
		AmountCents:    params.AmountCents,
		Currency:       params.Currency,
		Status:         "succeeded",
		CreatedAt:      time.Now(),
	}, nil
}

func (m *MockGateway) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	m.mu.Lock()
	m.log("CreateCustomer(%s)", params.Email)
	m.mu.Unlock()

	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, params)
	}
	return &Customer{
		Ref:       "cus_mock_1",
		Email:     params.Email,
		Name:      params.Name,
		CreatedAt: time.Now(),
	}, nil
}

func (m *MockGateway) AttachPaymentMethod(ctx context.Context, customerRef, paymentMethodRef string) error {
	m.mu.Lock()
	m.log("AttachPaymentMethod(%s, %s)", customerRef, paymentMethodRef)
	m.mu.Unlock()

	if m.AttachPaymentMethodFunc != nil {
		return m.AttachPaymentMethodFunc(ctx, customerRef, paymentMethodRef)
	}
	return nil
}

func (m *MockGateway) CreateSetupIntent(ctx context.Context, customerRef string) (string, error) {
	m.mu.Lock()
	m.log("CreateSetupIntent(%s)", customerRef)
	m.mu.Unlock()

	if m.CreateSetupIntentFunc != nil {
		return m.CreateSetupIntentFunc(ctx, customerRef)
	}
	return "seti_mock_secret_1", nil
}

// Charges returns a copy of the recorded charge calls.
func (m *MockGateway) Charges() []ChargeParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChargeParams(nil), m.ChargeCalls...)
}

// Calls returns a copy of the recorded call log.
func (m *MockGateway) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}
