package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanvale/iduna/internal/billing"
	"github.com/rowanvale/iduna/internal/domain"
	"github.com/rowanvale/iduna/internal/store"
)

type lifecycleFixture struct {
	store   *store.MemoryStore
	gateway *billing.MockGateway
	svc     *SubscriptionService
}

func newLifecycleFixture() *lifecycleFixture {
	f := &lifecycleFixture{
		store:   store.NewMemoryStore(),
		gateway: billing.NewMockGateway(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewSubscriptionService(f.store, f.gateway, nil, logger)
	return f
}

func validCreateParams() CreateSubscriptionParams {
	return CreateSubscriptionParams{
		CustomerID: uuid.New(),
		Cadence:    domain.CadenceMonthly,
		Items: []domain.LineItem{
			{ProductID: uuid.New(), Quantity: 1},
		},
		ShippingAddress: domain.Address{
			FullName:     "Avery Quinn",
			AddressLine1: "12 Harbor Way",
			City:         "Portland",
			State:        "OR",
			PostalCode:   "97201",
			Country:      "US",
		},
		GatewayCustomerID:      "cus_1",
		GatewayPaymentMethodID: "pm_1",
	}
}

func TestCreateSubscription(t *testing.T) {
	f := newLifecycleFixture()

	sub, err := f.svc.CreateSubscription(context.Background(), validCreateParams())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, int32(0), sub.FailedAttemptCount)
	assert.False(t, sub.NextRenewalAt.IsZero())
	require.NoError(t, sub.CheckStateInvariant())

	stored, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func TestCreateSubscriptionValidation(t *testing.T) {
	f := newLifecycleFixture()

	tests := []struct {
		name    string
		mutate  func(*CreateSubscriptionParams)
		wantErr error
	}{
		{
			name:    "invalid cadence",
			mutate:  func(p *CreateSubscriptionParams) { p.Cadence = "hourly" },
			wantErr: ErrInvalidCadence,
		},
		{
			name:    "empty basket",
			mutate:  func(p *CreateSubscriptionParams) { p.Items = nil },
			wantErr: ErrEmptyBasket,
		},
		{
			name: "zero quantity",
			mutate: func(p *CreateSubscriptionParams) {
				p.Items = []domain.LineItem{{ProductID: uuid.New(), Quantity: 0}}
			},
			wantErr: ErrInvalidQuantity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validCreateParams()
			tt.mutate(&params)

			_, err := f.svc.CreateSubscription(context.Background(), params)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateSubscriptionSpontaneousInterval(t *testing.T) {
	f := newLifecycleFixture()

	params := validCreateParams()
	params.Cadence = domain.CadenceSpontaneous
	params.SpontaneousIntervalDays = 10

	before := time.Now()
	sub, err := f.svc.CreateSubscription(context.Background(), params)
	require.NoError(t, err)

	assert.WithinDuration(t, before.AddDate(0, 0, 10), sub.NextRenewalAt, time.Minute)
}

func TestPauseAndResume(t *testing.T) {
	f := newLifecycleFixture()
	sub, err := f.svc.CreateSubscription(context.Background(), validCreateParams())
	require.NoError(t, err)

	paused, err := f.svc.Pause(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, paused.Status)

	// Paused subscriptions are never due.
	due, err := f.store.LoadDue(context.Background(), time.Now().AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = f.svc.Pause(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrAlreadyPaused)

	resumed, err := f.svc.Resume(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, resumed.Status)
	assert.Equal(t, int32(0), resumed.FailedAttemptCount)
	assert.WithinDuration(t, time.Now().AddDate(0, 1, 0), resumed.NextRenewalAt, time.Minute)
}

func TestResumeResetsFailureCounters(t *testing.T) {
	f := newLifecycleFixture()
	sub, err := f.svc.CreateSubscription(context.Background(), validCreateParams())
	require.NoError(t, err)

	// Simulate a failed cycle frozen by a pause.
	stored, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	retryAt := time.Now().Add(time.Hour)
	stored.Status = domain.StatusPaused
	stored.FailedAttemptCount = 2
	stored.NextRetryAt = &retryAt
	stored.LastBillingError = "card_declined"
	require.NoError(t, f.store.Save(context.Background(), stored))

	resumed, err := f.svc.Resume(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, resumed.Status)
	assert.Equal(t, int32(0), resumed.FailedAttemptCount)
	assert.Nil(t, resumed.NextRetryAt)
	assert.Empty(t, resumed.LastBillingError)
	require.NoError(t, resumed.CheckStateInvariant())
}

func TestResumeRequiresPaused(t *testing.T) {
	f := newLifecycleFixture()
	sub, err := f.svc.CreateSubscription(context.Background(), validCreateParams())
	require.NoError(t, err)

	_, err = f.svc.Resume(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrSubscriptionNotPaused)
}

func TestCancelIsTerminal(t *testing.T) {
	f := newLifecycleFixture()
	sub, err := f.svc.CreateSubscription(context.Background(), validCreateParams())
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	// Every further transition is refused; the record is retained.
	_, err = f.svc.Pause(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrSubscriptionTerminal)
	_, err = f.svc.Resume(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrSubscriptionTerminal)
	_, err = f.svc.Cancel(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrSubscriptionTerminal)

	stored, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
}

func TestMutationBlockedWhileClaimed(t *testing.T) {
	f := newLifecycleFixture()
	sub, err := f.svc.CreateSubscription(context.Background(), validCreateParams())
	require.NoError(t, err)

	// A renewal attempt holds the claim for longer than a user op waits.
	require.NoError(t, f.store.Claim(context.Background(), sub.ID, time.Now(), 10*time.Minute))

	_, err = f.svc.Pause(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrBeingProcessed)
}

func TestAttachPaymentMethodReactivatesParked(t *testing.T) {
	f := newLifecycleFixture()
	params := validCreateParams()
	params.GatewayCustomerID = ""
	params.GatewayPaymentMethodID = ""
	sub, err := f.svc.CreateSubscription(context.Background(), params)
	require.NoError(t, err)

	// Park the subscription as the executor would on a missing instrument.
	stored, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	stored.Status = domain.StatusPaymentFailed
	stored.NextRetryAt = nil
	stored.LastBillingError = "no payment method on file"
	require.NoError(t, f.store.Save(context.Background(), stored))

	before := time.Now()
	updated, err := f.svc.AttachPaymentMethod(context.Background(), AttachPaymentMethodParams{
		SubscriptionID:   sub.ID,
		PaymentMethodRef: "pm_new",
		Email:            "avery@example.com",
		Name:             "Avery Quinn",
	})
	require.NoError(t, err)

	// Gateway customer was created for the bare subscription, then the
	// instrument attached.
	calls := f.gateway.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "CreateCustomer")
	assert.Contains(t, calls[1], "AttachPaymentMethod")

	assert.Equal(t, domain.StatusActive, updated.Status)
	assert.Equal(t, int32(0), updated.FailedAttemptCount)
	assert.Empty(t, updated.LastBillingError)
	assert.Equal(t, "pm_new", updated.GatewayPaymentMethodID)
	// The pending cycle becomes due immediately.
	assert.WithinDuration(t, before, updated.NextRenewalAt, time.Minute)

	events, err := f.store.ListEvents(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPaymentMethodAttached, events[0].Kind)

	due, err := f.store.LoadDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestAttachPaymentMethodKeepsActiveSchedule(t *testing.T) {
	f := newLifecycleFixture()
	sub, err := f.svc.CreateSubscription(context.Background(), validCreateParams())
	require.NoError(t, err)
	originalRenewal := sub.NextRenewalAt

	updated, err := f.svc.AttachPaymentMethod(context.Background(), AttachPaymentMethodParams{
		SubscriptionID:   sub.ID,
		PaymentMethodRef: "pm_replacement",
	})
	require.NoError(t, err)

	// Replacing the card on a healthy subscription does not reschedule it.
	assert.Equal(t, domain.StatusActive, updated.Status)
	assert.WithinDuration(t, originalRenewal, updated.NextRenewalAt, time.Second)
	assert.Equal(t, "pm_replacement", updated.GatewayPaymentMethodID)

	// Existing gateway customer is reused.
	calls := f.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "AttachPaymentMethod")
}

func TestCreateSetupIntentPersistsCustomerRef(t *testing.T) {
	f := newLifecycleFixture()
	params := validCreateParams()
	params.GatewayCustomerID = ""
	params.GatewayPaymentMethodID = ""
	sub, err := f.svc.CreateSubscription(context.Background(), params)
	require.NoError(t, err)

	_, customerRef, err := f.svc.CreateSetupIntent(context.Background(), sub.ID, "avery@example.com", "Avery Quinn")
	require.NoError(t, err)
	require.NotEmpty(t, customerRef)

	// The new gateway customer is saved on the record.
	stored, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, customerRef, stored.GatewayCustomerID)

	// Attaching the instrument afterwards reuses that customer instead of
	// creating a second one the setup intent does not belong to.
	updated, err := f.svc.AttachPaymentMethod(context.Background(), AttachPaymentMethodParams{
		SubscriptionID:   sub.ID,
		PaymentMethodRef: "pm_saved",
	})
	require.NoError(t, err)
	assert.Equal(t, customerRef, updated.GatewayCustomerID)

	createCalls := 0
	for _, call := range f.gateway.Calls() {
		if strings.HasPrefix(call, "CreateCustomer") {
			createCalls++
		}
	}
	assert.Equal(t, 1, createCalls)
}

func TestListEventsUnknownSubscription(t *testing.T) {
	f := newLifecycleFixture()

	_, err := f.svc.ListEvents(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}
