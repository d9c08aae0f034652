package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanvale/iduna/internal/billing"
	"github.com/rowanvale/iduna/internal/catalog"
	"github.com/rowanvale/iduna/internal/domain"
	"github.com/rowanvale/iduna/internal/notify"
	"github.com/rowanvale/iduna/internal/store"
)

type renewalFixture struct {
	store   *store.MemoryStore
	gate    *catalog.MockGate
	gateway *billing.MockGateway
	sink    *notify.MockSink
	exec    *Executor
}

func newRenewalFixture() *renewalFixture {
	f := &renewalFixture{
		store:   store.NewMemoryStore(),
		gate:    catalog.NewMockGate(),
		gateway: billing.NewMockGateway(),
		sink:    notify.NewMockSink(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.exec = NewExecutor(f.store, f.gate, f.gateway, f.sink, DefaultRetryPolicy(), nil, logger)
	return f
}

func (f *renewalFixture) seedSubscription(t *testing.T, mutate func(*domain.Subscription)) *domain.Subscription {
	t.Helper()

	sub := &domain.Subscription{
		ID:                     uuid.New(),
		CustomerID:             uuid.New(),
		Cadence:                domain.CadenceMonthly,
		Status:                 domain.StatusActive,
		GatewayCustomerID:      "cus_test_1",
		GatewayPaymentMethodID: "pm_test_1",
		NextRenewalAt:          time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
		Items: []domain.LineItem{
			{ProductID: uuid.New(), Quantity: 2},
		},
		ShippingAddress: domain.Address{
			FullName:     "Avery Quinn",
			AddressLine1: "12 Harbor Way",
			City:         "Portland",
			State:        "OR",
			PostalCode:   "97201",
			Country:      "US",
		},
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, f.store.Create(context.Background(), sub))
	return sub
}

func (f *renewalFixture) eventsFor(t *testing.T, id uuid.UUID) []domain.BillingEvent {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), id)
	require.NoError(t, err)
	return events
}

func TestRenewSuccess(t *testing.T) {
	f := newRenewalFixture()
	sub := f.seedSubscription(t, nil)
	f.gate.SetListing(sub.Items[0].ProductID, 2000, 10)

	now := time.Date(2026, 3, 1, 6, 5, 0, 0, time.UTC)
	outcome, err := f.exec.Renew(context.Background(), sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome.Outcome)

	// Two units at the live price of 2000 cents.
	charges := f.gateway.Charges()
	require.Len(t, charges, 1)
	assert.Equal(t, int64(4000), charges[0].AmountCents)
	assert.Equal(t, "cus_test_1", charges[0].CustomerRef)
	assert.Equal(t, "pm_test_1", charges[0].PaymentMethodRef)
	assert.Equal(t, sub.ID.String(), charges[0].Metadata["subscription_id"])

	// Order snapshot owns the billed unit price.
	require.NotNil(t, outcome.Order)
	stored, ok := f.store.GetRenewalOrder(outcome.Order.ID)
	require.True(t, ok)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, int64(2000), stored.Items[0].UnitPriceCents)
	assert.Equal(t, int64(4000), stored.TotalCents)
	assert.Contains(t, stored.OrderNumber, "RN-")

	// Ledger entry before notification, carrying the txn ref.
	events := f.eventsFor(t, sub.ID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventRenewalSuccess, events[0].Kind)
	require.NotNil(t, events[0].AmountCents)
	assert.Equal(t, int64(4000), *events[0].AmountCents)
	assert.NotEmpty(t, events[0].GatewayTxnRef)
	assert.Equal(t, sub.NextRenewalAt, events[0].CycleAt)

	// Subscription advanced one cadence from the attempt time.
	after, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, after.Status)
	assert.Equal(t, int32(0), after.FailedAttemptCount)
	assert.Nil(t, after.NextRetryAt)
	assert.Equal(t, now.AddDate(0, 1, 0), after.NextRenewalAt)
	require.NoError(t, after.CheckStateInvariant())

	assert.Equal(t, []notify.Kind{notify.KindRenewalSucceeded}, f.sink.Kinds())
}

func TestRenewDeclineSchedulesRetry(t *testing.T) {
	f := newRenewalFixture()
	sub := f.seedSubscription(t, nil)
	f.gate.SetListing(sub.Items[0].ProductID, 2000, 10)
	f.gateway.ChargeOffSessionFunc = func(ctx context.Context, params billing.ChargeParams) (*billing.Charge, error) {
		return nil, &billing.GatewayError{Code: "card_declined", Message: "insufficient funds", DeclineCode: "insufficient_funds"}
	}

	cycleAt := sub.NextRenewalAt
	now := time.Date(2026, 3, 1, 6, 5, 0, 0, time.UTC)
	outcome, err := f.exec.Renew(context.Background(), sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome.Outcome)

	after, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentFailed, after.Status)
	assert.Equal(t, int32(1), after.FailedAttemptCount)
	require.NotNil(t, after.NextRetryAt)
	assert.Equal(t, now.Add(72*time.Hour), *after.NextRetryAt)
	// The cycle does not advance while retries are pending.
	assert.Equal(t, cycleAt, after.NextRenewalAt)
	assert.Contains(t, after.LastBillingError, "insufficient funds")
	require.NoError(t, after.CheckStateInvariant())

	events := f.eventsFor(t, sub.ID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventRenewalFailed, events[0].Kind)
	assert.Equal(t, "card_declined", events[0].ErrorCode)
	assert.Equal(t, cycleAt, events[0].CycleAt)

	assert.Equal(t, []notify.Kind{notify.KindRenewalFailed}, f.sink.Kinds())
}

func TestRenewThirdFailureExpires(t *testing.T) {
	f := newRenewalFixture()
	now := time.Date(2026, 3, 7, 6, 0, 0, 0, time.UTC)
	retryAt := now.Add(-time.Hour)
	sub := f.seedSubscription(t, func(s *domain.Subscription) {
		s.Status = domain.StatusPaymentFailed
		s.FailedAttemptCount = 2
		s.NextRetryAt = &retryAt
	})
	f.gate.SetListing(sub.Items[0].ProductID, 2000, 10)
	f.gateway.ChargeOffSessionFunc = func(ctx context.Context, params billing.ChargeParams) (*billing.Charge, error) {
		return nil, &billing.GatewayError{Code: "card_declined", Message: "declined"}
	}

	outcome, err := f.exec.Renew(context.Background(), sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome.Outcome)

	after, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, after.Status)
	assert.Equal(t, int32(3), after.FailedAttemptCount)
	assert.Nil(t, after.NextRetryAt)
	require.NoError(t, after.CheckStateInvariant())

	events := f.eventsFor(t, sub.ID)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventRenewalFailed, events[0].Kind)
	assert.Equal(t, domain.EventSubscriptionExpired, events[1].Kind)

	assert.Equal(t, []notify.Kind{notify.KindSubscriptionExpired}, f.sink.Kinds())
}

func TestRenewRetrySuccessResetsCounters(t *testing.T) {
	f := newRenewalFixture()
	now := time.Date(2026, 3, 4, 6, 0, 0, 0, time.UTC)
	retryAt := now.Add(-time.Minute)
	sub := f.seedSubscription(t, func(s *domain.Subscription) {
		s.Status = domain.StatusPaymentFailed
		s.FailedAttemptCount = 1
		s.NextRetryAt = &retryAt
		s.LastBillingError = "card_declined"
	})
	f.gate.SetListing(sub.Items[0].ProductID, 2000, 10)

	outcome, err := f.exec.Renew(context.Background(), sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome.Outcome)

	after, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, after.Status)
	assert.Equal(t, int32(0), after.FailedAttemptCount)
	assert.Nil(t, after.NextRetryAt)
	assert.Empty(t, after.LastBillingError)
	assert.Equal(t, now.AddDate(0, 1, 0), after.NextRenewalAt)
}

func TestRenewAllItemsUnavailableSkipsCycle(t *testing.T) {
	f := newRenewalFixture()
	sub := f.seedSubscription(t, nil)
	f.gate.SetListing(sub.Items[0].ProductID, 2000, 0)

	now := time.Date(2026, 3, 1, 6, 5, 0, 0, time.UTC)
	outcome, err := f.exec.Renew(context.Background(), sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedAll, outcome.Outcome)
	require.Len(t, outcome.SkippedItems, 1)
	assert.Equal(t, "out_of_stock", outcome.SkippedItems[0].Reason)

	// No charge, no attempt consumed, schedule advanced.
	assert.Empty(t, f.gateway.Charges())
	after, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, after.Status)
	assert.Equal(t, int32(0), after.FailedAttemptCount)
	assert.Equal(t, now.AddDate(0, 1, 0), after.NextRenewalAt)

	events := f.eventsFor(t, sub.ID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventItemsSkipped, events[0].Kind)
	require.Len(t, events[0].SkippedItems, 1)

	assert.Equal(t, []notify.Kind{notify.KindItemsSkipped}, f.sink.Kinds())
}

func TestRenewPartialSkipChargesAvailableItems(t *testing.T) {
	f := newRenewalFixture()
	second := domain.LineItem{ProductID: uuid.New(), Quantity: 3}
	third := domain.LineItem{ProductID: uuid.New(), Quantity: 1}
	sub := f.seedSubscription(t, func(s *domain.Subscription) {
		s.Items = append(s.Items, second, third)
	})
	f.gate.SetListing(sub.Items[0].ProductID, 2000, 10)
	f.gate.SetListing(second.ProductID, 1500, 2) // less than the subscribed 3
	// third item discontinued: no listing registered

	now := time.Date(2026, 3, 1, 6, 5, 0, 0, time.UTC)
	outcome, err := f.exec.Renew(context.Background(), sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome.Outcome)

	// Only the fully available item is billed; no partial quantities.
	charges := f.gateway.Charges()
	require.Len(t, charges, 1)
	assert.Equal(t, int64(4000), charges[0].AmountCents)

	require.Len(t, outcome.SkippedItems, 2)
	reasons := map[string]bool{}
	for _, s := range outcome.SkippedItems {
		reasons[s.Reason] = true
	}
	assert.True(t, reasons["insufficient_stock"])
	assert.True(t, reasons["discontinued"])

	// The ledger carries both the success and a dedicated items_skipped
	// entry listing the dropped items with their reasons.
	events := f.eventsFor(t, sub.ID)
	require.Len(t, events, 2)
	kinds := map[string]*domain.BillingEvent{}
	for i := range events {
		kinds[events[i].Kind] = &events[i]
	}
	success, ok := kinds[domain.EventRenewalSuccess]
	require.True(t, ok)
	assert.Len(t, success.SkippedItems, 2)

	skippedEvent, ok := kinds[domain.EventItemsSkipped]
	require.True(t, ok)
	require.Len(t, skippedEvent.SkippedItems, 2)
	assert.Equal(t, sub.NextRenewalAt, skippedEvent.CycleAt)
	skipReasons := map[uuid.UUID]string{}
	for _, s := range skippedEvent.SkippedItems {
		skipReasons[s.ProductID] = s.Reason
	}
	assert.Equal(t, "insufficient_stock", skipReasons[second.ProductID])
	assert.Equal(t, "discontinued", skipReasons[third.ProductID])
}

func TestRenewMissingPaymentMethodParks(t *testing.T) {
	f := newRenewalFixture()
	sub := f.seedSubscription(t, func(s *domain.Subscription) {
		s.GatewayCustomerID = ""
		s.GatewayPaymentMethodID = ""
	})
	f.gate.SetListing(sub.Items[0].ProductID, 2000, 10)

	now := time.Date(2026, 3, 1, 6, 5, 0, 0, time.UTC)
	outcome, err := f.exec.Renew(context.Background(), sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeParked, outcome.Outcome)

	// No charge attempted, no attempt consumed, no retry scheduled.
	assert.Empty(t, f.gateway.Charges())
	after, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentFailed, after.Status)
	assert.Equal(t, int32(0), after.FailedAttemptCount)
	assert.Nil(t, after.NextRetryAt)
	require.NoError(t, after.CheckStateInvariant())

	// Parked subscriptions are excluded from due selection.
	due, err := f.store.LoadDue(context.Background(), now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	events := f.eventsFor(t, sub.ID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventRenewalFailed, events[0].Kind)
	assert.Equal(t, "payment_method_missing", events[0].ErrorCode)

	assert.Equal(t, []notify.Kind{notify.KindPaymentMethodNeeded}, f.sink.Kinds())
}

func TestRenewNotDueAfterUserAction(t *testing.T) {
	f := newRenewalFixture()
	sub := f.seedSubscription(t, func(s *domain.Subscription) {
		s.Status = domain.StatusPaused
	})

	outcome, err := f.exec.Renew(context.Background(), sub.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotDue, outcome.Outcome)
	assert.Empty(t, f.gateway.Charges())
	assert.Empty(t, f.eventsFor(t, sub.ID))
}

func TestIdempotencyKeyPerAttempt(t *testing.T) {
	subID := uuid.New()
	cycleAt := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	// Stable for transport replays of one attempt.
	assert.Equal(t,
		idempotencyKey(subID, cycleAt, 0),
		idempotencyKey(subID, cycleAt, 0),
	)
	assert.Equal(t,
		fmt.Sprintf("renew_%s_%d_1", subID, cycleAt.Unix()),
		idempotencyKey(subID, cycleAt, 0),
	)

	// Distinct across retries of the cycle and across cycles.
	assert.NotEqual(t,
		idempotencyKey(subID, cycleAt, 0),
		idempotencyKey(subID, cycleAt, 1),
	)
	assert.NotEqual(t,
		idempotencyKey(subID, cycleAt, 0),
		idempotencyKey(subID, cycleAt.AddDate(0, 1, 0), 0),
	)
}

func TestRenewDuplicateTxnRefTreatedAsRecorded(t *testing.T) {
	f := newRenewalFixture()
	sub := f.seedSubscription(t, nil)
	f.gate.SetListing(sub.Items[0].ProductID, 2000, 10)
	f.gateway.ChargeOffSessionFunc = func(ctx context.Context, params billing.ChargeParams) (*billing.Charge, error) {
		return &billing.Charge{TransactionRef: "pi_fixed", AmountCents: params.AmountCents, Currency: params.Currency, Status: "succeeded"}, nil
	}

	// A prior attempt already recorded this charge.
	require.NoError(t, f.store.AppendEvent(context.Background(), &domain.BillingEvent{
		SubscriptionID: sub.ID,
		Kind:           domain.EventRenewalSuccess,
		GatewayTxnRef:  "pi_fixed",
		CycleAt:        sub.NextRenewalAt,
	}))

	outcome, err := f.exec.Renew(context.Background(), sub.ID, time.Date(2026, 3, 1, 6, 5, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome.Outcome)

	// The ledger still holds exactly one entry for the txn ref.
	events := f.eventsFor(t, sub.ID)
	require.Len(t, events, 1)
}
