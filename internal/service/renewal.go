package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rowanvale/iduna/internal/billing"
	"github.com/rowanvale/iduna/internal/catalog"
	"github.com/rowanvale/iduna/internal/domain"
	"github.com/rowanvale/iduna/internal/notify"
	"github.com/rowanvale/iduna/internal/store"
	"github.com/rowanvale/iduna/internal/telemetry"
)

// Outcome values for a single renewal attempt.
const (
	OutcomeSuccess    = "success"
	OutcomeSkippedAll = "skipped_all"
	OutcomeFailed     = "failed"
	OutcomeExpired    = "expired"
	OutcomeParked     = "parked"
	OutcomeNotDue     = "not_due"
)

// RenewalOutcome describes what one billing attempt did.
type RenewalOutcome struct {
	Outcome string

	// Order is set on success.
	Order *domain.RenewalOrder

	// SkippedItems lists basket entries dropped from this cycle.
	SkippedItems []domain.SkippedItem

	// AmountCents is the charged amount on success.
	AmountCents int64
}

// Executor performs one renewal billing attempt for a claimed subscription.
// It owns the attempt sequence: live pricing, availability skips, the
// off-session charge, the ledger write, the state transition, and finally
// the customer notification. The ledger entry always commits before the
// notification is sent.
type Executor struct {
	store   store.Store
	gate    catalog.Gate
	gateway billing.Gateway
	sink    notify.Sink
	policy  RetryPolicy
	metrics *telemetry.Metrics
	logger  *slog.Logger

	// Currency for all charges. Per-customer currency is out of scope.
	Currency string
}

// NewExecutor creates a renewal executor. metrics may be nil in tests.
func NewExecutor(
	st store.Store,
	gate catalog.Gate,
	gateway billing.Gateway,
	sink notify.Sink,
	policy RetryPolicy,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *Executor {
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}
	return &Executor{
		store:    st,
		gate:     gate,
		gateway:  gateway,
		sink:     sink,
		policy:   policy,
		metrics:  metrics,
		logger:   logger,
		Currency: "usd",
	}
}

// pricedItem is a basket entry that passed the availability check.
type pricedItem struct {
	item           domain.LineItem
	unitPriceCents int64
}

// Renew performs one billing attempt for the subscription. The caller must
// hold the processing claim; Renew reloads the record so it operates on the
// freshest state under that claim.
func (e *Executor) Renew(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (*RenewalOutcome, error) {
	start := time.Now()
	outcome, err := e.renew(ctx, subscriptionID, now)
	if e.metrics != nil && outcome != nil {
		e.metrics.RenewalDuration.WithLabelValues(outcome.Outcome).Observe(time.Since(start).Seconds())
	}
	return outcome, err
}

func (e *Executor) renew(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (*RenewalOutcome, error) {
	sub, err := e.store.Get(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	// A user action may have raced the claim (pause, cancel). Re-check
	// eligibility on the fresh record instead of trusting the sweep.
	if !e.isDue(sub, now) {
		return &RenewalOutcome{Outcome: OutcomeNotDue}, nil
	}

	// CycleAt identifies the billing cycle. It stays fixed while this
	// cycle's retries are pending.
	cycleAt := sub.NextRenewalAt

	priced, skipped, err := e.priceBasket(ctx, sub)
	if err != nil {
		// Catalog unavailable: not a billing failure. Leave the record
		// untouched so the next sweep retries the whole attempt.
		return nil, fmt.Errorf("price basket: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RenewalsAttempted.WithLabelValues(string(sub.Cadence)).Inc()
		for _, s := range skipped {
			e.metrics.ItemsSkipped.WithLabelValues(s.Reason).Inc()
		}
	}

	if len(priced) == 0 {
		return e.skipCycle(ctx, sub, cycleAt, skipped, now)
	}

	if !sub.HasPaymentMethod() {
		return e.parkMissingPaymentMethod(ctx, sub, cycleAt, now)
	}

	var total int64
	for _, p := range priced {
		total += p.unitPriceCents * int64(p.item.Quantity)
	}

	charge, err := e.charge(ctx, sub, cycleAt, total)
	if err != nil {
		return e.recordFailure(ctx, sub, cycleAt, err, now)
	}

	return e.recordSuccess(ctx, sub, cycleAt, priced, skipped, charge, now)
}

// isDue mirrors the store's due selection on an in-memory record.
func (e *Executor) isDue(sub *domain.Subscription, now time.Time) bool {
	switch sub.Status {
	case domain.StatusActive:
		return !sub.NextRenewalAt.After(now)
	case domain.StatusPaymentFailed:
		return sub.NextRetryAt != nil && !sub.NextRetryAt.After(now)
	default:
		return false
	}
}

// priceBasket resolves live price and availability for every basket entry.
// Unavailable entries are skipped, never partially fulfilled: a product with
// less stock than the subscribed quantity is dropped from the cycle.
func (e *Executor) priceBasket(ctx context.Context, sub *domain.Subscription) ([]pricedItem, []domain.SkippedItem, error) {
	var priced []pricedItem
	var skipped []domain.SkippedItem

	for _, item := range sub.Items {
		listing, err := e.gate.GetCurrentPriceAndStock(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrProductNotFound) {
				skipped = append(skipped, domain.SkippedItem{
					ProductID: item.ProductID,
					Quantity:  item.Quantity,
					Reason:    "discontinued",
				})
				continue
			}
			return nil, nil, fmt.Errorf("lookup product %s: %w", item.ProductID, err)
		}

		switch {
		case listing.AvailableQty <= 0:
			skipped = append(skipped, domain.SkippedItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Reason:    "out_of_stock",
			})
		case listing.AvailableQty < item.Quantity:
			skipped = append(skipped, domain.SkippedItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Reason:    "insufficient_stock",
			})
		default:
			priced = append(priced, pricedItem{item: item, unitPriceCents: listing.PriceCents})
		}
	}

	return priced, skipped, nil
}

// skipCycle handles the whole basket being unavailable: the cycle advances
// without a charge and without consuming a billing attempt.
func (e *Executor) skipCycle(ctx context.Context, sub *domain.Subscription, cycleAt time.Time, skipped []domain.SkippedItem, now time.Time) (*RenewalOutcome, error) {
	event := &domain.BillingEvent{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Kind:           domain.EventItemsSkipped,
		SkippedItems:   skipped,
		CycleAt:        cycleAt,
		CreatedAt:      now,
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append items_skipped event: %w", err)
	}

	attemptAt := now
	sub.LastBillingAttemptAt = &attemptAt
	sub.NextRenewalAt = sub.NextCadence(now)
	if sub.NextRetryAt != nil {
		// A pending retry cycle with nothing billable rolls forward too.
		retryAt := sub.NextRenewalAt
		sub.NextRetryAt = &retryAt
	}

	if err := e.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save skipped cycle: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RenewalsSkipped.WithLabelValues(string(sub.Cadence)).Inc()
	}
	e.notify(ctx, notify.Event{
		Kind:           notify.KindItemsSkipped,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		OccurredAt:     now,
		Payload: map[string]string{
			"skipped_count":   fmt.Sprintf("%d", len(skipped)),
			"next_renewal_at": sub.NextRenewalAt.Format(time.RFC3339),
		},
	})

	return &RenewalOutcome{Outcome: OutcomeSkippedAll, SkippedItems: skipped}, nil
}

// parkMissingPaymentMethod handles a due subscription with no saved payment
// instrument. No charge is attempted and no billing attempt is consumed: the
// subscription parks in payment_failed with no retry scheduled until the
// customer attaches a payment method.
func (e *Executor) parkMissingPaymentMethod(ctx context.Context, sub *domain.Subscription, cycleAt, now time.Time) (*RenewalOutcome, error) {
	event := &domain.BillingEvent{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Kind:           domain.EventRenewalFailed,
		ErrorCode:      "payment_method_missing",
		ErrorMessage:   "no payment method on file",
		CycleAt:        cycleAt,
		CreatedAt:      now,
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append renewal_failed event: %w", err)
	}

	attemptAt := now
	sub.Status = domain.StatusPaymentFailed
	sub.LastBillingAttemptAt = &attemptAt
	sub.NextRetryAt = nil
	sub.SetBillingError("no payment method on file")

	if err := e.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save parked subscription: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RenewalsFailed.WithLabelValues(string(sub.Cadence), string(billing.ErrorClassPaymentMethodMissing)).Inc()
	}
	e.notify(ctx, notify.Event{
		Kind:           notify.KindPaymentMethodNeeded,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		OccurredAt:     now,
	})

	return &RenewalOutcome{Outcome: OutcomeParked}, nil
}

// charge performs the off-session charge for one attempt.
func (e *Executor) charge(ctx context.Context, sub *domain.Subscription, cycleAt time.Time, amountCents int64) (*billing.Charge, error) {
	start := time.Now()
	charge, err := e.gateway.ChargeOffSession(ctx, billing.ChargeParams{
		CustomerRef:      sub.GatewayCustomerID,
		PaymentMethodRef: sub.GatewayPaymentMethodID,
		AmountCents:      amountCents,
		Currency:         e.Currency,
		IdempotencyKey:   idempotencyKey(sub.ID, cycleAt, sub.FailedAttemptCount),
		Description:      fmt.Sprintf("Subscription renewal %s", sub.ID),
		Metadata: map[string]string{
			"subscription_id": sub.ID.String(),
			"cycle_at":        cycleAt.UTC().Format(time.RFC3339),
			"attempt":         fmt.Sprintf("%d", sub.FailedAttemptCount+1),
		},
	})
	if e.metrics != nil {
		e.metrics.GatewayLatency.WithLabelValues("charge_off_session").Observe(time.Since(start).Seconds())
	}
	return charge, err
}

// idempotencyKey is deterministic per (subscription, cycle, attempt): a
// transport-level replay of one attempt dedupes at the gateway, while the
// next scheduled retry is a genuinely new charge.
func idempotencyKey(subscriptionID uuid.UUID, cycleAt time.Time, failedBefore int32) string {
	return fmt.Sprintf("renew_%s_%d_%d", subscriptionID, cycleAt.UTC().Unix(), failedBefore+1)
}

// recordSuccess persists the order snapshot, the ledger entry, and the
// subscription transition atomically, then notifies the customer.
func (e *Executor) recordSuccess(ctx context.Context, sub *domain.Subscription, cycleAt time.Time, priced []pricedItem, skipped []domain.SkippedItem, charge *billing.Charge, now time.Time) (*RenewalOutcome, error) {
	orderItems := make([]domain.RenewalOrderItem, 0, len(priced))
	var total int64
	for _, p := range priced {
		subtotal := p.unitPriceCents * int64(p.item.Quantity)
		total += subtotal
		orderItems = append(orderItems, domain.RenewalOrderItem{
			ProductID:      p.item.ProductID,
			Quantity:       p.item.Quantity,
			UnitPriceCents: p.unitPriceCents,
			SubtotalCents:  subtotal,
		})
	}

	order := &domain.RenewalOrder{
		ID:              uuid.New(),
		OrderNumber:     generateOrderNumber(),
		SubscriptionID:  sub.ID,
		CustomerID:      sub.CustomerID,
		Items:           orderItems,
		TotalCents:      total,
		Currency:        charge.Currency,
		ShippingAddress: sub.ShippingAddress,
		GatewayTxnRef:   charge.TransactionRef,
		CreatedAt:       now,
	}

	amount := charge.AmountCents
	orderID := order.ID
	event := &domain.BillingEvent{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Kind:           domain.EventRenewalSuccess,
		AmountCents:    &amount,
		SkippedItems:   skipped,
		GatewayTxnRef:  charge.TransactionRef,
		OrderID:        &orderID,
		CycleAt:        cycleAt,
		CreatedAt:      now,
	}

	attemptAt := now
	sub.Status = domain.StatusActive
	sub.FailedAttemptCount = 0
	sub.NextRetryAt = nil
	sub.LastBillingError = ""
	sub.LastBillingAttemptAt = &attemptAt
	sub.NextRenewalAt = sub.NextCadence(now)

	if err := e.store.RecordRenewalSuccess(ctx, sub, order, event); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			// The charge was already recorded by a previous attempt whose
			// acknowledgment we lost. The money moved once; treat as done.
			e.logger.WarnContext(ctx, "duplicate renewal charge detected",
				"subscription_id", sub.ID,
				"gateway_txn_ref", charge.TransactionRef,
			)
			return &RenewalOutcome{Outcome: OutcomeSuccess, AmountCents: amount}, nil
		}
		return nil, fmt.Errorf("record renewal success: %w", err)
	}

	// A partial skip gets its own ledger entry. The charge is already
	// committed at this point, so a failed append is logged rather than
	// failing the outcome.
	if len(skipped) > 0 {
		skipEvent := &domain.BillingEvent{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			Kind:           domain.EventItemsSkipped,
			SkippedItems:   skipped,
			CycleAt:        cycleAt,
			CreatedAt:      now,
		}
		if err := e.store.AppendEvent(ctx, skipEvent); err != nil {
			e.logger.WarnContext(ctx, "failed to append items_skipped entry",
				"subscription_id", sub.ID,
				"error", err,
			)
		}
	}

	if e.metrics != nil {
		e.metrics.RenewalsSucceeded.WithLabelValues(string(sub.Cadence)).Inc()
		e.metrics.RevenueCollected.WithLabelValues(charge.Currency).Add(float64(amount))
		e.metrics.RenewalValue.WithLabelValues(charge.Currency).Observe(float64(amount))
	}
	e.notify(ctx, notify.Event{
		Kind:           notify.KindRenewalSucceeded,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		OccurredAt:     now,
		Payload: map[string]string{
			"order_number":    order.OrderNumber,
			"amount_cents":    fmt.Sprintf("%d", amount),
			"currency":        charge.Currency,
			"skipped_count":   fmt.Sprintf("%d", len(skipped)),
			"next_renewal_at": sub.NextRenewalAt.Format(time.RFC3339),
		},
	})

	return &RenewalOutcome{
		Outcome:      OutcomeSuccess,
		Order:        order,
		SkippedItems: skipped,
		AmountCents:  amount,
	}, nil
}

// recordFailure applies the retry policy to a failed charge: ledger entry,
// state transition, and notification, in that order.
func (e *Executor) recordFailure(ctx context.Context, sub *domain.Subscription, cycleAt time.Time, chargeErr error, now time.Time) (*RenewalOutcome, error) {
	class := billing.Classify(chargeErr)
	decision := e.policy.Decide(sub.FailedAttemptCount, class, now)

	errorCode := "charge_failed"
	var ge *billing.GatewayError
	if errors.As(chargeErr, &ge) && ge.Code != "" {
		errorCode = ge.Code
	}

	event := &domain.BillingEvent{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Kind:           domain.EventRenewalFailed,
		ErrorCode:      errorCode,
		ErrorMessage:   chargeErr.Error(),
		CycleAt:        cycleAt,
		CreatedAt:      now,
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append renewal_failed event: %w", err)
	}

	if decision.Expired {
		expiredEvent := &domain.BillingEvent{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			Kind:           domain.EventSubscriptionExpired,
			CycleAt:        cycleAt,
			CreatedAt:      now,
		}
		if err := e.store.AppendEvent(ctx, expiredEvent); err != nil {
			return nil, fmt.Errorf("append subscription_expired event: %w", err)
		}
	}

	attemptAt := now
	sub.Status = decision.Status
	sub.FailedAttemptCount = decision.FailedAttemptCount
	sub.NextRetryAt = decision.NextRetryAt
	sub.LastBillingAttemptAt = &attemptAt
	sub.SetBillingError(chargeErr.Error())

	if err := e.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save failed attempt: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RenewalsFailed.WithLabelValues(string(sub.Cadence), string(class)).Inc()
		if decision.Expired {
			e.metrics.SubscriptionsExpired.Inc()
		}
	}

	if decision.Expired {
		e.notify(ctx, notify.Event{
			Kind:           notify.KindSubscriptionExpired,
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			OccurredAt:     now,
			Payload: map[string]string{
				"failed_attempts": fmt.Sprintf("%d", decision.FailedAttemptCount),
			},
		})
		return &RenewalOutcome{Outcome: OutcomeExpired}, nil
	}

	payload := map[string]string{
		"error_code":      errorCode,
		"failed_attempts": fmt.Sprintf("%d", decision.FailedAttemptCount),
	}
	if decision.NextRetryAt != nil {
		payload["next_retry_at"] = decision.NextRetryAt.Format(time.RFC3339)
	}
	e.notify(ctx, notify.Event{
		Kind:           notify.KindRenewalFailed,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		OccurredAt:     now,
		Payload:        payload,
	})

	return &RenewalOutcome{Outcome: OutcomeFailed}, nil
}

// notify publishes best-effort: delivery failures are logged, never allowed
// to influence a billing outcome already on the ledger.
func (e *Executor) notify(ctx context.Context, event notify.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "notification publish failed",
			"kind", string(event.Kind),
			"subscription_id", event.SubscriptionID,
			"error", err,
		)
	}
}

// generateOrderNumber produces a human-readable renewal order number.
func generateOrderNumber() string {
	return fmt.Sprintf("RN-%s", uuid.New().String()[:8])
}
