package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rowanvale/iduna/internal/billing"
	"github.com/rowanvale/iduna/internal/domain"
	"github.com/rowanvale/iduna/internal/store"
	"github.com/rowanvale/iduna/internal/telemetry"
)

// userOpClaimTTL bounds how long a user operation holds the processing
// claim. User mutations are quick; the TTL only matters after a crash.
const userOpClaimTTL = 30 * time.Second

// userOpClaimWait is how long a user operation waits for a claim held by an
// in-flight renewal attempt before surfacing a conflict.
const (
	userOpClaimWait     = 3 * time.Second
	userOpClaimInterval = 250 * time.Millisecond
)

// SubscriptionService exposes user-facing subscription lifecycle operations.
// Mutations contend with the renewal claim so a user action and a billing
// attempt never interleave on one subscription.
type SubscriptionService struct {
	store   store.Store
	gateway billing.Gateway
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewSubscriptionService creates the lifecycle service. metrics may be nil
// in tests.
func NewSubscriptionService(st store.Store, gateway billing.Gateway, metrics *telemetry.Metrics, logger *slog.Logger) *SubscriptionService {
	return &SubscriptionService{
		store:   st,
		gateway: gateway,
		metrics: metrics,
		logger:  logger,
	}
}

// CreateSubscriptionParams describes a new subscription. The initial
// delivery is billed at checkout by the order pipeline; this only seeds the
// recurring record.
type CreateSubscriptionParams struct {
	CustomerID              uuid.UUID
	Cadence                 domain.Cadence
	SpontaneousIntervalDays int32
	Items                   []domain.LineItem
	ShippingAddress         domain.Address

	// GatewayCustomerID and GatewayPaymentMethodID carry refs saved at
	// checkout. Both may be empty; the subscription then parks at its
	// first renewal until a payment method is attached.
	GatewayCustomerID      string
	GatewayPaymentMethodID string

	// FirstRenewalAt overrides the default first renewal (one cadence
	// period from creation). Zero means default.
	FirstRenewalAt time.Time
}

// CreateSubscription validates and persists a new active subscription.
func (s *SubscriptionService) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*domain.Subscription, error) {
	if !domain.IsValidCadence(params.Cadence) {
		return nil, ErrInvalidCadence
	}
	if len(params.Items) == 0 {
		return nil, ErrEmptyBasket
	}
	for _, item := range params.Items {
		if item.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
	}

	now := time.Now()
	firstRenewal := params.FirstRenewalAt
	if firstRenewal.IsZero() {
		firstRenewal = params.Cadence.Next(now, params.SpontaneousIntervalDays)
	}

	sub := &domain.Subscription{
		ID:                      uuid.New(),
		CustomerID:              params.CustomerID,
		Cadence:                 params.Cadence,
		SpontaneousIntervalDays: params.SpontaneousIntervalDays,
		Status:                  domain.StatusActive,
		GatewayCustomerID:       params.GatewayCustomerID,
		GatewayPaymentMethodID:  params.GatewayPaymentMethodID,
		NextRenewalAt:           firstRenewal,
		Items:                   params.Items,
		ShippingAddress:         params.ShippingAddress,
	}

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SubscriptionsCreated.WithLabelValues(string(sub.Cadence)).Inc()
	}
	s.logger.InfoContext(ctx, "subscription created",
		"subscription_id", sub.ID,
		"customer_id", sub.CustomerID,
		"cadence", string(sub.Cadence),
		"next_renewal_at", sub.NextRenewalAt,
	)

	return sub, nil
}

// GetSubscription loads one subscription.
func (s *SubscriptionService) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// ListEvents returns the subscription's billing ledger, oldest first.
func (s *SubscriptionService) ListEvents(ctx context.Context, id uuid.UUID) ([]domain.BillingEvent, error) {
	if _, err := s.GetSubscription(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list billing events: %w", err)
	}
	return events, nil
}

// Pause suspends renewals. Allowed from active and payment_failed; the
// failure counters freeze as-is.
func (s *SubscriptionService) Pause(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return s.mutate(ctx, id, func(sub *domain.Subscription) error {
		if sub.IsTerminal() {
			return ErrSubscriptionTerminal
		}
		if sub.Status == domain.StatusPaused {
			return ErrAlreadyPaused
		}
		sub.Status = domain.StatusPaused
		if s.metrics != nil {
			s.metrics.SubscriptionsPaused.Inc()
		}
		return nil
	})
}

// Resume reactivates a paused subscription. Counters reset and the next
// renewal is scheduled one cadence period out, so a long pause does not
// trigger an immediate catch-up charge.
func (s *SubscriptionService) Resume(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return s.mutate(ctx, id, func(sub *domain.Subscription) error {
		if sub.IsTerminal() {
			return ErrSubscriptionTerminal
		}
		if sub.Status != domain.StatusPaused {
			return ErrSubscriptionNotPaused
		}
		now := time.Now()
		sub.Status = domain.StatusActive
		sub.FailedAttemptCount = 0
		sub.NextRetryAt = nil
		sub.LastBillingError = ""
		sub.NextRenewalAt = sub.NextCadence(now)
		if s.metrics != nil {
			s.metrics.SubscriptionsResumed.Inc()
		}
		return nil
	})
}

// Cancel terminally ends the subscription. The record and its ledger are
// retained for history.
func (s *SubscriptionService) Cancel(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return s.mutate(ctx, id, func(sub *domain.Subscription) error {
		if sub.IsTerminal() {
			return ErrSubscriptionTerminal
		}
		sub.Status = domain.StatusCancelled
		sub.NextRetryAt = nil
		if s.metrics != nil {
			s.metrics.SubscriptionsCancelled.Inc()
		}
		return nil
	})
}

// AttachPaymentMethodParams carries the instrument to save for off-session
// charges. Email and Name are used when a gateway customer must be created.
type AttachPaymentMethodParams struct {
	SubscriptionID   uuid.UUID
	PaymentMethodRef string
	Email            string
	Name             string
}

// AttachPaymentMethod saves a payment instrument for off-session use. A
// subscription parked for a missing payment method reactivates and becomes
// due immediately.
func (s *SubscriptionService) AttachPaymentMethod(ctx context.Context, params AttachPaymentMethodParams) (*domain.Subscription, error) {
	sub, err := s.GetSubscription(ctx, params.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.IsTerminal() {
		return nil, ErrSubscriptionTerminal
	}

	customerRef := sub.GatewayCustomerID
	if customerRef == "" {
		customer, err := s.gateway.CreateCustomer(ctx, billing.CreateCustomerParams{
			Email: params.Email,
			Name:  params.Name,
			Metadata: map[string]string{
				"subscription_id": sub.ID.String(),
				"customer_id":     sub.CustomerID.String(),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("create gateway customer: %w", err)
		}
		customerRef = customer.Ref
	}

	if err := s.gateway.AttachPaymentMethod(ctx, customerRef, params.PaymentMethodRef); err != nil {
		return nil, fmt.Errorf("attach payment method: %w", err)
	}

	if err := s.claimWithWait(ctx, sub.ID); err != nil {
		return nil, err
	}
	defer s.releaseClaim(ctx, sub.ID)

	if err := s.store.AttachPaymentMethod(ctx, sub.ID, customerRef, params.PaymentMethodRef); err != nil {
		return nil, fmt.Errorf("save payment method refs: %w", err)
	}

	// Reload: the ref write bumped the version.
	sub, err = s.GetSubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	reactivated := false
	if sub.Status == domain.StatusPaymentFailed && sub.NextRetryAt == nil {
		// Parked for a missing payment method: reactivate and make the
		// pending cycle due right away.
		sub.Status = domain.StatusActive
		sub.FailedAttemptCount = 0
		sub.LastBillingError = ""
		sub.NextRenewalAt = now
		reactivated = true

		if err := s.store.Save(ctx, sub); err != nil {
			return nil, fmt.Errorf("reactivate subscription: %w", err)
		}
	}

	event := &domain.BillingEvent{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Kind:           domain.EventPaymentMethodAttached,
		CycleAt:        sub.NextRenewalAt,
		CreatedAt:      now,
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append payment_method_attached event: %w", err)
	}

	s.logger.InfoContext(ctx, "payment method attached",
		"subscription_id", sub.ID,
		"reactivated", reactivated,
	)

	return sub, nil
}

// CreateSetupIntent starts the save-card flow for a subscription's customer,
// creating the gateway customer first if needed. Returns the client secret
// for the frontend and the gateway customer ref.
func (s *SubscriptionService) CreateSetupIntent(ctx context.Context, id uuid.UUID, email, name string) (clientSecret, customerRef string, err error) {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return "", "", err
	}
	if sub.IsTerminal() {
		return "", "", ErrSubscriptionTerminal
	}

	customerRef = sub.GatewayCustomerID
	if customerRef == "" {
		customer, err := s.gateway.CreateCustomer(ctx, billing.CreateCustomerParams{
			Email: email,
			Name:  name,
			Metadata: map[string]string{
				"subscription_id": sub.ID.String(),
				"customer_id":     sub.CustomerID.String(),
			},
		})
		if err != nil {
			return "", "", fmt.Errorf("create gateway customer: %w", err)
		}
		customerRef = customer.Ref

		// Persist the ref immediately so a later AttachPaymentMethod call
		// reuses this customer instead of creating a second one the saved
		// instrument does not belong to.
		if err := s.store.AttachPaymentMethod(ctx, sub.ID, customerRef, sub.GatewayPaymentMethodID); err != nil {
			return "", "", fmt.Errorf("save gateway customer ref: %w", err)
		}
	}

	clientSecret, err = s.gateway.CreateSetupIntent(ctx, customerRef)
	if err != nil {
		return "", "", fmt.Errorf("create setup intent: %w", err)
	}
	return clientSecret, customerRef, nil
}

// mutate applies fn to the subscription under the processing claim and
// saves optimistically.
func (s *SubscriptionService) mutate(ctx context.Context, id uuid.UUID, fn func(*domain.Subscription) error) (*domain.Subscription, error) {
	if err := s.claimWithWait(ctx, id); err != nil {
		return nil, err
	}
	defer s.releaseClaim(ctx, id)

	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(sub); err != nil {
		return nil, err
	}

	if err := s.store.Save(ctx, sub); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrBeingProcessed
		}
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return sub, nil
}

// claimWithWait acquires the processing claim, waiting briefly for an
// in-flight renewal attempt to finish.
func (s *SubscriptionService) claimWithWait(ctx context.Context, id uuid.UUID) error {
	deadline := time.Now().Add(userOpClaimWait)
	for {
		err := s.store.Claim(ctx, id, time.Now(), userOpClaimTTL)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		if !errors.Is(err, store.ErrAlreadyClaimed) {
			return fmt.Errorf("claim subscription: %w", err)
		}
		if time.Now().After(deadline) {
			return ErrBeingProcessed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(userOpClaimInterval):
		}
	}
}

func (s *SubscriptionService) releaseClaim(ctx context.Context, id uuid.UUID) {
	if err := s.store.ReleaseClaim(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "release claim failed", "subscription_id", id, "error", err)
	}
}
