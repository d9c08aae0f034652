package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subscription status values.
//
// State machine:
//
//	active --------(renewal succeeds)--------> active (schedule advanced)
//	active --------(renewal fails)-----------> payment_failed (retry scheduled)
//	payment_failed (retry succeeds)----------> active (counters reset)
//	payment_failed (retry fails, count < 3)--> payment_failed
//	payment_failed (retry fails, count == 3)-> expired (terminal)
//	active|payment_failed --(user pauses)----> paused
//	paused --------(user resumes)------------> active
//	active|paused|payment_failed --(cancel)--> cancelled (terminal)
const (
	StatusActive        = "active"
	StatusPaused        = "paused"
	StatusPaymentFailed = "payment_failed"
	StatusCancelled     = "cancelled"
	StatusExpired       = "expired"
)

// MaxBillingAttempts is the bounded retry window: a subscription that fails
// this many consecutive renewal attempts expires and is never billed again
// automatically.
const MaxBillingAttempts = 3

// maxBillingErrorLen bounds the free-text diagnostic stored on the
// subscription record. Its sole purpose is human display.
const maxBillingErrorLen = 500

// Cadence is the recurring billing interval.
type Cadence string

const (
	CadenceWeekly   Cadence = "weekly"
	CadenceBiweekly Cadence = "biweekly"
	CadenceMonthly  Cadence = "monthly"

	// CadenceSpontaneous bills on an irregular-but-bounded frequency; the
	// interval in days is carried on the subscription.
	CadenceSpontaneous Cadence = "spontaneous"
)

// ValidCadences lists all valid cadence values.
var ValidCadences = []Cadence{
	CadenceWeekly,
	CadenceBiweekly,
	CadenceMonthly,
	CadenceSpontaneous,
}

// IsValidCadence checks if the given cadence is valid.
func IsValidCadence(c Cadence) bool {
	for _, v := range ValidCadences {
		if v == c {
			return true
		}
	}
	return false
}

// Next computes the renewal date one cadence period after from.
// intervalDays is only consulted for spontaneous cadences.
func (c Cadence) Next(from time.Time, intervalDays int32) time.Time {
	switch c {
	case CadenceWeekly:
		return from.AddDate(0, 0, 7)
	case CadenceBiweekly:
		return from.AddDate(0, 0, 14)
	case CadenceMonthly:
		return from.AddDate(0, 1, 0)
	case CadenceSpontaneous:
		if intervalDays <= 0 {
			intervalDays = 30
		}
		return from.AddDate(0, 0, int(intervalDays))
	default:
		return from.AddDate(0, 1, 0)
	}
}

// LineItem is one entry of the subscribed basket. Quantities are fixed at
// subscription time; prices are always resolved live at renewal.
type LineItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int32     `json:"quantity"`
}

// Address is the delivery destination snapshot carried on the subscription.
type Address struct {
	FullName     string `json:"full_name"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code"`
	Country      string `json:"country"`
	Phone        string `json:"phone,omitempty"`
}

// Subscription is the durable record of one recurring delivery: its basket,
// billing identity, schedule, and failure counters.
//
// Mutated only by the billing executor, the retry policy, or explicit user
// actions (pause/resume/cancel). Never deleted; terminal states are retained
// for history.
type Subscription struct {
	ID         uuid.UUID
	CustomerID uuid.UUID

	Cadence Cadence

	// SpontaneousIntervalDays is the bounded frequency for spontaneous
	// cadences. Ignored for fixed cadences.
	SpontaneousIntervalDays int32

	Status string

	// Gateway references. Both empty until a payment method is attached.
	GatewayCustomerID      string
	GatewayPaymentMethodID string

	// NextRenewalAt is when the next regular renewal is due. It also
	// identifies the billing cycle: it does not move while a cycle's
	// retries are pending.
	NextRenewalAt        time.Time
	LastBillingAttemptAt *time.Time
	LastBillingError     string

	// FailedAttemptCount is 0..MaxBillingAttempts. Zero exactly when the
	// subscription is in good standing.
	FailedAttemptCount int32

	// NextRetryAt is set only while a retry cycle is pending.
	NextRetryAt *time.Time

	Items           []LineItem
	ShippingAddress Address

	// Version supports optimistic concurrency in the store.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether the subscription can never transition again.
func (s *Subscription) IsTerminal() bool {
	return s.Status == StatusCancelled || s.Status == StatusExpired
}

// HasPaymentMethod reports whether both gateway references are present.
func (s *Subscription) HasPaymentMethod() bool {
	return s.GatewayCustomerID != "" && s.GatewayPaymentMethodID != ""
}

// NextCadence computes the renewal date one cadence period after from.
func (s *Subscription) NextCadence(from time.Time) time.Time {
	return s.Cadence.Next(from, s.SpontaneousIntervalDays)
}

// SetBillingError records a bounded-length diagnostic on the record.
func (s *Subscription) SetBillingError(msg string) {
	if len(msg) > maxBillingErrorLen {
		msg = msg[:maxBillingErrorLen]
	}
	s.LastBillingError = msg
}

// CheckStateInvariant validates the coupling between status and the failure
// counters:
//
//   - FailedAttemptCount is always in 0..MaxBillingAttempts
//   - active implies FailedAttemptCount == 0
//   - expired implies FailedAttemptCount == MaxBillingAttempts and no retry
//   - payment_failed with a pending retry implies count in 1..2
//
// A payment_failed subscription with no retry scheduled and count 0 is the
// parked missing-payment-method state: it is excluded from due selection
// until a payment method is attached.
func (s *Subscription) CheckStateInvariant() error {
	if s.FailedAttemptCount < 0 || s.FailedAttemptCount > MaxBillingAttempts {
		return fmt.Errorf("failed attempt count %d out of range", s.FailedAttemptCount)
	}

	switch s.Status {
	case StatusActive:
		if s.FailedAttemptCount != 0 {
			return fmt.Errorf("active subscription with failed attempt count %d", s.FailedAttemptCount)
		}
		if s.NextRetryAt != nil {
			return fmt.Errorf("active subscription with pending retry")
		}
	case StatusExpired:
		if s.FailedAttemptCount != MaxBillingAttempts {
			return fmt.Errorf("expired subscription with failed attempt count %d", s.FailedAttemptCount)
		}
		if s.NextRetryAt != nil {
			return fmt.Errorf("expired subscription with pending retry")
		}
	case StatusPaymentFailed:
		if s.NextRetryAt != nil {
			if s.FailedAttemptCount < 1 || s.FailedAttemptCount >= MaxBillingAttempts {
				return fmt.Errorf("payment_failed subscription with failed attempt count %d and pending retry", s.FailedAttemptCount)
			}
		}
	case StatusPaused, StatusCancelled:
		// Paused and cancelled subscriptions freeze whatever counters they
		// carried when the user acted.
	default:
		return fmt.Errorf("unknown subscription status %q", s.Status)
	}

	return nil
}
