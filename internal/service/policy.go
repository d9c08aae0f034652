package service

import (
	"time"

	"github.com/rowanvale/iduna/internal/billing"
	"github.com/rowanvale/iduna/internal/domain"
)

// RetryPolicy decides what happens to a subscription after a failed billing
// attempt. The policy is bounded: after MaxAttempts consecutive failures the
// subscription expires and is never billed again automatically.
type RetryPolicy struct {
	// MaxAttempts is the total attempts per cycle, initial charge included.
	MaxAttempts int32

	// RetryDelay is the spacing between attempts.
	RetryDelay time.Duration
}

// DefaultRetryPolicy matches the product rule: three attempts, three days apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: domain.MaxBillingAttempts,
		RetryDelay:  72 * time.Hour,
	}
}

// Decision is the policy outcome applied to the subscription record.
type Decision struct {
	Status             string
	FailedAttemptCount int32

	// NextRetryAt is nil when no further automatic attempt will be made.
	NextRetryAt *time.Time

	// Expired is true when this failure exhausted the attempt budget.
	Expired bool
}

// Decide computes the post-failure state. failedBefore is the consecutive
// failure count prior to this attempt; every charge failure consumes one
// attempt regardless of class.
//
// The missing-payment-method case is handled by the executor before any
// charge is attempted and never reaches Decide.
func (p RetryPolicy) Decide(failedBefore int32, class billing.ErrorClass, now time.Time) Decision {
	newCount := failedBefore + 1

	if newCount >= p.MaxAttempts {
		return Decision{
			Status:             domain.StatusExpired,
			FailedAttemptCount: p.MaxAttempts,
			NextRetryAt:        nil,
			Expired:            true,
		}
	}

	retryAt := now.Add(p.RetryDelay)
	return Decision{
		Status:             domain.StatusPaymentFailed,
		FailedAttemptCount: newCount,
		NextRetryAt:        &retryAt,
	}
}
