package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey is returned when the gateway API key is invalid or missing.
	ErrInvalidAPIKey = errors.New("billing: invalid or missing API key")

	// ErrAmountTooSmall is returned when the charge amount is below the
	// processor's minimum.
	ErrAmountTooSmall = errors.New("billing: amount too small")

	// ErrPaymentMethodMissing is returned when a charge is requested for a
	// subscription without saved gateway references. Non-retryable by the
	// normal policy: the user must attach a payment method first.
	ErrPaymentMethodMissing = errors.New("billing: no payment method on file")
)

// ErrorClass partitions charge failures for the retry policy. The policy is
// deliberately insensitive to anything finer than transient-vs-declined:
// any charge failure consumes one attempt.
type ErrorClass string

const (
	// ErrorClassTransient covers rate limiting and processor outages.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassDeclined covers card declines and insufficient funds.
	ErrorClassDeclined ErrorClass = "declined"

	// ErrorClassPaymentMethodMissing is the immediate terminal-for-this-cycle
	// case: no saved instrument to charge.
	ErrorClassPaymentMethodMissing ErrorClass = "payment_method_missing"
)

// GatewayError wraps a processor-reported charge failure with classification
// the retry policy can act on.
type GatewayError struct {
	// Code is the processor's error code (e.g. "card_declined").
	Code string

	// Message is a human-readable diagnostic.
	Message string

	// DeclineCode is the card decline reason, if applicable.
	DeclineCode string

	// Transient marks failures worth retrying on a later cycle (rate
	// limiting, processor temporarily unavailable).
	Transient bool

	// OriginalError is the underlying SDK error.
	OriginalError error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("gateway: %s", e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.OriginalError
}

// Class returns the retry-policy classification for this failure.
func (e *GatewayError) Class() ErrorClass {
	if e.Transient {
		return ErrorClassTransient
	}
	return ErrorClassDeclined
}

// Classify maps any charge error to its policy class. Unknown errors are
// treated as transient: a failure we cannot attribute to the card should not
// burn the customer's payment method on our say-so alone, but it still
// consumes an attempt like every other failure.
func Classify(err error) ErrorClass {
	if errors.Is(err, ErrPaymentMethodMissing) {
		return ErrorClassPaymentMethodMissing
	}

	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Class()
	}

	return ErrorClassTransient
}
