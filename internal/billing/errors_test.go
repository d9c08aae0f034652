package billing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{
			name: "card decline",
			err:  &GatewayError{Code: "card_declined", DeclineCode: "insufficient_funds"},
			want: ErrorClassDeclined,
		},
		{
			name: "rate limited",
			err:  &GatewayError{Code: "rate_limit", Transient: true},
			want: ErrorClassTransient,
		},
		{
			name: "missing payment method",
			err:  ErrPaymentMethodMissing,
			want: ErrorClassPaymentMethodMissing,
		},
		{
			name: "wrapped missing payment method",
			err:  fmt.Errorf("charge subscription: %w", ErrPaymentMethodMissing),
			want: ErrorClassPaymentMethodMissing,
		},
		{
			name: "wrapped gateway error",
			err:  fmt.Errorf("charge subscription: %w", &GatewayError{Code: "card_declined"}),
			want: ErrorClassDeclined,
		},
		{
			name: "unknown error treated as transient",
			err:  errors.New("connection reset"),
			want: ErrorClassTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestGatewayErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	ge := &GatewayError{Message: "processor unavailable", Transient: true, OriginalError: inner}

	assert.True(t, errors.Is(ge, inner))
	assert.Contains(t, ge.Error(), "processor unavailable")
}
