package handler

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/rowanvale/iduna/internal/domain"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// statusFromCode maps domain error codes to HTTP status codes.
func statusFromCode(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest
	case domain.ENOTFOUND:
		return http.StatusNotFound
	case domain.ECONFLICT:
		return http.StatusConflict
	case domain.EPAYMENT:
		return http.StatusPaymentRequired
	case domain.EGONE:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(c echo.Context, err error) error {
	var body errorBody
	body.Error.Code = domain.ErrorCode(err)
	body.Error.Message = domain.ErrorMessage(err)
	return c.JSON(statusFromCode(body.Error.Code), body)
}

func validationResponse(c echo.Context, err error) error {
	var body errorBody
	body.Error.Code = domain.EINVALID
	body.Error.Message = "Validation failed"

	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		body.Error.Message = "Validation failed on field '" + verrs[0].Field() + "'"
	}
	return c.JSON(http.StatusBadRequest, body)
}

type subscriptionResponse struct {
	ID                     string             `json:"id"`
	CustomerID             string             `json:"customer_id"`
	Cadence                string             `json:"cadence"`
	IntervalDays           int32              `json:"interval_days,omitempty"`
	Status                 string             `json:"status"`
	NextRenewalAt          time.Time          `json:"next_renewal_at"`
	NextRetryAt            *time.Time         `json:"next_retry_at,omitempty"`
	FailedAttemptCount     int32              `json:"failed_attempt_count"`
	LastBillingError       string             `json:"last_billing_error,omitempty"`
	HasPaymentMethod       bool               `json:"has_payment_method"`
	Items                  []domain.LineItem  `json:"items"`
	ShippingAddress        domain.Address     `json:"shipping_address"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

func subscriptionView(sub *domain.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                 sub.ID.String(),
		CustomerID:         sub.CustomerID.String(),
		Cadence:            string(sub.Cadence),
		IntervalDays:       sub.SpontaneousIntervalDays,
		Status:             sub.Status,
		NextRenewalAt:      sub.NextRenewalAt,
		NextRetryAt:        sub.NextRetryAt,
		FailedAttemptCount: sub.FailedAttemptCount,
		LastBillingError:   sub.LastBillingError,
		HasPaymentMethod:   sub.HasPaymentMethod(),
		Items:              sub.Items,
		ShippingAddress:    sub.ShippingAddress,
		CreatedAt:          sub.CreatedAt,
		UpdatedAt:          sub.UpdatedAt,
	}
}

type eventView struct {
	ID           string               `json:"id"`
	Kind         string               `json:"kind"`
	AmountCents  *int64               `json:"amount_cents,omitempty"`
	SkippedItems []domain.SkippedItem `json:"skipped_items,omitempty"`
	GatewayTxn   string               `json:"gateway_txn_ref,omitempty"`
	ErrorCode    string               `json:"error_code,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	OrderID      string               `json:"order_id,omitempty"`
	CycleAt      time.Time            `json:"cycle_at"`
	CreatedAt    time.Time            `json:"created_at"`
}

func eventViewOf(e *domain.BillingEvent) eventView {
	v := eventView{
		ID:           e.ID.String(),
		Kind:         e.Kind,
		AmountCents:  e.AmountCents,
		SkippedItems: e.SkippedItems,
		GatewayTxn:   e.GatewayTxnRef,
		ErrorCode:    e.ErrorCode,
		ErrorMessage: e.ErrorMessage,
		CycleAt:      e.CycleAt,
		CreatedAt:    e.CreatedAt,
	}
	if e.OrderID != nil {
		v.OrderID = e.OrderID.String()
	}
	return v
}
