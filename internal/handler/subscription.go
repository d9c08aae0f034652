package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rowanvale/iduna/internal/domain"
	"github.com/rowanvale/iduna/internal/service"
)

// SubscriptionHandler exposes the subscription lifecycle over HTTP. This is
// an internal ops/API surface: request bodies are JSON, responses are JSON,
// errors carry the domain error code.
type SubscriptionHandler struct {
	svc      *service.SubscriptionService
	validate *validator.Validate
	logger   *slog.Logger
}

func NewSubscriptionHandler(svc *service.SubscriptionService, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		svc:      svc,
		validate: validator.New(),
		logger:   logger,
	}
}

// Register mounts the subscription routes.
func (h *SubscriptionHandler) Register(e *echo.Echo) {
	e.POST("/subscriptions", h.Create)
	e.GET("/subscriptions/:id", h.Get)
	e.POST("/subscriptions/:id/pause", h.Pause)
	e.POST("/subscriptions/:id/resume", h.Resume)
	e.POST("/subscriptions/:id/cancel", h.Cancel)
	e.POST("/subscriptions/:id/payment-method", h.AttachPaymentMethod)
	e.POST("/subscriptions/:id/setup-intent", h.CreateSetupIntent)
	e.GET("/subscriptions/:id/events", h.ListEvents)
}

type lineItemRequest struct {
	ProductID string `json:"product_id" validate:"required,uuid"`
	Quantity  int32  `json:"quantity" validate:"required,gt=0"`
}

type addressRequest struct {
	FullName     string `json:"full_name" validate:"required"`
	AddressLine1 string `json:"address_line1" validate:"required"`
	AddressLine2 string `json:"address_line2"`
	City         string `json:"city" validate:"required"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code" validate:"required"`
	Country      string `json:"country" validate:"required,len=2"`
	Phone        string `json:"phone"`
}

type createSubscriptionRequest struct {
	CustomerID             string            `json:"customer_id" validate:"required,uuid"`
	Cadence                string            `json:"cadence" validate:"required"`
	IntervalDays           int32             `json:"interval_days"`
	Items                  []lineItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingAddress        addressRequest    `json:"shipping_address" validate:"required"`
	GatewayCustomerID      string            `json:"gateway_customer_id"`
	GatewayPaymentMethodID string            `json:"gateway_payment_method_id"`
	FirstRenewalAt         *time.Time        `json:"first_renewal_at"`
}

type attachPaymentMethodRequest struct {
	PaymentMethodRef string `json:"payment_method_ref" validate:"required"`
	Email            string `json:"email" validate:"omitempty,email"`
	Name             string `json:"name"`
}

type setupIntentRequest struct {
	Email string `json:"email" validate:"omitempty,email"`
	Name  string `json:"name"`
}

func (h *SubscriptionHandler) Create(c echo.Context) error {
	var req createSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, domain.Errorf(domain.EINVALID, "", "Invalid request body"))
	}
	if err := h.validate.Struct(&req); err != nil {
		return validationResponse(c, err)
	}

	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		return errorResponse(c, domain.Errorf(domain.EINVALID, "", "Invalid customer id"))
	}

	items := make([]domain.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		productID, err := uuid.Parse(it.ProductID)
		if err != nil {
			return errorResponse(c, domain.Errorf(domain.EINVALID, "", "Invalid product id: %s", it.ProductID))
		}
		items = append(items, domain.LineItem{ProductID: productID, Quantity: it.Quantity})
	}

	params := service.CreateSubscriptionParams{
		CustomerID:              customerID,
		Cadence:                 domain.Cadence(req.Cadence),
		SpontaneousIntervalDays: req.IntervalDays,
		Items:                   items,
		ShippingAddress: domain.Address{
			FullName:     req.ShippingAddress.FullName,
			AddressLine1: req.ShippingAddress.AddressLine1,
			AddressLine2: req.ShippingAddress.AddressLine2,
			City:         req.ShippingAddress.City,
			State:        req.ShippingAddress.State,
			PostalCode:   req.ShippingAddress.PostalCode,
			Country:      req.ShippingAddress.Country,
			Phone:        req.ShippingAddress.Phone,
		},
		GatewayCustomerID:      req.GatewayCustomerID,
		GatewayPaymentMethodID: req.GatewayPaymentMethodID,
	}
	if req.FirstRenewalAt != nil {
		params.FirstRenewalAt = *req.FirstRenewalAt
	}

	sub, err := h.svc.CreateSubscription(c.Request().Context(), params)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, subscriptionView(sub))
}

func (h *SubscriptionHandler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	sub, err := h.svc.GetSubscription(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, subscriptionView(sub))
}

func (h *SubscriptionHandler) Pause(c echo.Context) error {
	return h.transition(c, h.svc.Pause)
}

func (h *SubscriptionHandler) Resume(c echo.Context) error {
	return h.transition(c, h.svc.Resume)
}

func (h *SubscriptionHandler) Cancel(c echo.Context) error {
	return h.transition(c, h.svc.Cancel)
}

func (h *SubscriptionHandler) AttachPaymentMethod(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return errorResponse(c, err)
	}

	var req attachPaymentMethodRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, domain.Errorf(domain.EINVALID, "", "Invalid request body"))
	}
	if err := h.validate.Struct(&req); err != nil {
		return validationResponse(c, err)
	}

	sub, err := h.svc.AttachPaymentMethod(c.Request().Context(), service.AttachPaymentMethodParams{
		SubscriptionID:   id,
		PaymentMethodRef: req.PaymentMethodRef,
		Email:            req.Email,
		Name:             req.Name,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, subscriptionView(sub))
}

func (h *SubscriptionHandler) CreateSetupIntent(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return errorResponse(c, err)
	}

	var req setupIntentRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, domain.Errorf(domain.EINVALID, "", "Invalid request body"))
	}
	if err := h.validate.Struct(&req); err != nil {
		return validationResponse(c, err)
	}

	clientSecret, customerRef, err := h.svc.CreateSetupIntent(c.Request().Context(), id, req.Email, req.Name)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"client_secret":        clientSecret,
		"gateway_customer_ref": customerRef,
	})
}

func (h *SubscriptionHandler) ListEvents(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	events, err := h.svc.ListEvents(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}

	views := make([]eventView, 0, len(events))
	for i := range events {
		views = append(views, eventViewOf(&events[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{"events": views})
}

// transition runs one state-machine operation identified by the :id param.
func (h *SubscriptionHandler) transition(c echo.Context, op func(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)) error {
	id, err := parseID(c)
	if err != nil {
		return errorResponse(c, err)
	}
	sub, err := op(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, subscriptionView(sub))
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, domain.Errorf(domain.EINVALID, "", "Invalid subscription id")
	}
	return id, nil
}
