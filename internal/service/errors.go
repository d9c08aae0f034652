package service

import (
	"github.com/rowanvale/iduna/internal/domain"
)

// Subscription lookup and validation errors.
var (
	ErrSubscriptionNotFound = domain.Errorf(domain.ENOTFOUND, "", "Subscription not found")
	ErrInvalidCadence       = domain.Errorf(domain.EINVALID, "", "Invalid billing cadence")
	ErrEmptyBasket          = domain.Errorf(domain.EINVALID, "", "Subscription must contain at least one item")
	ErrInvalidQuantity      = domain.Errorf(domain.EINVALID, "", "Quantity must be greater than 0")
)

// State transition errors.
var (
	ErrSubscriptionTerminal  = domain.Errorf(domain.EGONE, "", "Subscription is cancelled or expired")
	ErrSubscriptionNotPaused = domain.Errorf(domain.EINVALID, "", "Subscription is not paused")
	ErrAlreadyPaused         = domain.Errorf(domain.ECONFLICT, "", "Subscription is already paused")
)

// Billing errors.
var (
	ErrNoPaymentMethod = domain.Errorf(domain.EPAYMENT, "", "No payment method on file")
	ErrBeingProcessed  = domain.Errorf(domain.ECONFLICT, "", "Subscription is currently being processed")
)
