package store

import "errors"

var (
	// ErrNotFound is returned when the subscription id is unknown.
	ErrNotFound = errors.New("store: subscription not found")

	// ErrConflict is returned by Save when the stored version changed since
	// the record was loaded. The caller must reload and retry the decision.
	ErrConflict = errors.New("store: concurrent modification")

	// ErrAlreadyClaimed is returned by Claim while another holder's claim
	// has not expired.
	ErrAlreadyClaimed = errors.New("store: subscription already claimed")

	// ErrDuplicateEvent is returned when a ledger entry carries a gateway
	// transaction reference that was already recorded.
	ErrDuplicateEvent = errors.New("store: duplicate gateway transaction reference")
)
