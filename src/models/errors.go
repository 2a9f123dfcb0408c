package models

import "errors"

// Sentinel errors for the ledger and its collaborators. Callers match with
// errors.Is; wrapped messages carry the detail.
var (
	// ErrValidation rejects an order or filter before any state change.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientPosition rejects a SELL exceeding the held quantity.
	ErrInsufficientPosition = errors.New("insufficient position")

	// ErrUpstreamUnavailable marks a quote or FX collaborator failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrConcurrencyConflict is returned after bounded retries on a
	// concurrent update of the same position; safe to retry.
	ErrConcurrencyConflict = errors.New("concurrent update conflict")

	// ErrPersistence is fatal for the operation; nothing was applied.
	ErrPersistence = errors.New("persistence failure")

	// ErrFeeSchedule marks a broker fee schedule lookup failure.
	ErrFeeSchedule = errors.New("fee schedule lookup failed")
)
