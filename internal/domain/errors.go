package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDataUnavailable means the snapshot provider could not be reached.
	// Decisions are skipped for the tick; monitoring continues.
	ErrDataUnavailable = errors.New("market data unavailable")
	// ErrDataStale means market data was returned but is older than the
	// staleness bound.
	ErrDataStale = errors.New("market data stale")
	// ErrConflictingTransition means another actor changed the status first.
	// It is a lost race, not a failure.
	ErrConflictingTransition = errors.New("conflicting transition")
	// ErrDispatchFailure means a close order was rejected or timed out after
	// all retry attempts.
	ErrDispatchFailure = errors.New("dispatch failure")
	// ErrUnrecoverableLedger means the trade ledger has been unreachable for
	// several consecutive ticks.
	ErrUnrecoverableLedger = errors.New("trade ledger unreachable")
)
