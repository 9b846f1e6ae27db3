package domain

import "errors"

var (
	// ErrNotFound is returned by repository lookups when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrNotYetKnown signals that a handler needs an entity (usually the
	// listing) that has not arrived locally yet. The message is parked as
	// WAITING and retried on a later poll cycle.
	ErrNotYetKnown = errors.New("referenced entity not yet known")

	// ErrProtocolViolation marks a terminal failure: signature or hash
	// mismatch, out-of-order action, double bid, insufficient funds. The
	// message is marked PROCESSING_FAILED and never retried.
	ErrProtocolViolation = errors.New("protocol violation")
)
