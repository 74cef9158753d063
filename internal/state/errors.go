package state

import "errors"

// Fatal accumulator errors. Any of them aborts the epoch being processed.
var (
	// ErrOutOfOrderEvent: an event or snapshot precedes the accumulator's watermark
	ErrOutOfOrderEvent = errors.New("out-of-order event")

	// ErrEffectiveUserMismatch: the event's owner differs from the accumulator's owner
	ErrEffectiveUserMismatch = errors.New("effective user mismatch")

	// ErrInvalidInterestOperation: unrecognized interest policy
	ErrInvalidInterestOperation = errors.New("invalid interest operation")

	// ErrUnresolvedSnapshot: a delta snapshot reached the accumulator unresolved
	ErrUnresolvedSnapshot = errors.New("unresolved delta snapshot")
)
