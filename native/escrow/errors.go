package escrow

import "errors"

// Every failure is a precondition violation surfaced synchronously; the caller
// recovers by satisfying the violated condition and reissuing the call.
var (
	// ErrNotFound reports an unknown escrow identifier.
	ErrNotFound = errors.New("escrow: not found")

	// ErrUnauthorized reports a caller that does not hold the role required
	// for the attempted transition.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")

	// ErrInvalidState reports a transition attempted in a status that has no
	// such outgoing edge: terminal records, unfunded records, or a second
	// funding attempt.
	ErrInvalidState = errors.New("escrow: invalid state for operation")

	// ErrInvalidAmount reports a non-positive or missing escrow amount.
	ErrInvalidAmount = errors.New("escrow: invalid amount")

	// ErrInvalidDuration reports a non-positive escrow duration.
	ErrInvalidDuration = errors.New("escrow: invalid duration")

	// ErrValueMismatch reports a funding call whose attached value differs
	// from the escrow amount.
	ErrValueMismatch = errors.New("escrow: attached value does not equal amount")

	// ErrDeadlineNotReached reports a refund requested at or before the
	// deadline.
	ErrDeadlineNotReached = errors.New("escrow: deadline not reached")

	// ErrPaused reports a mutating call while the registry pause flag is set.
	ErrPaused = errors.New("escrow: registry is paused")

	// ErrTransferFailed wraps a value mover failure; the triggering call has
	// no effect on the record.
	ErrTransferFailed = errors.New("escrow: value transfer failed")
)
