package core

import "errors"

// Sentinel errors for the engine's failure taxonomy. Every error path
// leaves protocol state untouched; callers match with errors.Is.
var (
	// ErrInvalidParameter covers zero amounts, out-of-range leverage, and
	// malformed configuration passed to an operation.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrUnauthorized is returned when a caller acts on a position or
	// pending action it does not own before the validation deadline.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPaymentCallbackFailed is returned when an asset transfer that
	// should have moved funds did not.
	ErrPaymentCallbackFailed = errors.New("payment callback failed")

	// ErrCollectorNotificationFailed wraps a fee-collector notification
	// error. The triggering action fails and the fee transfer is undone.
	ErrCollectorNotificationFailed = errors.New("fee collector notification failed")

	// ErrNoPendingAction is returned when a validate call finds nothing to
	// validate for the given user.
	ErrNoPendingAction = errors.New("no pending action")
)
