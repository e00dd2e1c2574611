package dialer

import "errors"

var (
	// ErrPlacementFailure means the gateway could not originate or
	// terminate a call. It is never retried automatically.
	ErrPlacementFailure = errors.New("placement failure")

	// ErrSessionExpired means the session was garbage-collected; the caller
	// must start a new one.
	ErrSessionExpired = errors.New("session expired")

	// ErrCapacityReached means the fleet-wide concurrent call cap is full.
	ErrCapacityReached = errors.New("concurrent call capacity reached")

	ErrInvalidArgument = errors.New("invalid argument")
)
