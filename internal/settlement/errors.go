package settlement

import "errors"

var (
	// ErrInvalidInput rejects a configure request; the position stays unconfigured.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidPositionState is returned when an operation needs lifecycle
	// fields the position does not have (or must not have).
	ErrInvalidPositionState = errors.New("invalid position state")
	// ErrPriceUnavailable marks an evaluation that could not be computed. It is
	// never reported as a zero P&L.
	ErrPriceUnavailable = errors.New("reference price unavailable")
	// ErrStaleTick is returned for an observation older than the last applied one.
	ErrStaleTick = errors.New("observation older than last tick")
	// ErrExpiryExceedsCeiling is only returned when strict expiry is enabled.
	ErrExpiryExceedsCeiling = errors.New("requested expiry exceeds platform ceiling")
)
