package inventory

import "errors"

var (
	// ErrValidation marks rejected input: bad quantities, duplicate lot
	// numbers, past expiration dates, adjustments below zero.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a lot, session, alert, or record that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientQuantity marks a deduction or draw larger than the
	// available balance.
	ErrInsufficientQuantity = errors.New("insufficient quantity")

	// ErrLotNotUsable marks a deduction against a lot whose effective
	// status does not permit use (expired, quarantined, recalled, damaged).
	ErrLotNotUsable = errors.New("lot not usable")

	// ErrSessionExpired marks a draw against a session past its stability
	// window. The session is moved to expired as a side effect.
	ErrSessionExpired = errors.New("session expired")

	// ErrAlreadyTerminal marks an operation against a session already in a
	// terminal state (expired, depleted, discarded).
	ErrAlreadyTerminal = errors.New("session already terminal")

	// ErrDoubleClose marks a close of a session that was already closed.
	ErrDoubleClose = errors.New("session already closed")

	// ErrConcurrencyConflict marks a version mismatch that survived the
	// bounded retry loop. The caller should re-read and retry.
	ErrConcurrencyConflict = errors.New("concurrent modification")

	// ErrVarianceDetected marks a lot whose cached quantity disagrees with
	// the fold of its transaction history.
	ErrVarianceDetected = errors.New("ledger variance detected")
)
