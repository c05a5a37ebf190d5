package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrContended is returned by blocking acquisition when the context ends
	// before any candidate could be taken.
	ErrContended = errors.New("sortlock: all candidates contended")
	// ErrReleaseConflict means the unit was reclaimed or reassigned before
	// the holder released it. The store was left untouched.
	ErrReleaseConflict = errors.New("sortlock: release conflict")
	// ErrStoreUnavailable wraps transport failures reaching the score store.
	ErrStoreUnavailable = errors.New("sortlock: store unavailable")
	// ErrInvariantViolation reports a unit observed with more than one owner.
	ErrInvariantViolation = errors.New("sortlock: invariant violation")
	// ErrHandleConsumed is returned when a handle is released twice.
	ErrHandleConsumed = errors.New("sortlock: handle already consumed")
	// ErrForeignHandle is returned when a manager is given a handle it did not issue.
	ErrForeignHandle = errors.New("sortlock: handle issued by another owner")
)
