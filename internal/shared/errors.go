package shared

import "errors"

var (
	// ErrLockNotAcquired is returned when another worker holds the lock.
	ErrLockNotAcquired = errors.New("lock held by another worker")
	// ErrIdempotencyConflict indicates a duplicate key.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
	// ErrIdempotencyInProgress indicates the key is claimed by an attempt that has not finished.
	ErrIdempotencyInProgress = errors.New("idempotent request still in progress")
)
