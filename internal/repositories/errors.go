package repositories

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a conditional write lost a race with another writer.
	ErrVersionConflict = errors.New("record was modified concurrently")
	// ErrDuplicatePending is returned when an order already has a pending payment attempt.
	ErrDuplicatePending = errors.New("order already has a pending payment")
)
