package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when a write would violate a uniqueness
	// constraint.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation or a
	// database constraint before being stored.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrUpdateFailed is returned when an update matched no row in the
	// expected state.
	ErrUpdateFailed = errors.New("update failed")

	// ErrTransactionFailed is returned when a transaction cannot begin or
	// commit.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrOperationNotFound indicates that the bulk operation does not exist.
	ErrOperationNotFound = fmt.Errorf("%w: operation", ErrNotFound)

	// ErrScheduleNotFound indicates that the recurring registration does not exist.
	ErrScheduleNotFound = fmt.Errorf("%w: schedule", ErrNotFound)

	// ErrOperationCodeExists is returned when a generated operation code
	// collides with an existing one.
	ErrOperationCodeExists = fmt.Errorf("%w: operation code", ErrDuplicate)
)

// IsNotFoundError reports whether err is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError reports whether err is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
