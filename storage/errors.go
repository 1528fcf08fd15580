package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a row is not found.
	ErrNotFound = errors.New("row not found")

	// ErrExists is returned when creating a row whose key already exists.
	ErrExists = errors.New("row already exists")

	// ErrConflict is returned when a compare-and-swap update lost the race.
	ErrConflict = errors.New("revision conflict")
)
