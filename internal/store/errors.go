package store

import "errors"

// Store errors.
var (
	// ErrNotFound indicates no row matched the requested identifier.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates a required field was missing or out of range.
	ErrInvalidInput = errors.New("invalid input")
)
