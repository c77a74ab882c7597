package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a session does not exist or belongs to
	// another owner.
	ErrNotFound = errors.New("session not found")

	// ErrUnavailable is returned when the backing database cannot be
	// reached. Callers may retry.
	ErrUnavailable = errors.New("conversation store unavailable")
)
