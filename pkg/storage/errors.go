package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a conversation has no stored session.
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned when a conversation already has a session.
	ErrConflict = errors.New("session already exists")
)
