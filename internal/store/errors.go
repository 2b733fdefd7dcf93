package store

import "errors"

// Storage errors. Adapters translate driver-specific failures into these
// sentinels so callers can branch with errors.Is.
var (
	// ErrNotFound is returned when a plugin, execution, or document does
	// not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a create collides with an existing id.
	ErrConflict = errors.New("store: already exists")
)
