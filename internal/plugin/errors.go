package plugin

import "errors"

// Domain errors.
var (
	// ErrInvalidTransition is returned when a status change is not allowed
	// by the lifecycle graph.
	ErrInvalidTransition = errors.New("plugin: invalid status transition")

	// ErrInvalidManifest is returned when manifest JSON cannot be decoded.
	ErrInvalidManifest = errors.New("plugin: invalid manifest")
)
