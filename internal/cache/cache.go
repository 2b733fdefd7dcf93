// Package cache backs the guest cache binding. Redis serves shared
// deployments; the memory adapter serves tests and single-process runs.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned on a cache miss so callers can tell a miss
// from a backend failure.
var ErrNotFound = errors.New("cache: not found")

// Cache is the port the cache binding talks to. Values are opaque
// strings; key scoping is the caller's concern.
type Cache interface {
	// Get loads a value. Returns ErrNotFound on a miss.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
