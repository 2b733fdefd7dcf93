// Package filestore stores plugin file sets. Paths are slash-separated
// and follow the plugins/<tenant>/<name>/<version>/files/<file> layout;
// adapters exist for local disk and for memory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Storage errors.
var (
	// ErrNotFound is returned when no file exists at the path.
	ErrNotFound = errors.New("filestore: not found")

	// ErrInvalidPath is returned for absolute paths or paths that escape
	// the storage root.
	ErrInvalidPath = errors.New("filestore: invalid path")
)

// FileStorage is the port the installer writes through and the
// orchestrator reads through.
type FileStorage interface {
	// Get loads one file. Returns ErrNotFound when absent.
	Get(ctx context.Context, path string) ([]byte, error)

	// Put stores one file, replacing any existing content.
	Put(ctx context.Context, path string, data []byte) error

	// DeleteTree removes every file under prefix. Removing an absent
	// tree is not an error.
	DeleteTree(ctx context.Context, prefix string) error
}

// PluginPath returns the storage path of one plugin file.
func PluginPath(tenantID, name, version, file string) string {
	return path.Join("plugins", tenantID, name, version, "files", file)
}

// PluginRoot returns the storage prefix holding every file of one plugin
// version. DeleteTree on this prefix removes the whole set.
func PluginRoot(tenantID, name, version string) string {
	return path.Join("plugins", tenantID, name, version)
}

// cleanPath normalizes p and rejects anything that could escape the
// storage root.
func cleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return clean, nil
}
