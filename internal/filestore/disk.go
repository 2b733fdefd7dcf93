package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

var _ FileStorage = (*Disk)(nil)

// Disk stores files under a root directory on the local filesystem.
type Disk struct {
	root string
}

// NewDisk creates the root directory when missing and returns the
// adapter.
func NewDisk(root string) (*Disk, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrInvalidPath)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Disk{root: root}, nil
}

// Get loads one file. Returns ErrNotFound when absent.
func (d *Disk) Get(ctx context.Context, p string) ([]byte, error) {
	full, err := d.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

// Put stores one file. The write goes to a temporary sibling first so a
// crash never leaves a torn file at the final path.
func (d *Disk) Put(ctx context.Context, p string, data []byte) error {
	full, err := d.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", p, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", p, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("commit %s: %w", p, err)
	}
	return nil
}

// DeleteTree removes every file under prefix.
func (d *Disk) DeleteTree(ctx context.Context, prefix string) error {
	full, err := d.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("remove %s: %w", prefix, err)
	}
	return nil
}

// resolve maps a storage path onto the root directory.
func (d *Disk) resolve(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(clean)), nil
}
