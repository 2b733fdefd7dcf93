package filestore

import (
	"context"
	"strings"
	"sync"
)

var _ FileStorage = (*Memory)(nil)

// Memory keeps files in a map. It backs tests and the dev CLI.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

// Get loads one file. Returns ErrNotFound when absent.
func (m *Memory) Get(ctx context.Context, p string) ([]byte, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[clean]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Put stores one file, replacing any existing content.
func (m *Memory) Put(ctx context.Context, p string, data []byte) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[clean] = append([]byte(nil), data...)
	return nil
}

// DeleteTree removes every file under prefix.
func (m *Memory) DeleteTree(ctx context.Context, prefix string) error {
	clean, err := cleanPath(prefix)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.files {
		if key == clean || strings.HasPrefix(key, clean+"/") {
			delete(m.files, key)
		}
	}
	return nil
}
