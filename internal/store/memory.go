package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dshills/enclave/internal/plugin"
)

// Interface guards.
var (
	_ PluginRepository = (*Memory)(nil)
	_ KVStore          = (*Memory)(nil)
)

// docKey scopes a stored document to one plugin of one tenant.
type docKey struct {
	tenantID string
	pluginID string
	key      string
}

// Memory implements both ports in process. It backs tests and
// single-node deployments that run without MySQL.
type Memory struct {
	mu         sync.RWMutex
	plugins    map[string]plugin.Plugin
	executions map[string][]ExecutionRecord
	documents  map[docKey]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		plugins:    make(map[string]plugin.Plugin),
		executions: make(map[string][]ExecutionRecord),
		documents:  make(map[docKey]string),
	}
}

// Create stores a new plugin. Returns ErrConflict when the id exists.
func (m *Memory) Create(ctx context.Context, p plugin.Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plugins[p.ID]; ok {
		return ErrConflict
	}
	m.plugins[p.ID] = p.Clone()
	return nil
}

// FindByID loads one plugin. Returns ErrNotFound when absent.
func (m *Memory) FindByID(ctx context.Context, id string) (plugin.Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[id]
	if !ok {
		return plugin.Plugin{}, ErrNotFound
	}
	return p.Clone(), nil
}

// FindByTenant loads every plugin owned by a tenant, newest first.
func (m *Memory) FindByTenant(ctx context.Context, tenantID string) ([]plugin.Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []plugin.Plugin
	for _, p := range m.plugins {
		if p.TenantID == tenantID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update persists the non-statistics fields of p. The stored statistics
// survive so a concurrent RecordExecution is never overwritten by a
// plugin loaded before it ran.
func (m *Memory) Update(ctx context.Context, p plugin.Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.plugins[p.ID]
	if !ok {
		return ErrNotFound
	}
	next := p.Clone()
	next.ExecutionCount = cur.ExecutionCount
	next.ErrorCount = cur.ErrorCount
	next.AverageExecutionTime = cur.AverageExecutionTime
	next.LastExecutedAt = cur.LastExecutedAt
	m.plugins[p.ID] = next
	return nil
}

// RecordExecution folds one outcome into the plugin's statistics and
// appends rec to the history under the same lock.
func (m *Memory) RecordExecution(ctx context.Context, pluginID string, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.plugins[pluginID]
	if !ok {
		return ErrNotFound
	}
	m.plugins[pluginID] = cur.RecordExecution(rec.ExecutionTime, rec.Success)

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Logs != nil {
		rec.Logs = append([]string(nil), rec.Logs...)
	}
	rec.PluginID = pluginID
	m.executions[pluginID] = append(m.executions[pluginID], rec)
	return nil
}

// ListExecutions returns up to limit history records, newest first.
func (m *Memory) ListExecutions(ctx context.Context, pluginID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryPage
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.executions[pluginID]
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]ExecutionRecord, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		if rec.Logs != nil {
			rec.Logs = append([]string(nil), rec.Logs...)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get loads a document. Returns ErrNotFound when the key is absent.
func (m *Memory) Get(ctx context.Context, tenantID, pluginID, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[docKey{tenantID, pluginID, key}]
	if !ok {
		return "", ErrNotFound
	}
	return doc, nil
}

// Set stores a document, replacing any existing value.
func (m *Memory) Set(ctx context.Context, tenantID, pluginID, key, document string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[docKey{tenantID, pluginID, key}] = document
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (m *Memory) Delete(ctx context.Context, tenantID, pluginID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, docKey{tenantID, pluginID, key})
	return nil
}
