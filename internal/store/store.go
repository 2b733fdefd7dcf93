// Package store persists plugins, their execution history, and the
// per-plugin key/value documents guest code reads and writes through the
// db binding. Two adapters implement the ports: MySQL for durable
// deployments and Memory for tests and single-process runs.
package store

import (
	"context"
	"time"

	"github.com/dshills/enclave/internal/plugin"
)

// ExecutionRecord is one finished run of a plugin, appended to the
// execution history alongside the statistics fold.
type ExecutionRecord struct {
	ID            string    `json:"id"`
	PluginID      string    `json:"pluginId"`
	TenantID      string    `json:"tenantId"`
	Success       bool      `json:"success"`
	ExecutionTime float64   `json:"executionTime"`
	MemoryUsed    int64     `json:"memoryUsed"`
	CPUUsed       float64   `json:"cpuUsed"`
	Error         string    `json:"error,omitempty"`
	Logs          []string  `json:"logs,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// PluginRepository is the persistence port for plugin entities.
//
// Update persists identity, status, manifest, and configuration only.
// The statistics columns (executionCount, errorCount,
// averageExecutionTime, lastExecutedAt) are owned by RecordExecution,
// which folds one outcome atomically; concurrent updates therefore never
// lose execution counts to a stale read.
type PluginRepository interface {
	// Create stores a new plugin. Returns ErrConflict when the id exists.
	Create(ctx context.Context, p plugin.Plugin) error

	// FindByID loads one plugin. Returns ErrNotFound when absent.
	FindByID(ctx context.Context, id string) (plugin.Plugin, error)

	// FindByTenant loads every plugin owned by a tenant, newest first.
	FindByTenant(ctx context.Context, tenantID string) ([]plugin.Plugin, error)

	// Update persists the non-statistics fields of p. Returns ErrNotFound
	// when the plugin does not exist.
	Update(ctx context.Context, p plugin.Plugin) error

	// RecordExecution folds one outcome into the plugin's statistics and
	// appends rec to the execution history in the same atomic step.
	RecordExecution(ctx context.Context, pluginID string, rec ExecutionRecord) error

	// ListExecutions returns up to limit history records for a plugin,
	// newest first. limit <= 0 means a default page.
	ListExecutions(ctx context.Context, pluginID string, limit int) ([]ExecutionRecord, error)
}

// KVStore is the persistence port behind the guest db binding. Documents
// are JSON text scoped to (tenant, plugin), so no plugin can read another
// plugin's keys and no tenant can reach across.
type KVStore interface {
	// Get loads a document. Returns ErrNotFound when the key is absent.
	Get(ctx context.Context, tenantID, pluginID, key string) (string, error)

	// Set stores a document, replacing any existing value.
	Set(ctx context.Context, tenantID, pluginID, key, document string) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, tenantID, pluginID, key string) error
}
