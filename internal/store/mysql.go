package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/dshills/enclave/internal/plugin"
)

// Interface guards.
var (
	_ PluginRepository = (*MySQL)(nil)
	_ KVStore          = (*MySQL)(nil)
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute

	defaultHistoryPage = 50

	// MySQL error 1062: duplicate entry for a unique key.
	dupEntryErrNo = 1062
)

// pluginColumns is the scan order shared by every plugin SELECT.
const pluginColumns = `id, tenant_id, uploaded_by, status, manifest, configuration,
	execution_count, error_count, average_execution_time,
	created_at, updated_at, installed_at, last_executed_at`

// MySQL implements PluginRepository and KVStore on a MySQL database.
// Timestamps are stored as unix milliseconds, the manifest and
// configuration as JSON text.
type MySQL struct {
	db *sql.DB
}

// MySQLOptions configures the connection pool. Zero values fall back
// to the package defaults.
type MySQLOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQL opens a connection pool, verifies connectivity, and creates
// the schema when missing.
func NewMySQL(opts MySQLOptions) (*MySQL, error) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = defaultMaxOpenConns
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = defaultMaxIdleConns
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = defaultConnMaxLifetime
	}

	db, err := sql.Open("mysql", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQL{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *MySQL) Close() error {
	return s.db.Close()
}

func (s *MySQL) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plugins (
			id VARCHAR(64) PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			uploaded_by VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			manifest TEXT NOT NULL,
			configuration TEXT,
			execution_count BIGINT NOT NULL DEFAULT 0,
			error_count BIGINT NOT NULL DEFAULT 0,
			average_execution_time DOUBLE NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			installed_at BIGINT,
			last_executed_at BIGINT,
			INDEX idx_plugins_tenant (tenant_id, created_at),
			INDEX idx_plugins_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS plugin_executions (
			id VARCHAR(64) PRIMARY KEY,
			plugin_id VARCHAR(64) NOT NULL,
			tenant_id VARCHAR(64) NOT NULL,
			success TINYINT(1) NOT NULL,
			execution_time DOUBLE NOT NULL,
			memory_used BIGINT NOT NULL DEFAULT 0,
			cpu_used DOUBLE NOT NULL DEFAULT 0,
			error TEXT,
			logs TEXT,
			created_at BIGINT NOT NULL,
			INDEX idx_executions_plugin (plugin_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS plugin_kv (
			tenant_id VARCHAR(64) NOT NULL,
			plugin_id VARCHAR(64) NOT NULL,
			kv_key VARCHAR(191) NOT NULL,
			document TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, plugin_id, kv_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Create stores a new plugin. Returns ErrConflict when the id exists.
func (s *MySQL) Create(ctx context.Context, p plugin.Plugin) error {
	manifest, configuration, err := encodePluginDocs(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO plugins
		(id, tenant_id, uploaded_by, status, manifest, configuration,
		 execution_count, error_count, average_execution_time,
		 created_at, updated_at, installed_at, last_executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.UploadedBy, p.Status.String(), manifest, configuration,
		p.ExecutionCount, p.ErrorCount, p.AverageExecutionTime,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
		nullMillis(p.InstalledAt), nullMillis(p.LastExecutedAt))
	if isDupEntry(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert plugin: %w", err)
	}
	return nil
}

// FindByID loads one plugin. Returns ErrNotFound when absent.
func (s *MySQL) FindByID(ctx context.Context, id string) (plugin.Plugin, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE id = ?`, id)
	p, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return plugin.Plugin{}, ErrNotFound
	}
	if err != nil {
		return plugin.Plugin{}, fmt.Errorf("select plugin: %w", err)
	}
	return p, nil
}

// FindByTenant loads every plugin owned by a tenant, newest first.
func (s *MySQL) FindByTenant(ctx context.Context, tenantID string) ([]plugin.Plugin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins
		 WHERE tenant_id = ? ORDER BY created_at DESC, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("select tenant plugins: %w", err)
	}
	defer rows.Close()

	var out []plugin.Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plugins: %w", err)
	}
	return out, nil
}

// Update persists the non-statistics fields of p. The statistics columns
// stay untouched so a concurrent RecordExecution is never overwritten by
// a plugin loaded before it ran.
func (s *MySQL) Update(ctx context.Context, p plugin.Plugin) error {
	manifest, configuration, err := encodePluginDocs(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE plugins SET
		status = ?, manifest = ?, configuration = ?,
		updated_at = ?, installed_at = ?
		WHERE id = ?`,
		p.Status.String(), manifest, configuration,
		p.UpdatedAt.UnixMilli(), nullMillis(p.InstalledAt), p.ID)
	if err != nil {
		return fmt.Errorf("update plugin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update plugin: %w", err)
	}
	if n == 0 {
		// MySQL reports zero affected rows for a no-op update too, so
		// distinguish an absent row from an identical one.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM plugins WHERE id = ?`, p.ID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("update plugin: %w", err)
		}
	}
	return nil
}

// RecordExecution folds one outcome into the statistics columns and
// appends the history record in a single transaction. The average is
// recomputed from the stored aggregate inside the UPDATE, so concurrent
// executions serialize on the row instead of losing counts.
func (s *MySQL) RecordExecution(ctx context.Context, pluginID string, rec ExecutionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record execution: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	failed := 0
	if !rec.Success {
		failed = 1
	}
	now := rec.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// SET clauses evaluate left to right against already-assigned values,
	// so the mean must be folded before the count is incremented.
	res, err := tx.ExecContext(ctx, `UPDATE plugins SET
		average_execution_time = (average_execution_time * execution_count + ?) / (execution_count + 1),
		execution_count = execution_count + 1,
		error_count = error_count + ?,
		last_executed_at = ?,
		updated_at = ?
		WHERE id = ?`,
		rec.ExecutionTime, failed, now.UnixMilli(), now.UnixMilli(), pluginID)
	if err != nil {
		return fmt.Errorf("fold execution stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fold execution stats: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO plugin_executions
		(id, plugin_id, tenant_id, success, execution_time, memory_used,
		 cpu_used, error, logs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, pluginID, rec.TenantID, rec.Success, rec.ExecutionTime,
		rec.MemoryUsed, rec.CPUUsed, nullString(rec.Error),
		nullString(strings.Join(rec.Logs, "\n")), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record execution: %w", err)
	}
	return nil
}

// ListExecutions returns up to limit history records, newest first.
func (s *MySQL) ListExecutions(ctx context.Context, pluginID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryPage
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, plugin_id, tenant_id, success, execution_time, memory_used,
		cpu_used, error, logs, created_at
		FROM plugin_executions WHERE plugin_id = ?
		ORDER BY created_at DESC, id LIMIT ?`, pluginID, limit)
	if err != nil {
		return nil, fmt.Errorf("select executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var (
			rec       ExecutionRecord
			errText   sql.NullString
			logsText  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.PluginID, &rec.TenantID, &rec.Success,
			&rec.ExecutionTime, &rec.MemoryUsed, &rec.CPUUsed,
			&errText, &logsText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.Error = errText.String
		if logsText.String != "" {
			rec.Logs = strings.Split(logsText.String, "\n")
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// Get loads a document. Returns ErrNotFound when the key is absent.
func (s *MySQL) Get(ctx context.Context, tenantID, pluginID, key string) (string, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM plugin_kv
		 WHERE tenant_id = ? AND plugin_id = ? AND kv_key = ?`,
		tenantID, pluginID, key).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select document: %w", err)
	}
	return document, nil
}

// Set stores a document, replacing any existing value.
func (s *MySQL) Set(ctx context.Context, tenantID, pluginID, key, document string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO plugin_kv
		(tenant_id, plugin_id, kv_key, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE document = VALUES(document), updated_at = VALUES(updated_at)`,
		tenantID, pluginID, key, document, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *MySQL) Delete(ctx context.Context, tenantID, pluginID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_kv WHERE tenant_id = ? AND plugin_id = ? AND kv_key = ?`,
		tenantID, pluginID, key)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// encodePluginDocs marshals the manifest and configuration columns.
func encodePluginDocs(p plugin.Plugin) (string, sql.NullString, error) {
	raw, err := json.Marshal(p.Manifest)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode manifest: %w", err)
	}
	var configuration sql.NullString
	if len(p.Configuration) > 0 {
		cfg, err := json.Marshal(p.Configuration)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("encode configuration: %w", err)
		}
		configuration = sql.NullString{String: string(cfg), Valid: true}
	}
	return string(raw), configuration, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanPlugin.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row rowScanner) (plugin.Plugin, error) {
	var (
		p              plugin.Plugin
		status         string
		manifest       string
		configuration  sql.NullString
		createdAt      int64
		updatedAt      int64
		installedAt    sql.NullInt64
		lastExecutedAt sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.UploadedBy, &status,
		&manifest, &configuration,
		&p.ExecutionCount, &p.ErrorCount, &p.AverageExecutionTime,
		&createdAt, &updatedAt, &installedAt, &lastExecutedAt); err != nil {
		return plugin.Plugin{}, err
	}

	m, err := plugin.DecodeManifest([]byte(manifest))
	if err != nil {
		return plugin.Plugin{}, fmt.Errorf("decode manifest for %s: %w", p.ID, err)
	}
	p.Manifest = m
	p.Status = plugin.Status(status)

	if configuration.Valid && configuration.String != "" {
		cfg := make(map[string]any)
		if err := json.Unmarshal([]byte(configuration.String), &cfg); err != nil {
			return plugin.Plugin{}, fmt.Errorf("decode configuration for %s: %w", p.ID, err)
		}
		p.Configuration = cfg
	}

	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	p.InstalledAt = fromNullMillis(installedAt)
	p.LastExecutedAt = fromNullMillis(lastExecutedAt)
	return p, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isDupEntry reports whether err is the MySQL duplicate-key error.
func isDupEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == dupEntryErrNo
}
