/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the reconciliation core with raw
  database/sql on SQLite. The same statements run on PostgreSQL with minor
  dialect changes.

INTERFACES IMPLEMENTED:
  payroll.RunStore:            Runs and line items
  payroll.AnomalyStore:        Generation-scoped anomalies and resolutions
  payroll.JobStore:            Deferred reconciliation jobs
  payroll.EmployeeStore:       Employee directory
  payroll.RecommendationStore: Compensation cycles and recommendations
  payroll.AuditLog:            Tenant audit trail

TENANCY:
  Every table carries tenant_id and every query filters on it. A row of one
  tenant is invisible to every other tenant, including by primary key.

KEY TABLES:
  payroll_runs:        One row per run; generation is the visible anomaly set
  line_items:          Immutable once written; seq keeps import order
  anomalies:           Rows of the current (and, mid-swap, next) generation
  anomaly_resolutions: Human sign-offs keyed by anomaly fingerprint
  reconciliation_jobs: Deferred detection passes
  employees, compensation_cycles, recommendations, audit_log: trace sources

GENERATION SWAP:
  ReplaceAnomalies runs in one transaction: bump the run's generation with
  "WHERE generation = expected", insert the new rows, delete older rows.
  Readers filter on the run's generation, so they see the old set or the new
  set, never a mix.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. ":memory:" databases are pinned to a
  single connection because every new connection would open an empty database.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging): readers don't block the
  single writer.

USAGE:
  store, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - payroll/store.go: Interface definitions
  - detection/engine.go: Main writer
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// insertBatchSize bounds rows per multi-row INSERT.
const insertBatchSize = 1000

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Payroll runs
	CREATE TABLE IF NOT EXISTS payroll_runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		period TEXT NOT NULL,
		status TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		employee_count INTEGER NOT NULL DEFAULT 0,
		total_gross TEXT NOT NULL DEFAULT '0',
		total_net TEXT NOT NULL DEFAULT '0',
		generation INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Baseline selection: historical runs by tenant, most recent period first
	CREATE INDEX IF NOT EXISTS idx_runs_tenant_status_period
		ON payroll_runs(tenant_id, status, period DESC);

	-- Line items (immutable)
	CREATE TABLE IF NOT EXISTS line_items (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		payroll_run_id TEXT NOT NULL REFERENCES payroll_runs(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		employee_id TEXT NOT NULL,
		component TEXT NOT NULL,
		amount TEXT NOT NULL,
		previous_amount TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	-- Batched load (hot path): pages ordered by employee
	CREATE INDEX IF NOT EXISTS idx_line_items_run_employee
		ON line_items(tenant_id, payroll_run_id, employee_id, seq);

	-- Anomalies, one set per generation
	CREATE TABLE IF NOT EXISTS anomalies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		payroll_run_id TEXT NOT NULL REFERENCES payroll_runs(id) ON DELETE CASCADE,
		generation INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		employee_id TEXT NOT NULL,
		anomaly_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		details_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(payroll_run_id, generation, fingerprint)
	);

	CREATE INDEX IF NOT EXISTS idx_anomalies_run_generation
		ON anomalies(tenant_id, payroll_run_id, generation, seq);

	-- Resolutions survive re-scans: keyed by fingerprint, not anomaly id
	CREATE TABLE IF NOT EXISTS anomaly_resolutions (
		tenant_id TEXT NOT NULL,
		payroll_run_id TEXT NOT NULL REFERENCES payroll_runs(id) ON DELETE CASCADE,
		fingerprint TEXT NOT NULL,
		resolved_by TEXT NOT NULL,
		resolved_at TEXT NOT NULL,
		notes TEXT,
		PRIMARY KEY (tenant_id, payroll_run_id, fingerprint)
	);

	-- Deferred reconciliation jobs
	CREATE TABLE IF NOT EXISTS reconciliation_jobs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		payroll_run_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		queued_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_tenant_status
		ON reconciliation_jobs(tenant_id, status);

	-- Employees
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		currency TEXT,
		manager_id TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	-- Compensation cycles and recommendations
	CREATE TABLE IF NOT EXISTS compensation_cycles (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS recommendations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		cycle_id TEXT,
		rec_type TEXT NOT NULL,
		current_value TEXT NOT NULL,
		proposed_value TEXT NOT NULL,
		justification TEXT,
		status TEXT NOT NULL,
		submitted_by TEXT,
		approver_id TEXT,
		approved_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recommendations_employee
		ON recommendations(tenant_id, employee_id);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		changes_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(tenant_id, entity_type, entity_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ResetTenant deletes every row of one tenant. Used by demo scenarios.
func (s *Store) ResetTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"anomaly_resolutions", "anomalies", "line_items", "reconciliation_jobs",
		"payroll_runs", "recommendations", "compensation_cycles", "audit_log", "employees",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE tenant_id = ?", tenantID); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// parseAmount reads a decimal column; malformed values read as zero.
func parseAmount(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rowsPlaceholders returns "(?, ?), (?, ?)" for rows of width columns.
func rowsPlaceholders(rows, width int) string {
	row := "(" + placeholders(width) + ")"
	parts := make([]string, rows)
	for i := range parts {
		parts[i] = row
	}
	return strings.Join(parts, ", ")
}
