package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/payroll-recon/payroll"
)

// =============================================================================
// RECONCILIATION JOBS STORE
// =============================================================================

const jobColumns = `id, tenant_id, payroll_run_id, status, error, attempts,
	queued_at, started_at, completed_at`

// SaveJob inserts or updates a job record.
func (s *Store) SaveJob(ctx context.Context, j payroll.ReconciliationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reconciliation_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			attempts = excluded.attempts,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.TenantID, j.RunID, j.Status, nullString(j.Error), j.Attempts,
		formatTime(j.QueuedAt), nullTime(j.StartedAt), nullTime(j.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, tenantID, jobID string) (*payroll.ReconciliationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM reconciliation_jobs WHERE tenant_id = ? AND id = ?",
		tenantID, jobID,
	)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", payroll.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns a tenant's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, tenantID string, status *payroll.JobStatus) ([]payroll.ReconciliationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + jobColumns + " FROM reconciliation_jobs WHERE tenant_id = ?"
	args := []any{tenantID}
	if status != nil {
		query += " AND status = ?"
		args = append(args, *status)
	}
	query += " ORDER BY queued_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []payroll.ReconciliationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (payroll.ReconciliationJob, error) {
	var (
		j                      payroll.ReconciliationJob
		errText                sql.NullString
		queuedAt               string
		startedAt, completedAt sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.TenantID, &j.RunID, &j.Status, &errText, &j.Attempts,
		&queuedAt, &startedAt, &completedAt,
	); err != nil {
		return j, err
	}
	j.Error = errText.String
	j.QueuedAt = parseTime(queuedAt)
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(completedAt)
	return j, nil
}
