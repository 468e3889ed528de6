package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/payroll-recon/payroll"
)

// =============================================================================
// ANOMALIES (payroll.AnomalyStore)
// =============================================================================

// ReplaceAnomalies installs anomalies as the run's next generation.
func (s *Store) ReplaceAnomalies(ctx context.Context, tenantID, runID string, expectedGeneration int64, anomalies []payroll.Anomaly) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	next := expectedGeneration + 1
	res, err := tx.ExecContext(ctx, `
		UPDATE payroll_runs SET generation = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND generation = ?
	`, next, formatTime(s.now()), tenantID, runID, expectedGeneration)
	if err != nil {
		return 0, fmt.Errorf("failed to advance generation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM payroll_runs WHERE tenant_id = ? AND id = ?", tenantID, runID,
		).Scan(&exists); err != nil {
			return 0, err
		}
		if exists == 0 {
			return 0, fmt.Errorf("%w: %s", payroll.ErrRunNotFound, runID)
		}
		return 0, fmt.Errorf("%w: run %s is no longer at generation %d", payroll.ErrConcurrentModification, runID, expectedGeneration)
	}

	for start := 0; start < len(anomalies); start += insertBatchSize {
		end := min(start+insertBatchSize, len(anomalies))
		if err := insertAnomalies(ctx, tx, anomalies[start:end], next, start); err != nil {
			return 0, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM anomalies WHERE tenant_id = ? AND payroll_run_id = ? AND generation < ?",
		tenantID, runID, next,
	); err != nil {
		return 0, fmt.Errorf("failed to drop old generations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func insertAnomalies(ctx context.Context, db execer, anomalies []payroll.Anomaly, generation int64, seqOffset int) error {
	const width = 11
	args := make([]any, 0, len(anomalies)*width)
	for i, a := range anomalies {
		details, err := payroll.EncodeDetails(a.Details)
		if err != nil {
			return fmt.Errorf("failed to encode details of %s: %w", a.ID, err)
		}
		args = append(args,
			a.ID, a.TenantID, a.PayrollRunID, generation, seqOffset+i, a.EmployeeID,
			a.Type, a.Severity, a.Fingerprint, string(details), formatTime(a.CreatedAt),
		)
	}
	query := `INSERT INTO anomalies
		(id, tenant_id, payroll_run_id, generation, seq, employee_id, anomaly_type, severity,
		 fingerprint, details_json, created_at)
		VALUES ` + rowsPlaceholders(len(anomalies), width)
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert anomalies: %w", err)
	}
	return nil
}

const anomalySelect = `
	SELECT a.id, a.tenant_id, a.payroll_run_id, a.generation, a.employee_id, a.anomaly_type,
	       a.severity, a.fingerprint, a.details_json, a.created_at,
	       r.resolved_by, r.resolved_at, r.notes
	FROM anomalies a
	JOIN payroll_runs p
	  ON p.tenant_id = a.tenant_id AND p.id = a.payroll_run_id AND p.generation = a.generation
	LEFT JOIN anomaly_resolutions r
	  ON r.tenant_id = a.tenant_id AND r.payroll_run_id = a.payroll_run_id AND r.fingerprint = a.fingerprint
`

// severityOrder sorts CRITICAL first.
const severityOrder = `CASE a.severity
	WHEN 'CRITICAL' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 ELSE 3 END`

// ListAnomalies reads the run's current generation, most severe first.
func (s *Store) ListAnomalies(ctx context.Context, tenantID, runID string, filter payroll.AnomalyFilter) ([]payroll.Anomaly, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"a.tenant_id = ?", "a.payroll_run_id = ?"}
	args := []any{tenantID, runID}
	if filter.Severity != nil {
		where = append(where, "a.severity = ?")
		args = append(args, *filter.Severity)
	}
	if filter.Type != nil {
		where = append(where, "a.anomaly_type = ?")
		args = append(args, *filter.Type)
	}
	if filter.EmployeeID != "" {
		where = append(where, "a.employee_id = ?")
		args = append(args, filter.EmployeeID)
	}
	if filter.Resolved != nil {
		if *filter.Resolved {
			where = append(where, "r.fingerprint IS NOT NULL")
		} else {
			where = append(where, "r.fingerprint IS NULL")
		}
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM (" + anomalySelect + clause + ")"
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count anomalies: %w", err)
	}

	query := anomalySelect + clause + " ORDER BY " + severityOrder + ", a.seq"
	if filter.Page != nil {
		page := filter.Page.Normalize()
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset())
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	var out []payroll.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// GetAnomaly retrieves one anomaly of a current generation by ID.
func (s *Store) GetAnomaly(ctx context.Context, tenantID, anomalyID string) (*payroll.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, anomalySelect+" WHERE a.tenant_id = ? AND a.id = ?", tenantID, anomalyID)
	a, err := scanAnomaly(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", payroll.ErrAnomalyNotFound, anomalyID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAnomaly(row rowScanner) (payroll.Anomaly, error) {
	var (
		a                  payroll.Anomaly
		details, createdAt string
		resolvedBy, notes  sql.NullString
		resolvedAt         sql.NullString
	)
	if err := row.Scan(
		&a.ID, &a.TenantID, &a.PayrollRunID, &a.Generation, &a.EmployeeID, &a.Type,
		&a.Severity, &a.Fingerprint, &details, &createdAt,
		&resolvedBy, &resolvedAt, &notes,
	); err != nil {
		if err == sql.ErrNoRows {
			return a, err
		}
		return a, fmt.Errorf("failed to scan anomaly: %w", err)
	}

	d, err := payroll.DecodeDetails([]byte(details))
	if err != nil {
		return a, fmt.Errorf("anomaly %s: %w", a.ID, err)
	}
	a.Details = d
	a.CreatedAt = parseTime(createdAt)
	if resolvedBy.Valid {
		a.Resolved = true
		a.ResolvedBy = resolvedBy.String
		a.ResolvedAt = parseNullTime(resolvedAt)
		a.ResolutionNotes = notes.String
	}
	return a, nil
}

// SaveResolution records a sign-off. A second sign-off on the same
// fingerprint fails with payroll.ErrAlreadyResolved.
func (s *Store) SaveResolution(ctx context.Context, r payroll.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomaly_resolutions (tenant_id, payroll_run_id, fingerprint, resolved_by, resolved_at, notes)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.TenantID, r.PayrollRunID, r.Fingerprint, r.ResolvedBy, formatTime(r.ResolvedAt), nullString(r.Notes))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", payroll.ErrAlreadyResolved, r.Fingerprint)
	}
	if err != nil {
		return fmt.Errorf("failed to save resolution: %w", err)
	}
	return nil
}
