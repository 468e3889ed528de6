package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/payroll-recon/payroll"
)

// =============================================================================
// PAYROLL RUNS (payroll.RunStore)
// =============================================================================

const runColumns = `id, tenant_id, period, status, currency, employee_count,
	total_gross, total_net, generation, created_at, updated_at`

// CreateRun inserts the run and its line items in one transaction.
func (s *Store) CreateRun(ctx context.Context, run payroll.PayrollRun, items []payroll.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payroll_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.TenantID, run.Period, run.Status, run.Currency, run.EmployeeCount,
		run.TotalGross.String(), run.TotalNet.String(), run.Generation,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payroll run: %w", err)
	}

	for start := 0; start < len(items); start += insertBatchSize {
		end := min(start+insertBatchSize, len(items))
		if err := insertLineItems(ctx, tx, items[start:end], start); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertLineItems(ctx context.Context, db execer, items []payroll.LineItem, seqOffset int) error {
	const width = 9
	args := make([]any, 0, len(items)*width)
	for i, item := range items {
		args = append(args,
			item.ID, item.TenantID, item.PayrollRunID, seqOffset+i, item.EmployeeID,
			item.Component, item.Amount.String(), item.PreviousAmount.String(),
			formatTime(item.CreatedAt),
		)
	}
	query := `INSERT INTO line_items
		(id, tenant_id, payroll_run_id, seq, employee_id, component, amount, previous_amount, created_at)
		VALUES ` + rowsPlaceholders(len(items), width)
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert line items: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*payroll.PayrollRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM payroll_runs WHERE tenant_id = ? AND id = ?",
		tenantID, runID,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", payroll.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns one page of runs plus the unpaged total.
func (s *Store) ListRuns(ctx context.Context, tenantID string, filter payroll.RunFilter) ([]payroll.PayrollRun, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Period != "" {
		where = append(where, "period = ?")
		args = append(args, filter.Period)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM payroll_runs WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	page := filter.Page.Normalize()
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM payroll_runs WHERE "+clause+
			" ORDER BY period DESC, created_at DESC LIMIT ? OFFSET ?",
		append(args, page.Limit, page.Offset())...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query runs: %w", err)
	}
	runs, err := collectRuns(rows)
	return runs, total, err
}

// UpdateRunStatus moves a run from one status to another. The update only
// applies while the run is still in from.
func (s *Store) UpdateRunStatus(ctx context.Context, tenantID, runID string, from, to payroll.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE payroll_runs SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ? AND status = ?",
		to, formatTime(s.now()), tenantID, runID, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payroll_runs WHERE tenant_id = ? AND id = ?", tenantID, runID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", payroll.ErrRunNotFound, runID)
	}
	return fmt.Errorf("%w: run %s is no longer %s", payroll.ErrConcurrentModification, runID, from)
}

// HistoricalRuns returns APPROVED/FINALIZED runs, most recent period first.
func (s *Store) HistoricalRuns(ctx context.Context, tenantID, excludeRunID string, limit int) ([]payroll.PayrollRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	args := []any{tenantID, excludeRunID}
	for _, st := range payroll.HistoricalStatuses {
		args = append(args, st)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM payroll_runs
		WHERE tenant_id = ? AND id != ? AND status IN (`+placeholders(len(payroll.HistoricalStatuses))+`)
		ORDER BY period DESC, created_at DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query historical runs: %w", err)
	}
	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (payroll.PayrollRun, error) {
	var (
		run                  payroll.PayrollRun
		gross, net           string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&run.ID, &run.TenantID, &run.Period, &run.Status, &run.Currency, &run.EmployeeCount,
		&gross, &net, &run.Generation, &createdAt, &updatedAt,
	)
	if err != nil {
		return run, err
	}
	run.TotalGross = parseAmount(gross)
	run.TotalNet = parseAmount(net)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return run, nil
}

func collectRuns(rows *sql.Rows) ([]payroll.PayrollRun, error) {
	defer rows.Close()
	var runs []payroll.PayrollRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// LINE ITEMS
// =============================================================================

const lineItemColumns = `id, tenant_id, payroll_run_id, employee_id, component,
	amount, previous_amount, created_at`

// CountLineItems counts a run's line items.
func (s *Store) CountLineItems(ctx context.Context, tenantID, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM line_items WHERE tenant_id = ? AND payroll_run_id = ?",
		tenantID, runID,
	).Scan(&n)
	return n, err
}

// LineItemsPage returns one page ordered by employee, then import order.
func (s *Store) LineItemsPage(ctx context.Context, tenantID, runID string, offset, limit int) ([]payroll.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryLineItems(ctx, s.db, `
		SELECT `+lineItemColumns+` FROM line_items
		WHERE tenant_id = ? AND payroll_run_id = ?
		ORDER BY employee_id, seq
		LIMIT ? OFFSET ?
	`, tenantID, runID, limit, offset)
}

// LineItemsForRuns returns every item of the given runs.
func (s *Store) LineItemsForRuns(ctx context.Context, tenantID string, runIDs []string) ([]payroll.LineItem, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	args := []any{tenantID}
	for _, id := range runIDs {
		args = append(args, id)
	}
	return queryLineItems(ctx, s.db, `
		SELECT `+lineItemColumns+` FROM line_items
		WHERE tenant_id = ? AND payroll_run_id IN (`+placeholders(len(runIDs))+`)
		ORDER BY payroll_run_id, employee_id, seq
	`, args...)
}

// LineItemsForEmployee returns one employee's items in a run.
func (s *Store) LineItemsForEmployee(ctx context.Context, tenantID, runID, employeeID string) ([]payroll.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryLineItems(ctx, s.db, `
		SELECT `+lineItemColumns+` FROM line_items
		WHERE tenant_id = ? AND payroll_run_id = ? AND employee_id = ?
		ORDER BY seq
	`, tenantID, runID, employeeID)
}

func queryLineItems(ctx context.Context, db querier, query string, args ...any) ([]payroll.LineItem, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	var items []payroll.LineItem
	for rows.Next() {
		var (
			item                    payroll.LineItem
			amount, prev, createdAt string
		)
		if err := rows.Scan(
			&item.ID, &item.TenantID, &item.PayrollRunID, &item.EmployeeID, &item.Component,
			&amount, &prev, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		item.Amount = parseAmount(amount)
		item.PreviousAmount = parseAmount(prev)
		item.CreatedAt = parseTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}
