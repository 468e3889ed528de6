package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/payroll-recon/payroll"
)

// =============================================================================
// EMPLOYEES STORE
// =============================================================================

// SaveEmployee upserts an employee.
func (s *Store) SaveEmployee(ctx context.Context, emp payroll.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := emp.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	query := `
		INSERT INTO employees (id, tenant_id, name, email, currency, manager_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			currency = excluded.currency,
			manager_id = excluded.manager_id
	`
	_, err := s.db.ExecContext(ctx, query,
		emp.ID, emp.TenantID, emp.Name, nullString(emp.Email),
		nullString(strings.ToUpper(emp.Currency)), nullString(emp.ManagerID),
		formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

const employeeColumns = "id, tenant_id, name, email, currency, manager_id, created_at"

// GetEmployee retrieves an employee by ID.
func (s *Store) GetEmployee(ctx context.Context, tenantID, employeeID string) (*payroll.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+employeeColumns+" FROM employees WHERE tenant_id = ? AND id = ?",
		tenantID, employeeID,
	)
	emp, err := scanEmployee(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", payroll.ErrEmployeeNotFound, employeeID)
	}
	if err != nil {
		return nil, err
	}
	return &emp, nil
}

// EmployeesByIDs returns the employees found among ids; unknown ids are absent.
func (s *Store) EmployeesByIDs(ctx context.Context, tenantID string, ids []string) (map[string]payroll.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]payroll.Employee, len(ids))
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		args := []any{tenantID}
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+employeeColumns+" FROM employees WHERE tenant_id = ? AND id IN ("+placeholders(end-start)+")",
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to query employees: %w", err)
		}
		for rows.Next() {
			emp, err := scanEmployee(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan employee: %w", err)
			}
			out[emp.ID] = emp
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanEmployee(row rowScanner) (payroll.Employee, error) {
	var (
		emp                      payroll.Employee
		email, currency, manager sql.NullString
		createdAt                string
	)
	if err := row.Scan(&emp.ID, &emp.TenantID, &emp.Name, &email, &currency, &manager, &createdAt); err != nil {
		return emp, err
	}
	emp.Email = email.String
	emp.Currency = currency.String
	emp.ManagerID = manager.String
	emp.CreatedAt = parseTime(createdAt)
	return emp, nil
}

// =============================================================================
// COMPENSATION CYCLES AND RECOMMENDATIONS
// =============================================================================

// SaveCycle upserts a compensation cycle.
func (s *Store) SaveCycle(ctx context.Context, c payroll.CompensationCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compensation_cycles (id, tenant_id, name) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET name = excluded.name
	`, c.ID, c.TenantID, c.Name)
	if err != nil {
		return fmt.Errorf("failed to save cycle: %w", err)
	}
	return nil
}

// SaveRecommendation upserts a recommendation.
func (s *Store) SaveRecommendation(ctx context.Context, r payroll.Recommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO recommendations (id, tenant_id, employee_id, cycle_id, rec_type,
			current_value, proposed_value, justification, status, submitted_by,
			approver_id, approved_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_value = excluded.current_value,
			proposed_value = excluded.proposed_value,
			justification = excluded.justification,
			status = excluded.status,
			approver_id = excluded.approver_id,
			approved_at = excluded.approved_at,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.TenantID, r.EmployeeID, nullString(r.CycleID), r.Type,
		r.CurrentValue.String(), r.ProposedValue.String(), nullString(r.Justification),
		r.Status, nullString(r.SubmittedBy), nullString(r.ApproverID), nullTime(r.ApprovedAt),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save recommendation: %w", err)
	}
	return nil
}

// RecommendationsForEmployee returns an employee's recommendations with the
// cycle name joined, oldest first.
func (s *Store) RecommendationsForEmployee(ctx context.Context, tenantID, employeeID string) ([]payroll.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.tenant_id, r.employee_id, r.cycle_id, c.name, r.rec_type,
		       r.current_value, r.proposed_value, r.justification, r.status,
		       r.submitted_by, r.approver_id, r.approved_at, r.created_at, r.updated_at
		FROM recommendations r
		LEFT JOIN compensation_cycles c ON c.tenant_id = r.tenant_id AND c.id = r.cycle_id
		WHERE r.tenant_id = ? AND r.employee_id = ?
		ORDER BY r.created_at ASC, r.id ASC
	`, tenantID, employeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	var recs []payroll.Recommendation
	for rows.Next() {
		var (
			r                                   payroll.Recommendation
			cycleID, cycleName, justification   sql.NullString
			submittedBy, approverID, approvedAt sql.NullString
			current, proposed                   string
			createdAt, updatedAt                string
		)
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.EmployeeID, &cycleID, &cycleName, &r.Type,
			&current, &proposed, &justification, &r.Status,
			&submittedBy, &approverID, &approvedAt, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		r.CycleID = cycleID.String
		r.CycleName = cycleName.String
		r.Justification = justification.String
		r.SubmittedBy = submittedBy.String
		r.ApproverID = approverID.String
		r.ApprovedAt = parseNullTime(approvedAt)
		r.CurrentValue = parseAmount(current)
		r.ProposedValue = parseAmount(proposed)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AppendAudit adds an entry to the tenant audit trail.
func (s *Store) AppendAudit(ctx context.Context, e payroll.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes sql.NullString
	if len(e.Changes) > 0 {
		raw, err := json.Marshal(e.Changes)
		if err != nil {
			return fmt.Errorf("failed to encode audit changes: %w", err)
		}
		changes = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, entity_type, entity_id, actor_id, action, changes_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TenantID, e.EntityType, e.EntityID, nullString(e.ActorID), e.Action, changes, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns matching entries, oldest first.
func (s *Store) QueryAudit(ctx context.Context, tenantID string, filter payroll.AuditFilter) ([]payroll.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*filter.To))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, entity_type, entity_id, actor_id, action, changes_json, created_at
		FROM audit_log
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []payroll.AuditEntry
	for rows.Next() {
		var (
			e              payroll.AuditEntry
			actor, changes sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EntityType, &e.EntityID, &actor, &e.Action, &changes, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ActorID = actor.String
		e.Timestamp = parseTime(createdAt)
		if changes.Valid && changes.String != "" {
			if err := json.Unmarshal([]byte(changes.String), &e.Changes); err != nil {
				return nil, fmt.Errorf("audit entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
