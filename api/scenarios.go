/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate one tenant with realistic
	payroll data: a directory, three finalized months of history and a
	current DRAFT run ready for POST /api/runs/{id}/check.

AVAILABLE SCENARIOS:

	month-end-close: current run trips every built-in detector
	clean-close:     current run with no findings, ready to approve

HOW SCENARIOS WORK:
 1. Reset the tenant (all rows of the X-Tenant-ID tenant are deleted)
 2. Save employees
 3. Write finalized history runs straight to the store
 4. Save recommendations and audit entries for the trace
 5. Create the current run through the service (totals + CREATE audit)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "month-end-close"}

NOTE:

	Scenarios reset the tenant. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Shared helpers
  - detection/detectors.go: What each seeded line is meant to trip
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-recon/payroll"
	"github.com/warp/payroll-recon/reconciliation"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	ScenarioMonthEndClose = "month-end-close"
	ScenarioCleanClose    = "clean-close"

	scenarioPeriod = "2025-06"
	scenarioActor  = "scenario-loader"
)

var scenarios = []ScenarioDTO{
	{
		ID:          ScenarioMonthEndClose,
		Name:        "Month-End Close",
		Description: "June run with a negative net pay, a duplicate bonus, a missing base salary, a salary spike, a commission drop and a currency mismatch",
	},
	{
		ID:          ScenarioCleanClose,
		Name:        "Clean Close",
		Description: "June run that matches its history, ready for approval and finalization",
	},
}

// historyLength is the number of finalized months seeded before the current run.
const historyLength = 3

// historyPeriods returns the months before scenarioPeriod, oldest first.
func historyPeriods() ([]payroll.Period, error) {
	p, err := payroll.ParsePeriod(scenarioPeriod)
	if err != nil {
		return nil, err
	}
	out := make([]payroll.Period, historyLength)
	for i := historyLength - 1; i >= 0; i-- {
		p = p.Previous()
		out[i] = p
	}
	return out, nil
}

type seedEmployee struct {
	id, name, email, currency, manager string
}

type seedLine struct {
	employee  string
	component string
	amount    int64
	previous  int64
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the scenario loaded for the tenant, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenarios[tenantFrom(r)]
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the tenant and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var loader func(context.Context, string) (*ScenarioResult, error)
	switch req.ScenarioID {
	case ScenarioMonthEndClose:
		loader = h.loadMonthEndCloseScenario
	case ScenarioCleanClose:
		loader = h.loadCleanCloseScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	tenantID := tenantFrom(r)

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.currentScenarios, tenantID)

	if err := h.Store.ResetTenant(ctx, tenantID); err != nil {
		h.fail(w, r, "Failed to reset tenant", err)
		return
	}
	result, err := loader(ctx, tenantID)
	if err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	result.ScenarioID = req.ScenarioID
	h.currentScenarios[tenantID] = req.ScenarioID

	h.Logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"scenario":  req.ScenarioID,
		"run_id":    result.RunID,
	}).Info("scenario loaded")
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadMonthEndCloseScenario(ctx context.Context, tenantID string) (*ScenarioResult, error) {
	employees := []seedEmployee{
		{"emp-001", "Alice Johnson", "alice@example.com", "USD", "emp-005"},
		{"emp-002", "Bob Smith", "bob@example.com", "USD", "emp-005"},
		{"emp-003", "Carol Diaz", "carol@example.com", "USD", "emp-005"},
		{"emp-004", "Dan Okafor", "dan@example.com", "USD", "emp-005"},
		{"emp-005", "Erin Lee", "erin@example.com", "GBP", ""},
		{"emp-006", "Frank Moore", "frank@example.com", "USD", "emp-005"},
	}
	if err := h.seedEmployees(ctx, tenantID, employees); err != nil {
		return nil, err
	}

	// History: salaries wobble by +-1% so baselines have a real spread.
	history := func(i int) []seedLine {
		wobble := int64(i-1) * 50
		return []seedLine{
			{"emp-001", "BASE_SALARY", 5000 + wobble, 0},
			{"emp-001", "TAX", 1000, 0},
			{"emp-002", "BASE_SALARY", 6000 + wobble, 0},
			{"emp-002", "TAX", 1200, 0},
			{"emp-003", "BASE_SALARY", 5500 + wobble, 0},
			{"emp-003", "TAX", 1100, 0},
			{"emp-004", "BASE_SALARY", 6000 + wobble*2, 0},
			{"emp-004", "TAX", 1200, 0},
			{"emp-005", "BASE_SALARY", 7000 + wobble, 0},
			{"emp-005", "TAX", 1400, 0},
			{"emp-006", "BASE_SALARY", 5000 + wobble, 0},
			{"emp-006", "COMMISSION", 2000, 0},
			{"emp-006", "TAX", 1000, 0},
		}
	}
	historyIDs, err := h.seedHistory(ctx, tenantID, history)
	if err != nil {
		return nil, err
	}

	// Dan's raise is explained by an approved merit increase and a salary
	// edit in the HRIS, so his trace is complete.
	cycle := payroll.CompensationCycle{ID: uuid.NewString(), TenantID: tenantID, Name: "Mid-Year 2025 Review"}
	if err := h.Store.SaveCycle(ctx, cycle); err != nil {
		return nil, err
	}
	submitted := time.Date(2025, time.May, 20, 10, 0, 0, 0, time.UTC)
	approved := time.Date(2025, time.May, 27, 15, 30, 0, 0, time.UTC)
	if err := h.Store.SaveRecommendation(ctx, payroll.Recommendation{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		EmployeeID:    "emp-004",
		CycleID:       cycle.ID,
		Type:          payroll.RecMeritIncrease,
		CurrentValue:  decimal.NewFromInt(6000),
		ProposedValue: decimal.NewFromInt(9500),
		Justification: "Took over the payments platform team",
		Status:        payroll.RecApproved,
		SubmittedBy:   "emp-005",
		ApproverID:    "emp-005",
		ApprovedAt:    &approved,
		CreatedAt:     submitted,
		UpdatedAt:     approved,
	}); err != nil {
		return nil, err
	}
	if err := h.Store.AppendAudit(ctx, payroll.AuditEntry{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		EntityType: "employee",
		EntityID:   "emp-004",
		ActorID:    "emp-005",
		Action:     "UPDATE",
		Changes: map[string]payroll.FieldChange{
			"base_salary": {Before: "6000.00", After: "9500.00"},
		},
		Timestamp: approved.Add(24 * time.Hour),
	}); err != nil {
		return nil, err
	}

	run, err := h.createCurrentRun(ctx, tenantID, []seedLine{
		// Negative net pay: tax above salary also trips deduction ratio and spike.
		{"emp-001", "BASE_SALARY", 5000, 5000},
		{"emp-001", "TAX", 5600, 1000},
		// Duplicate bonus line.
		{"emp-002", "BASE_SALARY", 6000, 6000},
		{"emp-002", "TAX", 1200, 1200},
		{"emp-002", "BONUS", 500, 0},
		{"emp-002", "BONUS", 500, 0},
		// No base salary at all.
		{"emp-003", "BONUS", 1500, 0},
		{"emp-003", "TAX", 300, 1100},
		// Raise well above history.
		{"emp-004", "BASE_SALARY", 9500, 6000},
		{"emp-004", "TAX", 1900, 1200},
		// Paid in GBP while the run is USD.
		{"emp-005", "BASE_SALARY", 7000, 7000},
		{"emp-005", "TAX", 1400, 1400},
		// Commission collapse.
		{"emp-006", "BASE_SALARY", 5000, 5000},
		{"emp-006", "COMMISSION", 300, 2000},
		{"emp-006", "TAX", 1000, 1000},
	})
	if err != nil {
		return nil, err
	}

	return &ScenarioResult{
		TenantID:  tenantID,
		RunID:     run.ID,
		Employees: employeeIDs(employees),
		History:   historyIDs,
	}, nil
}

func (h *Handler) loadCleanCloseScenario(ctx context.Context, tenantID string) (*ScenarioResult, error) {
	employees := []seedEmployee{
		{"emp-001", "Alice Johnson", "alice@example.com", "USD", ""},
		{"emp-002", "Bob Smith", "bob@example.com", "USD", "emp-001"},
	}
	if err := h.seedEmployees(ctx, tenantID, employees); err != nil {
		return nil, err
	}

	lines := []seedLine{
		{"emp-001", "BASE_SALARY", 8000, 0},
		{"emp-001", "TAX", 1600, 0},
		{"emp-001", "PENSION_CONTRIBUTION", 400, 0},
		{"emp-002", "BASE_SALARY", 5000, 0},
		{"emp-002", "TAX", 1000, 0},
	}
	historyIDs, err := h.seedHistory(ctx, tenantID, func(int) []seedLine { return lines })
	if err != nil {
		return nil, err
	}

	current := make([]seedLine, len(lines))
	for i, l := range lines {
		current[i] = seedLine{l.employee, l.component, l.amount, l.amount}
	}
	run, err := h.createCurrentRun(ctx, tenantID, current)
	if err != nil {
		return nil, err
	}

	return &ScenarioResult{
		TenantID:  tenantID,
		RunID:     run.ID,
		Employees: employeeIDs(employees),
		History:   historyIDs,
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seedEmployees(ctx context.Context, tenantID string, employees []seedEmployee) error {
	created := time.Date(2024, time.January, 8, 9, 0, 0, 0, time.UTC)
	for _, e := range employees {
		if err := h.Store.SaveEmployee(ctx, payroll.Employee{
			ID:        e.id,
			TenantID:  tenantID,
			Name:      e.name,
			Email:     e.email,
			Currency:  e.currency,
			ManagerID: e.manager,
			CreatedAt: created,
		}); err != nil {
			return err
		}
	}
	return nil
}

// seedHistory writes one FINALIZED run per history period.
func (h *Handler) seedHistory(ctx context.Context, tenantID string, linesFor func(i int) []seedLine) ([]string, error) {
	periods, err := historyPeriods()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(periods))
	for i, p := range periods {
		runID := uuid.NewString()
		created := p.End().Add(-24 * time.Hour)

		lines := linesFor(i)
		items := make([]payroll.LineItem, len(lines))
		for j, l := range lines {
			items[j] = payroll.LineItem{
				ID:             uuid.NewString(),
				TenantID:       tenantID,
				PayrollRunID:   runID,
				EmployeeID:     l.employee,
				Component:      l.component,
				Amount:         decimal.NewFromInt(l.amount),
				PreviousAmount: decimal.NewFromInt(l.previous),
				CreatedAt:      created,
			}
		}
		totals := payroll.ComputeTotals(items, payroll.DefaultClassifier())
		run := payroll.PayrollRun{
			ID:            runID,
			TenantID:      tenantID,
			Period:        p.String(),
			Status:        payroll.RunFinalized,
			Currency:      "USD",
			EmployeeCount: totals.EmployeeCount,
			TotalGross:    totals.Gross,
			TotalNet:      totals.Net,
			CreatedAt:     created,
			UpdatedAt:     created,
		}
		if err := h.Store.CreateRun(ctx, run, items); err != nil {
			return nil, fmt.Errorf("history %s: %w", p, err)
		}
		ids = append(ids, runID)
	}
	return ids, nil
}

func (h *Handler) createCurrentRun(ctx context.Context, tenantID string, lines []seedLine) (*payroll.PayrollRun, error) {
	in := reconciliation.CreateRunInput{
		Period:    scenarioPeriod,
		Currency:  "USD",
		ActorID:   scenarioActor,
		LineItems: make([]reconciliation.LineItemInput, len(lines)),
	}
	for i, l := range lines {
		in.LineItems[i] = reconciliation.LineItemInput{
			EmployeeID:     l.employee,
			Component:      l.component,
			Amount:         decimal.NewFromInt(l.amount),
			PreviousAmount: decimal.NewFromInt(l.previous),
		}
	}
	return h.Service.CreatePayrollRun(ctx, tenantID, in)
}

func employeeIDs(employees []seedEmployee) []string {
	ids := make([]string, len(employees))
	for i, e := range employees {
		ids[i] = e.id
	}
	return ids
}
