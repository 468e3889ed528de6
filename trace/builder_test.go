package trace

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-recon/payroll"
	"github.com/warp/payroll-recon/store/sqlite"
)

const tenant = "tenant-1"

func day(month time.Month, d int) time.Time {
	return time.Date(2025, month, d, 9, 0, 0, 0, time.UTC)
}

func newTestBuilder(t *testing.T) (*Builder, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewBuilder(store, nil, logger), store
}

// seedHistory stores one employee with an approved merit raise, an approved
// bonus without approver data, a title change and a March run.
func seedHistory(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.SaveEmployee(ctx, payroll.Employee{ID: "emp-1", TenantID: tenant, Name: "Ada Lovelace", Currency: "USD"}))
	require.NoError(t, store.SaveEmployee(ctx, payroll.Employee{ID: "mgr-1", TenantID: tenant, Name: "Grace Hopper", Currency: "USD"}))
	require.NoError(t, store.SaveEmployee(ctx, payroll.Employee{ID: "emp-2", TenantID: tenant, Name: "Alan Turing", Currency: "USD"}))

	require.NoError(t, store.AppendAudit(ctx, payroll.AuditEntry{
		ID: "audit-1", TenantID: tenant, EntityType: "employee", EntityID: "emp-1",
		ActorID: "hr-admin", Action: "UPDATE", Timestamp: day(time.January, 15),
		Changes: map[string]payroll.FieldChange{"title": {Before: "Engineer", After: "Senior Engineer"}},
	}))

	require.NoError(t, store.SaveCycle(ctx, payroll.CompensationCycle{ID: "cycle-1", TenantID: tenant, Name: "2025 Merit Cycle"}))
	approvedAt := day(time.February, 10)
	require.NoError(t, store.SaveRecommendation(ctx, payroll.Recommendation{
		ID: "rec-merit", TenantID: tenant, EmployeeID: "emp-1", CycleID: "cycle-1",
		Type: payroll.RecMeritIncrease, CurrentValue: decimal.NewFromInt(60000), ProposedValue: decimal.NewFromInt(63000),
		Justification: "Exceeds expectations", Status: payroll.RecApproved, SubmittedBy: "mgr-1",
		ApproverID: "mgr-1", ApprovedAt: &approvedAt,
		CreatedAt: day(time.February, 1), UpdatedAt: day(time.February, 5),
	}))
	require.NoError(t, store.SaveRecommendation(ctx, payroll.Recommendation{
		ID: "rec-bonus", TenantID: tenant, EmployeeID: "emp-1", CycleID: "cycle-1",
		Type: payroll.RecBonus, CurrentValue: decimal.Zero, ProposedValue: decimal.NewFromInt(1000),
		Status:    payroll.RecApproved,
		CreatedAt: day(time.February, 2), UpdatedAt: day(time.February, 3),
	}))

	created := day(time.March, 28)
	item := func(id, emp, component string, amount, previous int64) payroll.LineItem {
		return payroll.LineItem{
			ID: id, TenantID: tenant, PayrollRunID: "run-1", EmployeeID: emp, Component: component,
			Amount: decimal.NewFromInt(amount), PreviousAmount: decimal.NewFromInt(previous), CreatedAt: created,
		}
	}
	require.NoError(t, store.CreateRun(ctx, payroll.PayrollRun{
		ID: "run-1", TenantID: tenant, Period: "2025-03", Status: payroll.RunReview, Currency: "USD",
		CreatedAt: created, UpdatedAt: created,
	}, []payroll.LineItem{
		item("li-1", "emp-1", "BASE_SALARY", 5250, 5000),
		item("li-2", "emp-1", "BONUS", 1000, 0),
		item("li-3", "emp-1", "TAX", 1200, 1150),
		item("li-4", "emp-2", "BASE_SALARY", 4000, 4000),
	}))
}

func stepTypes(steps []Step) []StepType {
	out := make([]StepType, len(steps))
	for i, s := range steps {
		out[i] = s.Type
	}
	return out
}

func TestTraceEmployee_FullTimeline(t *testing.T) {
	ctx := context.Background()
	builder, store := newTestBuilder(t)
	seedHistory(t, store)

	// WHEN: tracing the employee without a component filter
	report, err := builder.TraceEmployee(ctx, tenant, "run-1", "emp-1", "")
	require.NoError(t, err)

	// THEN: every source contributes, merged in time order
	assert.Equal(t, []StepType{
		StepDataChange,     // Jan 15 title change
		StepRuleApplied,    // Feb 1 merit
		StepRuleApplied,    // Feb 2 bonus
		StepRecommendation, // Feb 3 bonus approved
		StepRecommendation, // Feb 5 merit approved
		StepApproval,       // Feb 10 merit approval
		StepPayrollImpact,
		StepPayrollImpact,
		StepPayrollImpact,
	}, stepTypes(report.Steps))

	for i := 1; i < len(report.Steps); i++ {
		assert.False(t, report.Steps[i].Timestamp.Before(report.Steps[i-1].Timestamp))
		assert.Equal(t, i+1, report.Steps[i].Order)
	}

	assert.Equal(t, "Ada Lovelace", report.EmployeeName)
	assert.True(t, report.IsComplete)
	require.Len(t, report.Warnings, 1, "approved bonus lacks an approver")
	assert.Contains(t, report.Warnings[0], "rec-bonus")

	assert.Equal(t, "Title changed from Engineer to Senior Engineer", report.Steps[0].Explanation)
	assert.Contains(t, report.Steps[1].Explanation, "2025 Merit Cycle")
	assert.Contains(t, report.Steps[1].Explanation, "+5.00%")
	assert.Equal(t, "Grace Hopper", report.Steps[5].Actor)
	assert.Equal(t, "BASE_SALARY changed from 5000.00 to 5250.00 (+5.00%)", report.Steps[6].Explanation)
	assert.Equal(t, "BONUS paid at 1000.00 (new component)", report.Steps[7].Explanation)

	assert.Contains(t, report.Summary, "1 data changes")
	assert.Contains(t, report.Summary, "3 payroll impacts")
	assert.Contains(t, report.Summary, "Largest impact: BONUS +1000.00")
}

func TestTraceEmployee_ComponentFilter(t *testing.T) {
	ctx := context.Background()
	builder, store := newTestBuilder(t)
	seedHistory(t, store)

	// WHEN: narrowing to base salary
	report, err := builder.TraceEmployee(ctx, tenant, "run-1", "emp-1", "base_salary")
	require.NoError(t, err)

	// THEN: only the merit raise and the base salary line remain
	assert.Equal(t, []StepType{
		StepDataChange, StepRuleApplied, StepRecommendation, StepApproval, StepPayrollImpact,
	}, stepTypes(report.Steps))
	assert.Equal(t, "BASE_SALARY", report.Component)
	assert.True(t, report.IsComplete)
	assert.Empty(t, report.Warnings)
}

func TestTraceEmployee_IncompleteTraceWarns(t *testing.T) {
	ctx := context.Background()
	builder, store := newTestBuilder(t)
	seedHistory(t, store)

	// GIVEN: emp-2 has only a line item
	report, err := builder.TraceEmployee(ctx, tenant, "run-1", "emp-2", "")
	require.NoError(t, err)

	assert.False(t, report.IsComplete)
	assert.Equal(t, []string{
		"no DATA_CHANGE steps found",
		"no RECOMMENDATION steps found",
		"no APPROVAL steps found",
	}, report.Warnings)
	assert.Equal(t, "BASE_SALARY unchanged at 4000.00", report.Steps[0].Explanation)
	assert.NotContains(t, report.Summary, "Largest impact")
}

func TestTraceEmployee_NotFound(t *testing.T) {
	ctx := context.Background()
	builder, store := newTestBuilder(t)
	seedHistory(t, store)

	_, err := builder.TraceEmployee(ctx, tenant, "missing", "emp-1", "")
	assert.ErrorIs(t, err, payroll.ErrRunNotFound)

	_, err = builder.TraceEmployee(ctx, tenant, "run-1", "ghost", "")
	assert.ErrorIs(t, err, payroll.ErrEmployeeNotFound)

	_, err = builder.TraceEmployee(ctx, "tenant-2", "run-1", "emp-1", "")
	assert.ErrorIs(t, err, payroll.ErrRunNotFound)
}

func TestComponentMap(t *testing.T) {
	m := DefaultComponentMap()

	assert.True(t, m.Matches(payroll.RecMeritIncrease, "base_salary"))
	assert.True(t, m.Matches(payroll.RecBonus, " incentive "))
	assert.False(t, m.Matches(payroll.RecBonus, "BASE_SALARY"))
	assert.True(t, m.Matches(payroll.RecEquity, ""), "empty component matches everything")

	merged := m.Merge(ComponentMap{payroll.RecBonus: {"sign_on"}})
	assert.True(t, merged.Matches(payroll.RecBonus, "SIGN_ON"))
	assert.False(t, merged.Matches(payroll.RecBonus, "BONUS"), "tenant entry replaces the default")
	assert.True(t, m.Matches(payroll.RecBonus, "BONUS"), "merge leaves the receiver untouched")
}

func TestFormatDataChange(t *testing.T) {
	e := payroll.AuditEntry{
		EntityType: "employee", Action: "UPDATE",
		Changes: map[string]payroll.FieldChange{
			"manager_id": {Before: nil, After: "mgr-1"},
			"department": {Before: "R&D", After: nil},
		},
	}
	assert.Equal(t, "Department cleared (was R&D); Manager id set to mgr-1", formatDataChange(e))

	e.Changes = nil
	assert.Equal(t, "Employee update", formatDataChange(e))
}
