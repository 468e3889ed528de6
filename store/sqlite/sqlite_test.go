package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-recon/payroll"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var t0 = time.Date(2025, 3, 31, 9, 0, 0, 0, time.UTC)

func testRun(tenant, id, period string, status payroll.RunStatus) payroll.PayrollRun {
	return payroll.PayrollRun{
		ID: id, TenantID: tenant, Period: period, Status: status, Currency: "USD",
		TotalGross: decimal.Zero, TotalNet: decimal.Zero, CreatedAt: t0, UpdatedAt: t0,
	}
}

func item(tenant, run, id, employee, component string, amount, prev int64) payroll.LineItem {
	return payroll.LineItem{
		ID: id, TenantID: tenant, PayrollRunID: run, EmployeeID: employee, Component: component,
		Amount: decimal.NewFromInt(amount), PreviousAmount: decimal.NewFromInt(prev), CreatedAt: t0,
	}
}

func anomaly(tenant, run, id, employee, fp string, sev payroll.Severity) payroll.Anomaly {
	return payroll.Anomaly{
		ID: id, TenantID: tenant, PayrollRunID: run, EmployeeID: employee,
		Type: payroll.TypeNegativeNet, Severity: sev, Fingerprint: fp, CreatedAt: t0,
		Details: payroll.NegativeNetDetails{
			Common: payroll.Common{Message: "negative"},
			NetPay: decimal.NewFromInt(-50),
		},
	}
}

func TestRuns_CreateAndPageLineItems(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// GIVEN: a run whose items arrive out of employee order
	items := []payroll.LineItem{
		item("t1", "run-1", "li-1", "emp-b", "BASE_SALARY", 5000, 5000),
		item("t1", "run-1", "li-2", "emp-a", "BONUS", 100, 0),
		item("t1", "run-1", "li-3", "emp-a", "BONUS", 150, 0),
		item("t1", "run-1", "li-4", "emp-a", "BASE_SALARY", 4000, 4000),
	}
	require.NoError(t, store.CreateRun(ctx, testRun("t1", "run-1", "2025-03", payroll.RunDraft), items))

	// WHEN: loading in pages of 3
	n, err := store.CountLineItems(ctx, "t1", "run-1")
	require.NoError(t, err)
	first, err := store.LineItemsPage(ctx, "t1", "run-1", 0, 3)
	require.NoError(t, err)
	second, err := store.LineItemsPage(ctx, "t1", "run-1", 3, 3)
	require.NoError(t, err)

	// THEN: items come back grouped by employee, import order kept within one
	assert.Equal(t, 4, n)
	require.Len(t, first, 3)
	require.Len(t, second, 1)
	assert.Equal(t, []string{"li-2", "li-3", "li-4"}, []string{first[0].ID, first[1].ID, first[2].ID})
	assert.Equal(t, "li-1", second[0].ID)
	assert.True(t, first[1].Amount.Equal(decimal.NewFromInt(150)))
	assert.True(t, first[0].CreatedAt.Equal(t0))
}

func TestRuns_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRun(ctx, testRun("t1", "run-1", "2025-03", payroll.RunDraft), nil))

	_, err := store.GetRun(ctx, "t2", "run-1")
	assert.ErrorIs(t, err, payroll.ErrRunNotFound)

	err = store.UpdateRunStatus(ctx, "t2", "run-1", payroll.RunDraft, payroll.RunReview)
	assert.ErrorIs(t, err, payroll.ErrRunNotFound)
}

func TestRuns_UpdateStatusOnlyFromExpected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRun(ctx, testRun("t1", "run-1", "2025-03", payroll.RunDraft), nil))

	// GIVEN: the first writer moves DRAFT to PROCESSING
	require.NoError(t, store.UpdateRunStatus(ctx, "t1", "run-1", payroll.RunDraft, payroll.RunProcessing))

	// WHEN: a second writer still expects DRAFT
	err := store.UpdateRunStatus(ctx, "t1", "run-1", payroll.RunDraft, payroll.RunProcessing)

	// THEN: it loses and the run is unchanged
	assert.ErrorIs(t, err, payroll.ErrConcurrentModification)
	run, err := store.GetRun(ctx, "t1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, payroll.RunProcessing, run.Status)
}

func TestRuns_HistoricalRunsOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// GIVEN: a mix of statuses and periods
	runs := []payroll.PayrollRun{
		testRun("t1", "jan", "2025-01", payroll.RunFinalized),
		testRun("t1", "feb", "2025-02", payroll.RunApproved),
		testRun("t1", "mar", "2025-03", payroll.RunReview),
		testRun("t1", "dec", "2024-12", payroll.RunFinalized),
		testRun("t2", "other", "2025-02", payroll.RunFinalized),
	}
	for _, r := range runs {
		require.NoError(t, store.CreateRun(ctx, r, nil))
	}

	// WHEN: asking for two historical runs excluding the current one
	hist, err := store.HistoricalRuns(ctx, "t1", "feb", 2)
	require.NoError(t, err)

	// THEN: only clean history, most recent period first
	require.Len(t, hist, 2)
	assert.Equal(t, "jan", hist[0].ID)
	assert.Equal(t, "dec", hist[1].ID)
}

func TestRuns_ListRunsPaginates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, store.CreateRun(ctx, testRun("t1", fmt.Sprintf("run-%d", i), fmt.Sprintf("2025-%02d", i), payroll.RunDraft), nil))
	}

	page, total, err := store.ListRuns(ctx, "t1", payroll.RunFilter{Page: payroll.Page{Number: 2, Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "run-3", page[0].ID)

	review := payroll.RunReview
	none, total, err := store.ListRuns(ctx, "t1", payroll.RunFilter{Status: &review})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)
}

func TestAnomalies_GenerationSwap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRun(ctx, testRun("t1", "run-1", "2025-03", payroll.RunDraft), nil))

	// GIVEN: a first generation
	gen, err := store.ReplaceAnomalies(ctx, "t1", "run-1", 0, []payroll.Anomaly{
		anomaly("t1", "run-1", "a-1", "emp-1", "fp-1", payroll.SeverityCritical),
		anomaly("t1", "run-1", "a-2", "emp-2", "fp-2", payroll.SeverityLow),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	// WHEN: a second pass replaces it
	gen, err = store.ReplaceAnomalies(ctx, "t1", "run-1", 1, []payroll.Anomaly{
		anomaly("t1", "run-1", "a-3", "emp-1", "fp-1", payroll.SeverityCritical),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen)

	// THEN: only the new generation is visible
	list, total, err := store.ListAnomalies(ctx, "t1", "run-1", payroll.AnomalyFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "a-3", list[0].ID)
	assert.Equal(t, int64(2), list[0].Generation)

	_, err = store.GetAnomaly(ctx, "t1", "a-1")
	assert.ErrorIs(t, err, payroll.ErrAnomalyNotFound)

	// AND: typed details round-trip
	d, ok := list[0].Details.(payroll.NegativeNetDetails)
	require.True(t, ok)
	assert.True(t, d.NetPay.Equal(decimal.NewFromInt(-50)))
}

func TestAnomalies_StaleGenerationIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRun(ctx, testRun("t1", "run-1", "2025-03", payroll.RunDraft), nil))

	_, err := store.ReplaceAnomalies(ctx, "t1", "run-1", 0, nil)
	require.NoError(t, err)

	// A second writer still believing the run is at generation 0 loses.
	_, err = store.ReplaceAnomalies(ctx, "t1", "run-1", 0, []payroll.Anomaly{
		anomaly("t1", "run-1", "a-1", "emp-1", "fp-1", payroll.SeverityCritical),
	})
	assert.ErrorIs(t, err, payroll.ErrConcurrentModification)

	_, err = store.ReplaceAnomalies(ctx, "t1", "missing", 0, nil)
	assert.ErrorIs(t, err, payroll.ErrRunNotFound)
}

func TestAnomalies_ResolutionSurvivesRescan(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRun(ctx, testRun("t1", "run-1", "2025-03", payroll.RunDraft), nil))

	_, err := store.ReplaceAnomalies(ctx, "t1", "run-1", 0, []payroll.Anomaly{
		anomaly("t1", "run-1", "a-1", "emp-1", "fp-1", payroll.SeverityCritical),
		anomaly("t1", "run-1", "a-2", "emp-2", "fp-2", payroll.SeverityHigh),
	})
	require.NoError(t, err)

	// GIVEN: fp-1 is resolved
	res := payroll.Resolution{TenantID: "t1", PayrollRunID: "run-1", Fingerprint: "fp-1", ResolvedBy: "alice", ResolvedAt: t0, Notes: "checked"}
	require.NoError(t, store.SaveResolution(ctx, res))

	// WHEN: resolving again
	err = store.SaveResolution(ctx, res)

	// THEN: rejected
	assert.ErrorIs(t, err, payroll.ErrAlreadyResolved)

	// WHEN: the run is re-scanned with the same findings
	_, err = store.ReplaceAnomalies(ctx, "t1", "run-1", 1, []payroll.Anomaly{
		anomaly("t1", "run-1", "a-3", "emp-1", "fp-1", payroll.SeverityCritical),
		anomaly("t1", "run-1", "a-4", "emp-2", "fp-2", payroll.SeverityHigh),
	})
	require.NoError(t, err)

	// THEN: the resolution still applies to the new row
	resolved := true
	list, total, err := store.ListAnomalies(ctx, "t1", "run-1", payroll.AnomalyFilter{Resolved: &resolved})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "a-3", list[0].ID)
	assert.Equal(t, "alice", list[0].ResolvedBy)
	assert.Equal(t, "checked", list[0].ResolutionNotes)
	require.NotNil(t, list[0].ResolvedAt)

	critical := payroll.SeverityCritical
	unresolved := false
	_, open, err := store.ListAnomalies(ctx, "t1", "run-1", payroll.AnomalyFilter{Severity: &critical, Resolved: &unresolved})
	require.NoError(t, err)
	assert.Zero(t, open)
}

func TestAnomalies_ListOrdersBySeverityAndPaginates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRun(ctx, testRun("t1", "run-1", "2025-03", payroll.RunDraft), nil))
	_, err := store.ReplaceAnomalies(ctx, "t1", "run-1", 0, []payroll.Anomaly{
		anomaly("t1", "run-1", "low", "emp-1", "fp-1", payroll.SeverityLow),
		anomaly("t1", "run-1", "crit", "emp-2", "fp-2", payroll.SeverityCritical),
		anomaly("t1", "run-1", "med", "emp-3", "fp-3", payroll.SeverityMedium),
	})
	require.NoError(t, err)

	list, total, err := store.ListAnomalies(ctx, "t1", "run-1", payroll.AnomalyFilter{Page: &payroll.Page{Number: 1, Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 2)
	assert.Equal(t, "crit", list[0].ID)
	assert.Equal(t, "med", list[1].ID)

	list, _, err = store.ListAnomalies(ctx, "t1", "run-1", payroll.AnomalyFilter{EmployeeID: "emp-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "low", list[0].ID)
}

func TestJobs_SaveUpdateList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	job := payroll.ReconciliationJob{ID: "job-1", TenantID: "t1", RunID: "run-1", Status: payroll.JobQueued, QueuedAt: t0}
	require.NoError(t, store.SaveJob(ctx, job))

	started := t0.Add(time.Minute)
	job.Status = payroll.JobFailed
	job.Error = "boom"
	job.Attempts = 1
	job.StartedAt = &started
	require.NoError(t, store.SaveJob(ctx, job))

	got, err := store.GetJob(ctx, "t1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, payroll.JobFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Nil(t, got.CompletedAt)

	failed := payroll.JobFailed
	jobs, err := store.ListJobs(ctx, "t1", &failed)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = store.GetJob(ctx, "t2", "job-1")
	assert.ErrorIs(t, err, payroll.ErrJobNotFound)
}

func TestDirectory_EmployeesRecommendationsAudit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveEmployee(ctx, payroll.Employee{ID: "emp-1", TenantID: "t1", Name: "Ada", Currency: "usd"}))
	require.NoError(t, store.SaveEmployee(ctx, payroll.Employee{ID: "mgr-1", TenantID: "t1", Name: "Grace"}))

	emp, err := store.GetEmployee(ctx, "t1", "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "USD", emp.Currency)

	_, err = store.GetEmployee(ctx, "t2", "emp-1")
	assert.ErrorIs(t, err, payroll.ErrEmployeeNotFound)

	byID, err := store.EmployeesByIDs(ctx, "t1", []string{"emp-1", "mgr-1", "ghost"})
	require.NoError(t, err)
	assert.Len(t, byID, 2)

	// Recommendations join their cycle name
	require.NoError(t, store.SaveCycle(ctx, payroll.CompensationCycle{ID: "c-1", TenantID: "t1", Name: "2025 Merit"}))
	approvedAt := t0
	require.NoError(t, store.SaveRecommendation(ctx, payroll.Recommendation{
		ID: "rec-1", TenantID: "t1", EmployeeID: "emp-1", CycleID: "c-1",
		Type: payroll.RecMeritIncrease, Status: payroll.RecApproved,
		CurrentValue: decimal.NewFromInt(100000), ProposedValue: decimal.NewFromInt(105000),
		ApproverID: "mgr-1", ApprovedAt: &approvedAt, CreatedAt: t0, UpdatedAt: t0,
	}))
	recs, err := store.RecommendationsForEmployee(ctx, "t1", "emp-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2025 Merit", recs[0].CycleName)
	assert.True(t, recs[0].ProposedValue.Equal(decimal.NewFromInt(105000)))
	require.NotNil(t, recs[0].ApprovedAt)

	// Audit entries keep their before/after pairs
	require.NoError(t, store.AppendAudit(ctx, payroll.AuditEntry{
		ID: "au-1", TenantID: "t1", EntityType: "employee", EntityID: "emp-1", ActorID: "mgr-1",
		Action: "update", Timestamp: t0,
		Changes: map[string]payroll.FieldChange{"title": {Before: "Engineer", After: "Senior Engineer"}},
	}))
	entries, err := store.QueryAudit(ctx, "t1", payroll.AuditFilter{EntityType: "employee", EntityID: "emp-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Senior Engineer", entries[0].Changes["title"].After)

	other, err := store.QueryAudit(ctx, "t2", payroll.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestResetTenant(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRun(ctx, testRun("t1", "run-1", "2025-03", payroll.RunDraft),
		[]payroll.LineItem{item("t1", "run-1", "li-1", "emp-1", "BASE_SALARY", 1, 1)}))
	require.NoError(t, store.CreateRun(ctx, testRun("t2", "run-2", "2025-03", payroll.RunDraft), nil))

	require.NoError(t, store.ResetTenant(ctx, "t1"))

	_, err := store.GetRun(ctx, "t1", "run-1")
	assert.ErrorIs(t, err, payroll.ErrRunNotFound)
	_, err = store.GetRun(ctx, "t2", "run-2")
	assert.NoError(t, err)
}
