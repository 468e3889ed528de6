/*
Package reconciliation orchestrates the payroll run lifecycle around anomaly
detection.

PURPOSE:
  Owns run creation, the sync-versus-deferred decision for detection passes,
  report assembly with resolution state and traces, anomaly resolution, the
  approval guard and exports.

RUN LIFECYCLE:
  DRAFT ─check(async)─> PROCESSING ─execute─> REVIEW ─approve─> APPROVED ─finalize─> FINALIZED
  DRAFT/REVIEW/ERROR ─execute─> REVIEW
  PROCESSING ─job failure─> ERROR
  APPROVED ─reopen─> REVIEW

  Approval is refused while the current generation holds unresolved
  CRITICAL anomalies.

SYNC VS DEFERRED:
  RunCheck counts the run's line items. At or above AsyncThreshold the run is
  marked PROCESSING, a job is recorded and enqueued, and the call returns at
  once. Below it the pass runs inline. Detection semantics are identical on
  both paths.

FAILURES:
  A failed inline pass leaves the run status untouched. A failed deferred
  pass marks the job FAILED and the run ERROR; nothing is retried here.

SEE ALSO:
  - worker.go: Deferred job consumer
  - export.go: CSV, text and XLSX renderers
  - detection/engine.go: Detection pass
  - trace/builder.go: Employee traces
*/
package reconciliation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-recon/config"
	"github.com/warp/payroll-recon/detection"
	"github.com/warp/payroll-recon/payroll"
	"github.com/warp/payroll-recon/trace"
)

const (
	DefaultAsyncThreshold = 50000
	DefaultTraceLimit     = 10

	// SystemActor is recorded on audit entries written without a user.
	SystemActor = "system"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	payroll.RunStore
	payroll.AnomalyStore
	payroll.JobStore
	payroll.AuditLog
}

// Detector runs a detection pass.
type Detector interface {
	DetectAnomalies(ctx context.Context, tenantID, runID string, overrides *detection.Overrides) (*detection.Report, error)
}

// Tracer builds employee traces.
type Tracer interface {
	TraceEmployee(ctx context.Context, tenantID, runID, employeeID, component string) (*trace.Report, error)
}

type Service struct {
	store    Store
	detector Detector
	tracer   Tracer
	queue    JobQueue
	configs  detection.ConfigSource
	logger   logrus.FieldLogger

	asyncThreshold int
	traceLimit     int
	now            func() time.Time
}

type Option func(*Service)

func WithAsyncThreshold(n int) Option {
	return func(s *Service) { s.asyncThreshold = n }
}

func WithTraceLimit(n int) Option {
	return func(s *Service) { s.traceLimit = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the orchestrator. A nil configs source uses the detection
// defaults for every tenant.
func NewService(store Store, detector Detector, tracer Tracer, queue JobQueue, configs detection.ConfigSource, logger logrus.FieldLogger, opts ...Option) *Service {
	if configs == nil {
		configs = detection.StaticConfig(detection.DefaultConfig())
	}
	s := &Service{
		store:          store,
		detector:       detector,
		tracer:         tracer,
		queue:          queue,
		configs:        configs,
		logger:         logger.WithField("component", "reconciliation"),
		asyncThreshold: DefaultAsyncThreshold,
		traceLimit:     DefaultTraceLimit,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// RUN CREATION
// =============================================================================

type LineItemInput struct {
	EmployeeID     string
	Component      string
	Amount         decimal.Decimal
	PreviousAmount decimal.Decimal
}

type CreateRunInput struct {
	Period    string
	Currency  string
	ActorID   string
	LineItems []LineItemInput
}

// CreatePayrollRun stores a DRAFT run with its line items and totals.
func (s *Service) CreatePayrollRun(ctx context.Context, tenantID string, in CreateRunInput) (*payroll.PayrollRun, error) {
	period, err := payroll.ParsePeriod(in.Period)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	run := payroll.PayrollRun{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Period:    period.String(),
		Status:    payroll.RunDraft,
		Currency:  strings.ToUpper(in.Currency),
		CreatedAt: now,
		UpdatedAt: now,
	}

	items := make([]payroll.LineItem, 0, len(in.LineItems))
	for i, li := range in.LineItems {
		if li.EmployeeID == "" || strings.TrimSpace(li.Component) == "" {
			return nil, fmt.Errorf("%w: line item %d needs employeeId and component", payroll.ErrInvalidInput, i)
		}
		items = append(items, payroll.LineItem{
			ID:             uuid.NewString(),
			TenantID:       tenantID,
			PayrollRunID:   run.ID,
			EmployeeID:     li.EmployeeID,
			Component:      strings.TrimSpace(li.Component),
			Amount:         li.Amount,
			PreviousAmount: li.PreviousAmount,
			CreatedAt:      now,
		})
	}

	totals := payroll.ComputeTotals(items, s.configs.ConfigFor(tenantID).Classifier())
	run.EmployeeCount = totals.EmployeeCount
	run.TotalGross = totals.Gross
	run.TotalNet = totals.Net

	if err := s.store.CreateRun(ctx, run, items); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.audit(ctx, tenantID, "payroll_run", run.ID, in.ActorID, "CREATE", map[string]payroll.FieldChange{
		"status": {Before: nil, After: run.Status},
	})

	s.logger.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"run_id":     run.ID,
		"period":     run.Period,
		"line_items": len(items),
		"employees":  run.EmployeeCount,
	}).Info("Payroll run created")

	return &run, nil
}

// =============================================================================
// CHECK / EXECUTE
// =============================================================================

// CheckResult is the outcome of RunCheck. Report is set only for inline
// passes; JobID only for deferred ones.
type CheckResult struct {
	RunID  string
	Status payroll.RunStatus
	Async  bool
	JobID  string
	Report *detection.Report
}

// RunCheck runs a detection pass inline or defers it to the worker pool.
func (s *Service) RunCheck(ctx context.Context, tenantID, runID string) (*CheckResult, error) {
	run, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == payroll.RunProcessing {
		// A deferred pass is already pending.
		return nil, &payroll.TransitionError{RunID: run.ID, From: run.Status, To: payroll.RunProcessing}
	}

	count, err := s.store.CountLineItems(ctx, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("count line items: %w", err)
	}

	if count >= s.asyncThreshold {
		jobID, err := s.enqueue(ctx, *run, count)
		if err != nil {
			return nil, err
		}
		return &CheckResult{RunID: runID, Status: payroll.RunProcessing, Async: true, JobID: jobID}, nil
	}

	report, err := s.ExecuteReconciliation(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	return &CheckResult{RunID: runID, Status: payroll.RunReview, Report: report}, nil
}

func (s *Service) enqueue(ctx context.Context, run payroll.PayrollRun, lineItems int) (string, error) {
	if err := payroll.CheckTransition(run, payroll.RunProcessing); err != nil {
		return "", err
	}
	if err := s.setStatus(ctx, run, payroll.RunProcessing, SystemActor); err != nil {
		return "", err
	}

	job := payroll.ReconciliationJob{
		ID:       uuid.NewString(),
		TenantID: run.TenantID,
		RunID:    run.ID,
		Status:   payroll.JobQueued,
		QueuedAt: s.now().UTC(),
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return "", fmt.Errorf("save job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, Job{ID: job.ID, TenantID: run.TenantID, RunID: run.ID}); err != nil {
		config.LogError(s.logger, "reconciliation", "RunCheck", "enqueue deferred pass",
			logrus.Fields{"tenant_id": run.TenantID, "run_id": run.ID, "job_id": job.ID}, err)
		s.failJob(ctx, job, err)
		return "", fmt.Errorf("enqueue reconciliation job: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":  run.TenantID,
		"run_id":     run.ID,
		"job_id":     job.ID,
		"line_items": lineItems,
	}).Info("Detection pass deferred")
	return job.ID, nil
}

// ExecuteReconciliation runs a detection pass and moves the run to REVIEW.
// On failure the run status is left as it was.
func (s *Service) ExecuteReconciliation(ctx context.Context, tenantID, runID string) (*detection.Report, error) {
	run, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if err := payroll.CheckTransition(*run, payroll.RunReview); err != nil {
		return nil, err
	}

	report, err := s.detector.DetectAnomalies(ctx, tenantID, runID, nil)
	if err != nil {
		config.LogError(s.logger, "reconciliation", "ExecuteReconciliation", "detection pass",
			logrus.Fields{"tenant_id": tenantID, "run_id": runID}, err)
		return nil, err
	}

	if err := s.setStatus(ctx, *run, payroll.RunReview, SystemActor); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"run_id":     runID,
		"anomalies":  report.TotalAnomalies,
		"critical":   report.CriticalCount,
		"generation": report.Generation,
	}).Info("Reconciliation complete")

	return report, nil
}

// =============================================================================
// REPORT
// =============================================================================

type ReportSummary struct {
	TotalAnomalies    int
	CriticalCount     int
	HighCount         int
	MediumCount       int
	LowCount          int
	ResolvedCount     int
	ByType            map[payroll.AnomalyType]int
	HasBlockers       bool
	TotalAmountAtRisk decimal.Decimal
	Text              string
}

// Report is the reviewer-facing view of a run.
type Report struct {
	Run         payroll.PayrollRun
	Summary     ReportSummary
	Anomalies   []payroll.Anomaly
	Traces      []*trace.Report
	GeneratedAt time.Time
}

// GetReport assembles the run's current anomalies with resolution state and
// traces for the worst-affected employees.
func (s *Service) GetReport(ctx context.Context, tenantID, runID string) (*Report, error) {
	run, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	anomalies, _, err := s.store.ListAnomalies(ctx, tenantID, runID, payroll.AnomalyFilter{})
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}

	report := &Report{
		Run:         *run,
		Summary:     summarize(anomalies, run.EmployeeCount),
		Anomalies:   anomalies,
		Traces:      []*trace.Report{},
		GeneratedAt: s.now().UTC(),
	}

	for _, employeeID := range traceCandidates(anomalies, s.traceLimit) {
		tr, err := s.tracer.TraceEmployee(ctx, tenantID, runID, employeeID, "")
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"tenant_id":   tenantID,
				"run_id":      runID,
				"employee_id": employeeID,
			}).Warn("Trace skipped")
			continue
		}
		report.Traces = append(report.Traces, tr)
	}
	return report, nil
}

func summarize(anomalies []payroll.Anomaly, employees int) ReportSummary {
	counts := detection.CountBySeverity(anomalies)
	sum := ReportSummary{
		TotalAnomalies:    len(anomalies),
		CriticalCount:     counts[payroll.SeverityCritical],
		HighCount:         counts[payroll.SeverityHigh],
		MediumCount:       counts[payroll.SeverityMedium],
		LowCount:          counts[payroll.SeverityLow],
		ByType:            make(map[payroll.AnomalyType]int),
		TotalAmountAtRisk: decimal.Zero,
		Text:              detection.Summarize(anomalies, employees),
	}
	sum.HasBlockers = sum.CriticalCount > 0
	for _, a := range anomalies {
		sum.ByType[a.Type]++
		if a.Resolved {
			sum.ResolvedCount++
		}
		if a.Details == nil {
			continue
		}
		if amount, ok := a.Details.AmountAtRisk(); ok {
			sum.TotalAmountAtRisk = sum.TotalAmountAtRisk.Add(amount.Abs())
		}
	}
	return sum
}

// traceCandidates returns up to limit distinct employees with a CRITICAL or
// HIGH anomaly, most severe first. anomalies arrive ordered by severity.
func traceCandidates(anomalies []payroll.Anomaly, limit int) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, a := range anomalies {
		if len(ids) >= limit {
			break
		}
		if a.Severity != payroll.SeverityCritical && a.Severity != payroll.SeverityHigh {
			continue
		}
		if !seen[a.EmployeeID] {
			seen[a.EmployeeID] = true
			ids = append(ids, a.EmployeeID)
		}
	}
	return ids
}

// TraceEmployee explains how one employee's pay in the run came to be.
func (s *Service) TraceEmployee(ctx context.Context, tenantID, runID, employeeID, component string) (*trace.Report, error) {
	return s.tracer.TraceEmployee(ctx, tenantID, runID, employeeID, component)
}

// =============================================================================
// ANOMALIES
// =============================================================================

func (s *Service) ListAnomalies(ctx context.Context, tenantID, runID string, filter payroll.AnomalyFilter) ([]payroll.Anomaly, int, error) {
	if _, err := s.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, 0, err
	}
	return s.store.ListAnomalies(ctx, tenantID, runID, filter)
}

// ResolveAnomaly signs off one anomaly of the run's current generation.
func (s *Service) ResolveAnomaly(ctx context.Context, tenantID, runID, anomalyID, resolvedBy, notes string) (*payroll.Anomaly, error) {
	if strings.TrimSpace(resolvedBy) == "" {
		return nil, fmt.Errorf("%w: resolvedBy is required", payroll.ErrInvalidInput)
	}
	if _, err := s.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	a, err := s.store.GetAnomaly(ctx, tenantID, anomalyID)
	if err != nil {
		return nil, err
	}
	if a.PayrollRunID != runID {
		return nil, fmt.Errorf("%w: anomaly %s, run %s", payroll.ErrAnomalyNotInRun, anomalyID, runID)
	}
	if a.Resolved {
		return nil, fmt.Errorf("%w: anomaly %s", payroll.ErrAlreadyResolved, anomalyID)
	}

	if err := s.store.SaveResolution(ctx, payroll.Resolution{
		TenantID:     tenantID,
		PayrollRunID: runID,
		Fingerprint:  a.Fingerprint,
		ResolvedBy:   resolvedBy,
		ResolvedAt:   s.now().UTC(),
		Notes:        notes,
	}); err != nil {
		return nil, err
	}
	s.audit(ctx, tenantID, "anomaly", anomalyID, resolvedBy, "RESOLVE", map[string]payroll.FieldChange{
		"resolved": {Before: false, After: true},
	})

	s.logger.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"run_id":      runID,
		"anomaly_id":  anomalyID,
		"fingerprint": a.Fingerprint,
	}).Info("Anomaly resolved")

	return s.store.GetAnomaly(ctx, tenantID, anomalyID)
}

// =============================================================================
// RUNS
// =============================================================================

func (s *Service) GetRun(ctx context.Context, tenantID, runID string) (*payroll.PayrollRun, error) {
	return s.store.GetRun(ctx, tenantID, runID)
}

func (s *Service) ListRuns(ctx context.Context, tenantID string, filter payroll.RunFilter) ([]payroll.PayrollRun, int, error) {
	return s.store.ListRuns(ctx, tenantID, filter)
}

// ApproveRun moves a REVIEW run to APPROVED once no unresolved CRITICAL
// anomaly remains.
func (s *Service) ApproveRun(ctx context.Context, tenantID, runID, actorID string) (*payroll.PayrollRun, error) {
	run, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	critical := payroll.SeverityCritical
	unresolved := false
	_, blocking, err := s.store.ListAnomalies(ctx, tenantID, runID, payroll.AnomalyFilter{
		Severity: &critical,
		Resolved: &unresolved,
		Page:     &payroll.Page{Number: 1, Limit: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("count blocking anomalies: %w", err)
	}
	if err := payroll.CheckApproval(*run, blocking); err != nil {
		return nil, err
	}
	return s.transition(ctx, *run, payroll.RunApproved, actorID)
}

// FinalizeRun locks an APPROVED run. Finalized runs are baseline history.
func (s *Service) FinalizeRun(ctx context.Context, tenantID, runID, actorID string) (*payroll.PayrollRun, error) {
	run, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if err := payroll.CheckTransition(*run, payroll.RunFinalized); err != nil {
		return nil, err
	}
	return s.transition(ctx, *run, payroll.RunFinalized, actorID)
}

// ReopenRun returns an APPROVED run to REVIEW. Anomalies are kept.
func (s *Service) ReopenRun(ctx context.Context, tenantID, runID, actorID string) (*payroll.PayrollRun, error) {
	run, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != payroll.RunApproved {
		return nil, &payroll.TransitionError{RunID: run.ID, From: run.Status, To: payroll.RunReview}
	}
	return s.transition(ctx, *run, payroll.RunReview, actorID)
}

func (s *Service) transition(ctx context.Context, run payroll.PayrollRun, to payroll.RunStatus, actorID string) (*payroll.PayrollRun, error) {
	if err := s.setStatus(ctx, run, to, actorID); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"tenant_id": run.TenantID,
		"run_id":    run.ID,
		"from":      run.Status,
		"to":        to,
	}).Info("Run status changed")
	return s.store.GetRun(ctx, run.TenantID, run.ID)
}

func (s *Service) setStatus(ctx context.Context, run payroll.PayrollRun, to payroll.RunStatus, actorID string) error {
	if err := s.store.UpdateRunStatus(ctx, run.TenantID, run.ID, run.Status, to); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	s.audit(ctx, run.TenantID, "payroll_run", run.ID, actorID, "STATUS_CHANGE", map[string]payroll.FieldChange{
		"status": {Before: run.Status, After: to},
	})
	return nil
}

// =============================================================================
// JOBS
// =============================================================================

func (s *Service) ListJobs(ctx context.Context, tenantID string, status *payroll.JobStatus) ([]payroll.ReconciliationJob, error) {
	return s.store.ListJobs(ctx, tenantID, status)
}

func (s *Service) GetJob(ctx context.Context, tenantID, jobID string) (*payroll.ReconciliationJob, error) {
	return s.store.GetJob(ctx, tenantID, jobID)
}

// failJob marks a job FAILED and moves a PROCESSING run to ERROR.
func (s *Service) failJob(ctx context.Context, job payroll.ReconciliationJob, cause error) {
	completed := s.now().UTC()
	job.Status = payroll.JobFailed
	job.Error = cause.Error()
	job.CompletedAt = &completed
	if err := s.store.SaveJob(ctx, job); err != nil {
		config.LogError(s.logger, "reconciliation", "failJob", "save failed job", job.ID, err)
	}

	run, err := s.store.GetRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		config.LogError(s.logger, "reconciliation", "failJob", "load run", job.RunID, err)
		return
	}
	if run.Status != payroll.RunProcessing {
		return
	}
	if err := s.setStatus(ctx, *run, payroll.RunError, SystemActor); err != nil {
		config.LogError(s.logger, "reconciliation", "failJob", "mark run errored", job.RunID, err)
	}
}

// =============================================================================
// AUDIT
// =============================================================================

// audit appends an entry; a failure is logged and does not fail the caller.
func (s *Service) audit(ctx context.Context, tenantID, entityType, entityID, actorID, action string, changes map[string]payroll.FieldChange) {
	if actorID == "" {
		actorID = SystemActor
	}
	err := s.store.AppendAudit(ctx, payroll.AuditEntry{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		Action:     action,
		Changes:    changes,
		Timestamp:  s.now().UTC(),
	})
	if err != nil {
		config.LogError(s.logger, "reconciliation", "audit", action, entityID, err)
	}
}
