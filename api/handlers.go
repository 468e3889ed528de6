/*
handlers.go - HTTP API handlers for payroll reconciliation

PURPOSE:
  Exposes the reconciliation service via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the service.

ENDPOINTS:
  Runs:
    POST   /api/runs                          Create a DRAFT run with line items
    GET    /api/runs                          List runs (status, period, page, limit)
    GET    /api/runs/{id}                     Get one run
    POST   /api/runs/{id}/check               Detect inline or defer to the worker
    POST   /api/runs/{id}/approve             REVIEW -> APPROVED, blocked by CRITICAL
    POST   /api/runs/{id}/finalize            APPROVED -> FINALIZED
    POST   /api/runs/{id}/reopen              APPROVED -> REVIEW

  Review:
    GET    /api/runs/{id}/report              Summary, anomalies and traces
    GET    /api/runs/{id}/anomalies           Filtered, paginated anomalies
    POST   /api/runs/{id}/anomalies/{aid}/resolve
    GET    /api/runs/{id}/export?format=      csv | pdf | xlsx
    GET    /api/runs/{id}/employees/{eid}/trace?component=

  Trace sources:
    POST   /api/employees                     Upsert directory entry
    GET    /api/employees/{id}
    POST   /api/recommendations               Upsert compensation recommendation
    POST   /api/audit                         Append audit entry

  Jobs:
    GET    /api/jobs                          Deferred job history (status)
    GET    /api/jobs/{id}

TENANCY:
  Every /api route requires the X-Tenant-ID header. The tenant travels in the
  request context; handlers never read it from the body.

ERROR HANDLING:
  Errors are returned as JSON with the status chosen by the payroll
  classifiers:
  - 400: payroll.IsClientError, failed validation
  - 404: payroll.IsNotFound
  - 409: payroll.IsConflict (double resolve, illegal transition, blockers, lock)
  - 500: everything else, logged with the request id

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-recon/payroll"
	"github.com/warp/payroll-recon/reconciliation"
	"github.com/warp/payroll-recon/store/sqlite"
)

// TenantHeader carries the caller's tenant on every /api request.
const TenantHeader = "X-Tenant-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *reconciliation.Service
	Store   *sqlite.Store
	Logger  logrus.FieldLogger

	validate *validator.Validate
	now      func() time.Time

	// Track the scenario loaded per tenant
	mu               sync.Mutex
	currentScenarios map[string]string
}

// NewHandler creates a new handler around the service and its store.
func NewHandler(service *reconciliation.Service, store *sqlite.Store, logger logrus.FieldLogger) *Handler {
	return &Handler{
		Service:          service,
		Store:            store,
		Logger:           logger.WithField("component", "api"),
		validate:         validator.New(),
		now:              time.Now,
		currentScenarios: make(map[string]string),
	}
}

type tenantKey struct{}

// RequireTenant rejects requests without X-Tenant-ID.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "Missing "+TenantHeader+" header", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenantID)))
	})
}

func tenantFrom(r *http.Request) string {
	tenantID, _ := r.Context().Value(tenantKey{}).(string)
	return tenantID
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// CreateRun stores a DRAFT run.
// POST /api/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := reconciliation.CreateRunInput{
		Period:    req.Period,
		Currency:  req.Currency,
		ActorID:   req.ActorID,
		LineItems: make([]reconciliation.LineItemInput, len(req.LineItems)),
	}
	for i, li := range req.LineItems {
		in.LineItems[i] = reconciliation.LineItemInput{
			EmployeeID:     li.EmployeeID,
			Component:      li.Component,
			Amount:         li.Amount,
			PreviousAmount: li.PreviousAmount,
		}
	}

	run, err := h.Service.CreatePayrollRun(r.Context(), tenantFrom(r), in)
	if err != nil {
		h.fail(w, r, "Failed to create run", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRunDTO(*run))
}

// ListRuns returns the tenant's runs, newest period first.
// GET /api/runs?status=REVIEW&period=2025-06&page=1&limit=50
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePage(q.Get("page"), q.Get("limit"))
	if err != nil {
		h.fail(w, r, "Invalid pagination", err)
		return
	}
	filter := payroll.RunFilter{Period: q.Get("period"), Page: page}
	if s := q.Get("status"); s != "" {
		status, err := parseRunStatus(s)
		if err != nil {
			h.fail(w, r, "Invalid status", err)
			return
		}
		filter.Status = &status
	}

	runs, total, err := h.Service.ListRuns(r.Context(), tenantFrom(r), filter)
	if err != nil {
		h.fail(w, r, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, RunListResponse{Runs: dtos, Total: total, Page: page.Number, Limit: page.Limit})
}

// GetRun returns one run.
// GET /api/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Service.GetRun(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// CheckRun runs detection. Large runs come back 202 with a job id.
// POST /api/runs/{id}/check
func (h *Handler) CheckRun(w http.ResponseWriter, r *http.Request) {
	result, err := h.Service.RunCheck(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to check run", err)
		return
	}

	status := http.StatusOK
	if result.Async {
		status = http.StatusAccepted
	}
	writeJSON(w, status, CheckResponse{
		RunID:  result.RunID,
		Status: string(result.Status),
		Async:  result.Async,
		JobID:  result.JobID,
		Report: result.Report,
	})
}

// ApproveRun moves a reviewed run to APPROVED.
// POST /api/runs/{id}/approve
func (h *Handler) ApproveRun(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "approve", h.Service.ApproveRun)
}

// FinalizeRun locks an approved run.
// POST /api/runs/{id}/finalize
func (h *Handler) FinalizeRun(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "finalize", h.Service.FinalizeRun)
}

// ReopenRun sends an approved run back to review.
// POST /api/runs/{id}/reopen
func (h *Handler) ReopenRun(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "reopen", h.Service.ReopenRun)
}

type transitionFunc func(ctx context.Context, tenantID, runID, actorID string) (*payroll.PayrollRun, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, verb string, fn transitionFunc) {
	var req ActorRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	run, err := fn(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), req.ActorID)
	if err != nil {
		h.fail(w, r, "Failed to "+verb+" run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// =============================================================================
// REVIEW HANDLERS
// =============================================================================

// GetReport returns the reconciliation report of the run's current findings.
// GET /api/runs/{id}/report
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.GetReport(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to build report", err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// ListAnomalies returns a filtered page of the run's current anomalies.
// GET /api/runs/{id}/anomalies?severity=HIGH&type=SPIKE&resolved=false&employee_id=e1&page=1&limit=50
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAnomalyFilter(r)
	if err != nil {
		h.fail(w, r, "Invalid anomaly filter", err)
		return
	}

	anomalies, total, err := h.Service.ListAnomalies(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), filter)
	if err != nil {
		h.fail(w, r, "Failed to list anomalies", err)
		return
	}
	writeJSON(w, http.StatusOK, AnomalyListResponse{
		Anomalies: toAnomalyDTOs(anomalies),
		Total:     total,
		Page:      filter.Page.Number,
		Limit:     filter.Page.Limit,
	})
}

func parseAnomalyFilter(r *http.Request) (payroll.AnomalyFilter, error) {
	q := r.URL.Query()
	page, err := parsePage(q.Get("page"), q.Get("limit"))
	if err != nil {
		return payroll.AnomalyFilter{}, err
	}
	filter := payroll.AnomalyFilter{EmployeeID: q.Get("employee_id"), Page: &page}

	if s := q.Get("severity"); s != "" {
		sev, err := payroll.ParseSeverity(s)
		if err != nil {
			return filter, err
		}
		filter.Severity = &sev
	}
	if s := q.Get("type"); s != "" {
		t, err := payroll.ParseAnomalyType(s)
		if err != nil {
			return filter, err
		}
		filter.Type = &t
	}
	if s := q.Get("resolved"); s != "" {
		resolved, err := strconv.ParseBool(s)
		if err != nil {
			return filter, fmt.Errorf("%w: resolved must be true or false", payroll.ErrInvalidInput)
		}
		filter.Resolved = &resolved
	}
	return filter, nil
}

// ResolveAnomaly signs off one finding.
// POST /api/runs/{id}/anomalies/{anomalyId}/resolve
func (h *Handler) ResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	var req ResolveAnomalyRequest
	if !h.decode(w, r, &req) {
		return
	}

	anomaly, err := h.Service.ResolveAnomaly(r.Context(), tenantFrom(r),
		chi.URLParam(r, "id"), chi.URLParam(r, "anomalyId"), req.ResolvedBy, req.Notes)
	if err != nil {
		h.fail(w, r, "Failed to resolve anomaly", err)
		return
	}
	writeJSON(w, http.StatusOK, toAnomalyDTO(*anomaly))
}

// ExportReport streams the report as a file download.
// GET /api/runs/{id}/export?format=csv
func (h *Handler) ExportReport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = string(reconciliation.FormatCSV)
	}

	export, err := h.Service.ExportReport(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), format)
	if err != nil {
		h.fail(w, r, "Failed to export report", err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(export.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(export.Data)
}

// TraceEmployee returns the ordered timeline behind an employee's pay.
// GET /api/runs/{id}/employees/{employeeId}/trace?component=BASE_SALARY
func (h *Handler) TraceEmployee(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.TraceEmployee(r.Context(), tenantFrom(r),
		chi.URLParam(r, "id"), chi.URLParam(r, "employeeId"), r.URL.Query().Get("component"))
	if err != nil {
		h.fail(w, r, "Failed to trace employee", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// ListJobs returns deferred reconciliation jobs, newest first.
// GET /api/jobs?status=FAILED
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var status *payroll.JobStatus
	if s := r.URL.Query().Get("status"); s != "" {
		js := payroll.JobStatus(strings.ToUpper(s))
		switch js {
		case payroll.JobQueued, payroll.JobRunning, payroll.JobCompleted, payroll.JobFailed:
		default:
			h.fail(w, r, "Invalid status", fmt.Errorf("%w: unknown job status %q", payroll.ErrInvalidInput, s))
			return
		}
		status = &js
	}

	jobs, err := h.Service.ListJobs(r.Context(), tenantFrom(r), status)
	if err != nil {
		h.fail(w, r, "Failed to list jobs", err)
		return
	}
	dtos := make([]JobDTO, len(jobs))
	for i, j := range jobs {
		dtos[i] = toJobDTO(j)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetJob returns one job.
// GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Service.GetJob(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get job", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// =============================================================================
// TRACE SOURCE HANDLERS
// =============================================================================

// CreateEmployee upserts a directory entry.
// POST /api/employees
func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req EmployeeRequest
	if !h.decode(w, r, &req) {
		return
	}

	emp := payroll.Employee{
		ID:        req.ID,
		TenantID:  tenantFrom(r),
		Name:      req.Name,
		Email:     req.Email,
		Currency:  strings.ToUpper(req.Currency),
		ManagerID: req.ManagerID,
		CreatedAt: h.now(),
	}
	if err := h.Store.SaveEmployee(r.Context(), emp); err != nil {
		h.fail(w, r, "Failed to save employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(emp))
}

// GetEmployee returns one directory entry.
// GET /api/employees/{id}
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Store.GetEmployee(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*emp))
}

// CreateRecommendation upserts a compensation recommendation.
// POST /api/recommendations
func (h *Handler) CreateRecommendation(w http.ResponseWriter, r *http.Request) {
	var req RecommendationRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	tenantID := tenantFrom(r)

	if req.CycleName != "" {
		if req.CycleID == "" {
			req.CycleID = uuid.NewString()
		}
		if err := h.Store.SaveCycle(ctx, payroll.CompensationCycle{ID: req.CycleID, TenantID: tenantID, Name: req.CycleName}); err != nil {
			h.fail(w, r, "Failed to save cycle", err)
			return
		}
	}

	rec := recommendationFromRequest(tenantID, req, h.now())
	if err := h.Store.SaveRecommendation(ctx, rec); err != nil {
		h.fail(w, r, "Failed to save recommendation", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rec.ID, "cycleId": rec.CycleID})
}

// recommendationFromRequest fills ids and timestamps. UpdatedAt is the
// latest known event so the trace places the recommendation correctly.
func recommendationFromRequest(tenantID string, req RecommendationRequest, now time.Time) payroll.Recommendation {
	rec := payroll.Recommendation{
		ID:            req.ID,
		TenantID:      tenantID,
		EmployeeID:    req.EmployeeID,
		CycleID:       req.CycleID,
		Type:          payroll.RecommendationType(req.Type),
		CurrentValue:  req.CurrentValue,
		ProposedValue: req.ProposedValue,
		Justification: req.Justification,
		Status:        payroll.RecommendationStatus(req.Status),
		SubmittedBy:   req.SubmittedBy,
		ApproverID:    req.ApproverID,
		ApprovedAt:    req.ApprovedAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if req.CreatedAt != nil {
		rec.CreatedAt = *req.CreatedAt
		rec.UpdatedAt = *req.CreatedAt
	}
	if rec.ApprovedAt != nil && rec.ApprovedAt.After(rec.UpdatedAt) {
		rec.UpdatedAt = *rec.ApprovedAt
	}
	return rec
}

// AppendAudit records an external data edit.
// POST /api/audit
func (h *Handler) AppendAudit(w http.ResponseWriter, r *http.Request) {
	var req AuditRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry := payroll.AuditEntry{
		ID:         uuid.NewString(),
		TenantID:   tenantFrom(r),
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ActorID:    req.ActorID,
		Action:     strings.ToUpper(req.Action),
		Changes:    req.Changes,
		Timestamp:  h.now(),
	}
	if req.Timestamp != nil {
		entry.Timestamp = *req.Timestamp
	}
	if err := h.Store.AppendAudit(r.Context(), entry); err != nil {
		h.fail(w, r, "Failed to append audit entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": entry.ID})
}

// Health reports whether the database answers.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the 400 itself and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Fields: validationFields(ve)})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func validationFields(ve validator.ValidationErrors) map[string]string {
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Namespace()] = fe.Tag()
	}
	return fields
}

// fail maps a service error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"tenant_id":  tenantFrom(r),
			"path":       r.URL.Path,
		}).WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case payroll.IsNotFound(err):
		return http.StatusNotFound
	case payroll.IsClientError(err):
		return http.StatusBadRequest
	case payroll.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parsePage(pageParam, limitParam string) (payroll.Page, error) {
	var page payroll.Page
	var err error
	if pageParam != "" {
		if page.Number, err = strconv.Atoi(pageParam); err != nil {
			return page, fmt.Errorf("%w: page must be an integer", payroll.ErrInvalidInput)
		}
	}
	if limitParam != "" {
		if page.Limit, err = strconv.Atoi(limitParam); err != nil {
			return page, fmt.Errorf("%w: limit must be an integer", payroll.ErrInvalidInput)
		}
	}
	return page.Normalize(), nil
}

func parseRunStatus(s string) (payroll.RunStatus, error) {
	status := payroll.RunStatus(strings.ToUpper(s))
	switch status {
	case payroll.RunDraft, payroll.RunProcessing, payroll.RunReview,
		payroll.RunApproved, payroll.RunFinalized, payroll.RunError:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown run status %q", payroll.ErrInvalidInput, s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
