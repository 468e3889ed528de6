/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the payroll domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: List wrappers with pagination

VALIDATION:
  Request types carry validator/v10 struct tags. Handlers call
  Handler.decode, which rejects unknown shapes and failed tags with 400.

AMOUNTS:
  Money is decimal.Decimal and serializes as a JSON string ("5000.00") so no
  client ever sees a float rounding artifact. Requests accept either a string
  or a number.

SEE ALSO:
  - handlers.go: Uses these types
  - payroll/anomaly.go: Details variants carried in AnomalyDTO.Details
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-recon/detection"
	"github.com/warp/payroll-recon/payroll"
	"github.com/warp/payroll-recon/reconciliation"
	"github.com/warp/payroll-recon/trace"
)

// =============================================================================
// REQUESTS
// =============================================================================

type LineItemRequest struct {
	EmployeeID     string          `json:"employeeId" validate:"required"`
	Component      string          `json:"component" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	PreviousAmount decimal.Decimal `json:"previousAmount"`
}

// CreateRunRequest creates a DRAFT payroll run with its line items.
type CreateRunRequest struct {
	Period    string            `json:"period" validate:"required"`
	Currency  string            `json:"currency" validate:"omitempty,len=3"`
	ActorID   string            `json:"actorId"`
	LineItems []LineItemRequest `json:"lineItems" validate:"required,min=1,dive"`
}

type ResolveAnomalyRequest struct {
	ResolvedBy string `json:"resolvedBy" validate:"required"`
	Notes      string `json:"notes"`
}

// ActorRequest is the optional body of approve, finalize and reopen.
type ActorRequest struct {
	ActorID string `json:"actorId"`
}

type EmployeeRequest struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Email     string `json:"email" validate:"omitempty,email"`
	Currency  string `json:"currency" validate:"omitempty,len=3"`
	ManagerID string `json:"managerId"`
}

// RecommendationRequest upserts a compensation recommendation. The cycle is
// created on the fly when CycleName is given.
type RecommendationRequest struct {
	ID            string          `json:"id"`
	EmployeeID    string          `json:"employeeId" validate:"required"`
	CycleID       string          `json:"cycleId"`
	CycleName     string          `json:"cycleName"`
	Type          string          `json:"type" validate:"required,oneof=MERIT_INCREASE PROMOTION BONUS EQUITY MARKET_ADJUSTMENT"`
	CurrentValue  decimal.Decimal `json:"currentValue"`
	ProposedValue decimal.Decimal `json:"proposedValue"`
	Justification string          `json:"justification"`
	Status        string          `json:"status" validate:"required,oneof=DRAFT SUBMITTED APPROVED REJECTED ESCALATED"`
	SubmittedBy   string          `json:"submittedBy"`
	ApproverID    string          `json:"approverId" validate:"required_if=Status APPROVED"`
	ApprovedAt    *time.Time      `json:"approvedAt"`
	CreatedAt     *time.Time      `json:"createdAt"`
}

type AuditRequest struct {
	EntityType string                         `json:"entityType" validate:"required"`
	EntityID   string                         `json:"entityId" validate:"required"`
	ActorID    string                         `json:"actorId"`
	Action     string                         `json:"action" validate:"required"`
	Changes    map[string]payroll.FieldChange `json:"changes"`
	Timestamp  *time.Time                     `json:"timestamp"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type RunDTO struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	Period        string          `json:"period"`
	Status        string          `json:"status"`
	Currency      string          `json:"currency,omitempty"`
	EmployeeCount int             `json:"employeeCount"`
	TotalGross    decimal.Decimal `json:"totalGross"`
	TotalNet      decimal.Decimal `json:"totalNet"`
	Generation    int64           `json:"generation"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type RunListResponse struct {
	Runs  []RunDTO `json:"runs"`
	Total int      `json:"total"`
	Page  int      `json:"page"`
	Limit int      `json:"limit"`
}

// AnomalyDTO flattens the details variant: Message and SuggestedAction are
// lifted out, the full variant stays under Details.
type AnomalyDTO struct {
	ID              string          `json:"id"`
	PayrollRunID    string          `json:"payrollRunId"`
	EmployeeID      string          `json:"employeeId"`
	Type            string          `json:"type"`
	Severity        string          `json:"severity"`
	Message         string          `json:"message"`
	SuggestedAction string          `json:"suggestedAction,omitempty"`
	Details         json.RawMessage `json:"details"`
	Fingerprint     string          `json:"fingerprint"`
	Resolved        bool            `json:"resolved"`
	ResolvedBy      string          `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
	ResolutionNotes string          `json:"resolutionNotes,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type AnomalyListResponse struct {
	Anomalies []AnomalyDTO `json:"anomalies"`
	Total     int          `json:"total"`
	Page      int          `json:"page"`
	Limit     int          `json:"limit"`
}

type CheckResponse struct {
	RunID  string            `json:"runId"`
	Status string            `json:"status"`
	Async  bool              `json:"async"`
	JobID  string            `json:"jobId,omitempty"`
	Report *detection.Report `json:"report,omitempty"`
}

type SummaryDTO struct {
	TotalAnomalies    int             `json:"totalAnomalies"`
	CriticalCount     int             `json:"criticalCount"`
	HighCount         int             `json:"highCount"`
	MediumCount       int             `json:"mediumCount"`
	LowCount          int             `json:"lowCount"`
	ResolvedCount     int             `json:"resolvedCount"`
	ByType            map[string]int  `json:"byType"`
	HasBlockers       bool            `json:"hasBlockers"`
	TotalAmountAtRisk decimal.Decimal `json:"totalAmountAtRisk"`
	Text              string          `json:"text"`
}

type ReportDTO struct {
	Run         RunDTO          `json:"run"`
	Summary     SummaryDTO      `json:"summary"`
	Anomalies   []AnomalyDTO    `json:"anomalies"`
	Traces      []*trace.Report `json:"traces"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

type JobDTO struct {
	ID          string     `json:"id"`
	RunID       string     `json:"payrollRunId"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type EmployeeDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	ManagerID string    `json:"managerId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioResult tells the client where to look after loading.
type ScenarioResult struct {
	ScenarioID string   `json:"scenarioId"`
	TenantID   string   `json:"tenantId"`
	RunID      string   `json:"runId"`
	Employees  []string `json:"employees"`
	History    []string `json:"history"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRunDTO(r payroll.PayrollRun) RunDTO {
	return RunDTO{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Period:        r.Period,
		Status:        string(r.Status),
		Currency:      r.Currency,
		EmployeeCount: r.EmployeeCount,
		TotalGross:    r.TotalGross,
		TotalNet:      r.TotalNet,
		Generation:    r.Generation,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func toAnomalyDTO(a payroll.Anomaly) AnomalyDTO {
	dto := AnomalyDTO{
		ID:              a.ID,
		PayrollRunID:    a.PayrollRunID,
		EmployeeID:      a.EmployeeID,
		Type:            string(a.Type),
		Severity:        string(a.Severity),
		Fingerprint:     a.Fingerprint,
		Resolved:        a.Resolved,
		ResolvedBy:      a.ResolvedBy,
		ResolvedAt:      a.ResolvedAt,
		ResolutionNotes: a.ResolutionNotes,
		CreatedAt:       a.CreatedAt,
		Details:         json.RawMessage("{}"),
	}
	if a.Details != nil {
		dto.Message = a.Details.Summary()
		dto.SuggestedAction = a.Details.Action()
		if raw, err := payroll.EncodeDetails(a.Details); err == nil {
			dto.Details = raw
		}
	}
	return dto
}

func toAnomalyDTOs(anomalies []payroll.Anomaly) []AnomalyDTO {
	dtos := make([]AnomalyDTO, len(anomalies))
	for i, a := range anomalies {
		dtos[i] = toAnomalyDTO(a)
	}
	return dtos
}

func toReportDTO(r *reconciliation.Report) ReportDTO {
	byType := make(map[string]int, len(r.Summary.ByType))
	for t, n := range r.Summary.ByType {
		byType[string(t)] = n
	}
	traces := r.Traces
	if traces == nil {
		traces = []*trace.Report{}
	}
	return ReportDTO{
		Run: toRunDTO(r.Run),
		Summary: SummaryDTO{
			TotalAnomalies:    r.Summary.TotalAnomalies,
			CriticalCount:     r.Summary.CriticalCount,
			HighCount:         r.Summary.HighCount,
			MediumCount:       r.Summary.MediumCount,
			LowCount:          r.Summary.LowCount,
			ResolvedCount:     r.Summary.ResolvedCount,
			ByType:            byType,
			HasBlockers:       r.Summary.HasBlockers,
			TotalAmountAtRisk: r.Summary.TotalAmountAtRisk,
			Text:              r.Summary.Text,
		},
		Anomalies:   toAnomalyDTOs(r.Anomalies),
		Traces:      traces,
		GeneratedAt: r.GeneratedAt,
	}
}

func toJobDTO(j payroll.ReconciliationJob) JobDTO {
	return JobDTO{
		ID:          j.ID,
		RunID:       j.RunID,
		Status:      string(j.Status),
		Error:       j.Error,
		Attempts:    j.Attempts,
		QueuedAt:    j.QueuedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

func toEmployeeDTO(e payroll.Employee) EmployeeDTO {
	return EmployeeDTO{
		ID:        e.ID,
		Name:      e.Name,
		Email:     e.Email,
		Currency:  e.Currency,
		ManagerID: e.ManagerID,
		CreatedAt: e.CreatedAt,
	}
}
