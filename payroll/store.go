/*
store.go - Persistence interfaces for the reconciliation core

PURPOSE:
  Defines the boundary between the reconciliation logic and the tenant-scoped
  relational store. Every method takes the tenant id and every
  implementation must filter on it.

KEY INTERFACES:
  RunStore:            Payroll runs, line items, status changes
  AnomalyStore:        Generation-scoped anomaly sets and resolutions
  JobStore:            Deferred reconciliation job records
  EmployeeStore:       Employee directory
  RecommendationStore: Compensation cycles and recommendations
  AuditLog:            Tenant audit trail of data edits

GENERATIONS:
  ReplaceAnomalies writes a complete new anomaly set for a run under
  expectedGeneration+1 and advances the run's generation with a
  compare-and-swap. Readers only see the current generation, so a reader never
  observes a half-written set. A lost CAS returns ErrConcurrentModification.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (tests use ":memory:")

SEE ALSO:
  - detection/engine.go: Main writer of anomalies
  - reconciliation/service.go: Main reader
*/
package payroll

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RUNS AND LINE ITEMS
// =============================================================================

type RunStore interface {
	// CreateRun persists the run and its line items atomically.
	CreateRun(ctx context.Context, run PayrollRun, items []LineItem) error

	// GetRun returns ErrRunNotFound when the run is absent for the tenant.
	GetRun(ctx context.Context, tenantID, runID string) (*PayrollRun, error)

	ListRuns(ctx context.Context, tenantID string, filter RunFilter) ([]PayrollRun, int, error)

	// UpdateRunStatus moves a run from one status to another. The caller
	// validates the transition. A run no longer in from returns
	// ErrConcurrentModification.
	UpdateRunStatus(ctx context.Context, tenantID, runID string, from, to RunStatus) error

	// HistoricalRuns returns APPROVED/FINALIZED runs other than excludeRunID,
	// most recent period first, at most limit.
	HistoricalRuns(ctx context.Context, tenantID, excludeRunID string, limit int) ([]PayrollRun, error)

	CountLineItems(ctx context.Context, tenantID, runID string) (int, error)

	// LineItemsPage returns one page ordered by employee id.
	LineItemsPage(ctx context.Context, tenantID, runID string, offset, limit int) ([]LineItem, error)

	// LineItemsForRuns returns every item of the given runs.
	LineItemsForRuns(ctx context.Context, tenantID string, runIDs []string) ([]LineItem, error)

	LineItemsForEmployee(ctx context.Context, tenantID, runID, employeeID string) ([]LineItem, error)
}

type RunFilter struct {
	Status *RunStatus
	Period string
	Page   Page
}

// Page is 1-based page/limit pagination.
type Page struct {
	Number int
	Limit  int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps page and limit into valid ranges.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p Page) Offset() int {
	n := p.Normalize()
	return (n.Number - 1) * n.Limit
}

// =============================================================================
// ANOMALIES
// =============================================================================

type AnomalyStore interface {
	// ReplaceAnomalies installs a new generation for the run. See GENERATIONS.
	ReplaceAnomalies(ctx context.Context, tenantID, runID string, expectedGeneration int64, anomalies []Anomaly) (int64, error)

	// ListAnomalies reads the run's current generation with resolutions joined.
	ListAnomalies(ctx context.Context, tenantID, runID string, filter AnomalyFilter) ([]Anomaly, int, error)

	// GetAnomaly returns ErrAnomalyNotFound when absent for the tenant.
	GetAnomaly(ctx context.Context, tenantID, anomalyID string) (*Anomaly, error)

	// SaveResolution returns ErrAlreadyResolved if the fingerprint is resolved.
	SaveResolution(ctx context.Context, r Resolution) error
}

type AnomalyFilter struct {
	Severity   *Severity
	Type       *AnomalyType
	Resolved   *bool
	EmployeeID string
	Page       *Page // nil returns everything
}

// =============================================================================
// DEFERRED JOBS
// =============================================================================

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// ReconciliationJob records one deferred detection pass.
type ReconciliationJob struct {
	ID          string
	TenantID    string
	RunID       string
	Status      JobStatus
	Error       string
	Attempts    int
	QueuedAt    time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type JobStore interface {
	SaveJob(ctx context.Context, job ReconciliationJob) error
	GetJob(ctx context.Context, tenantID, jobID string) (*ReconciliationJob, error)
	ListJobs(ctx context.Context, tenantID string, status *JobStatus) ([]ReconciliationJob, error)
}

// =============================================================================
// EMPLOYEES
// =============================================================================

type EmployeeStore interface {
	SaveEmployee(ctx context.Context, e Employee) error
	// GetEmployee returns ErrEmployeeNotFound when absent for the tenant.
	GetEmployee(ctx context.Context, tenantID, employeeID string) (*Employee, error)
	EmployeesByIDs(ctx context.Context, tenantID string, ids []string) (map[string]Employee, error)
}

// =============================================================================
// COMPENSATION RECOMMENDATIONS
// =============================================================================

type RecommendationType string

const (
	RecMeritIncrease    RecommendationType = "MERIT_INCREASE"
	RecPromotion        RecommendationType = "PROMOTION"
	RecBonus            RecommendationType = "BONUS"
	RecEquity           RecommendationType = "EQUITY"
	RecMarketAdjustment RecommendationType = "MARKET_ADJUSTMENT"
)

type RecommendationStatus string

const (
	RecDraft     RecommendationStatus = "DRAFT"
	RecSubmitted RecommendationStatus = "SUBMITTED"
	RecApproved  RecommendationStatus = "APPROVED"
	RecRejected  RecommendationStatus = "REJECTED"
	RecEscalated RecommendationStatus = "ESCALATED"
)

type CompensationCycle struct {
	ID       string
	TenantID string
	Name     string
}

// Recommendation is a compensation change proposed in a cycle.
type Recommendation struct {
	ID            string
	TenantID      string
	EmployeeID    string
	CycleID       string
	CycleName     string // joined from the cycle
	Type          RecommendationType
	CurrentValue  decimal.Decimal
	ProposedValue decimal.Decimal
	Justification string
	Status        RecommendationStatus
	SubmittedBy   string
	ApproverID    string
	ApprovedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type RecommendationStore interface {
	SaveCycle(ctx context.Context, c CompensationCycle) error
	SaveRecommendation(ctx context.Context, r Recommendation) error
	RecommendationsForEmployee(ctx context.Context, tenantID, employeeID string) ([]Recommendation, error)
}

// =============================================================================
// AUDIT LOG - Tenant-wide record of data edits
// =============================================================================

// FieldChange is one before/after pair inside an audit entry.
type FieldChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// AuditEntry records who changed what when.
type AuditEntry struct {
	ID         string
	TenantID   string
	EntityType string // "employee", "payroll_run", "recommendation", ...
	EntityID   string
	ActorID    string
	Action     string
	Changes    map[string]FieldChange
	Timestamp  time.Time
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	From       *time.Time
	To         *time.Time
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, tenantID string, filter AuditFilter) ([]AuditEntry, error)
}
