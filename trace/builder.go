/*
builder.go - Employee compensation trace

PURPOSE:
  Answers "why is this employee paid this amount this period?" by merging
  four independent sources into one timeline:

    DATA_CHANGE     audit-log edits of the employee record
    RULE_APPLIED    each recommendation's effect (current -> proposed)
    RECOMMENDATION  each recommendation's status
    APPROVAL        approvals with a known approver
    PAYROLL_IMPACT  the run's line items for the employee

FETCHING:
  Audit entries, recommendations and line items are fetched concurrently with
  errgroup. The first failure cancels the others and fails the trace.

ORDERING:
  Steps are stable-sorted by timestamp; equal timestamps fall back to the
  step type order above.

COMPLETENESS:
  A trace is complete when it holds at least one data change, one
  recommendation, one approval and one payroll impact. Each missing category
  becomes a warning.

SEE ALSO:
  - format.go: Per-step explanations
  - mapping.go: Recommendation type -> component table
*/
package trace

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/payroll-recon/payroll"
)

type StepType string

const (
	StepDataChange     StepType = "DATA_CHANGE"
	StepRuleApplied    StepType = "RULE_APPLIED"
	StepRecommendation StepType = "RECOMMENDATION"
	StepApproval       StepType = "APPROVAL"
	StepPayrollImpact  StepType = "PAYROLL_IMPACT"
)

var stepRank = map[StepType]int{
	StepDataChange:     0,
	StepRuleApplied:    1,
	StepRecommendation: 2,
	StepApproval:       3,
	StepPayrollImpact:  4,
}

// requiredSteps must each appear at least once for a complete trace.
var requiredSteps = []StepType{StepDataChange, StepRecommendation, StepApproval, StepPayrollImpact}

// Step is one event in the trace.
type Step struct {
	Order       int              `json:"order"`
	Type        StepType         `json:"type"`
	Timestamp   time.Time        `json:"timestamp"`
	Actor       string           `json:"actor,omitempty"`
	Source      string           `json:"source"`
	Component   string           `json:"component,omitempty"`
	BeforeValue string           `json:"beforeValue,omitempty"`
	AfterValue  string           `json:"afterValue,omitempty"`
	Delta       *decimal.Decimal `json:"delta,omitempty"`
	Explanation string           `json:"explanation"`
}

// Report is the assembled trace of one employee in one run.
type Report struct {
	TenantID     string           `json:"tenantId"`
	RunID        string           `json:"runId"`
	Period       string           `json:"period"`
	EmployeeID   string           `json:"employeeId"`
	EmployeeName string           `json:"employeeName"`
	Component    string           `json:"component,omitempty"`
	Steps        []Step           `json:"steps"`
	StepCounts   map[StepType]int `json:"stepCounts"`
	IsComplete   bool             `json:"isComplete"`
	Warnings     []string         `json:"warnings"`
	Summary      string           `json:"summary"`
	GeneratedAt  time.Time        `json:"generatedAt"`
}

// Store is the read surface the builder needs.
type Store interface {
	GetRun(ctx context.Context, tenantID, runID string) (*payroll.PayrollRun, error)
	LineItemsForEmployee(ctx context.Context, tenantID, runID, employeeID string) ([]payroll.LineItem, error)
	GetEmployee(ctx context.Context, tenantID, employeeID string) (*payroll.Employee, error)
	EmployeesByIDs(ctx context.Context, tenantID string, ids []string) (map[string]payroll.Employee, error)
	RecommendationsForEmployee(ctx context.Context, tenantID, employeeID string) ([]payroll.Recommendation, error)
	QueryAudit(ctx context.Context, tenantID string, filter payroll.AuditFilter) ([]payroll.AuditEntry, error)
}

type Builder struct {
	store    Store
	mappings MappingSource
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewBuilder creates a trace builder. A nil mappings source uses
// DefaultComponentMap for every tenant.
func NewBuilder(store Store, mappings MappingSource, logger logrus.FieldLogger) *Builder {
	if mappings == nil {
		mappings = StaticMap(DefaultComponentMap())
	}
	return &Builder{
		store:    store,
		mappings: mappings,
		logger:   logger.WithField("component", "trace"),
		now:      time.Now,
	}
}

// TraceEmployee builds the trace of employeeID in runID. component, when set,
// narrows recommendations and line items to that pay component.
func (b *Builder) TraceEmployee(ctx context.Context, tenantID, runID, employeeID, component string) (*Report, error) {
	run, err := b.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	employee, err := b.store.GetEmployee(ctx, tenantID, employeeID)
	if err != nil {
		return nil, err
	}
	component = payroll.NormalizeComponent(component)

	var (
		audit []payroll.AuditEntry
		recs  []payroll.Recommendation
		items []payroll.LineItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		audit, err = b.store.QueryAudit(gctx, tenantID, payroll.AuditFilter{
			EntityType: "employee",
			EntityID:   employeeID,
		})
		return err
	})
	g.Go(func() error {
		var err error
		recs, err = b.store.RecommendationsForEmployee(gctx, tenantID, employeeID)
		return err
	})
	g.Go(func() error {
		var err error
		items, err = b.store.LineItemsForEmployee(gctx, tenantID, runID, employeeID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("trace sources: %w", err)
	}

	mapping := b.mappings.ComponentMapFor(tenantID)
	recs = filterRecommendations(recs, mapping, component)
	items = filterItems(items, component)

	approvers, err := b.approvers(ctx, tenantID, recs)
	if err != nil {
		return nil, err
	}

	report := &Report{
		TenantID:     tenantID,
		RunID:        run.ID,
		Period:       run.Period,
		EmployeeID:   employee.ID,
		EmployeeName: employee.DisplayName(),
		Component:    component,
		StepCounts:   make(map[StepType]int),
		Warnings:     []string{},
		GeneratedAt:  b.now().UTC(),
	}

	var steps []Step
	steps = append(steps, dataChangeSteps(audit)...)
	for _, r := range recs {
		steps = append(steps, ruleStep(r), recommendationStep(r))
		approver, ok := approvers[r.ApproverID]
		switch {
		case r.ApprovedAt != nil && ok:
			steps = append(steps, approvalStep(r, approver))
		case r.Status == payroll.RecApproved:
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("recommendation %s is approved but has no approver record", r.ID))
		}
	}
	steps = append(steps, impactSteps(items)...)

	sort.SliceStable(steps, func(i, j int) bool {
		if !steps[i].Timestamp.Equal(steps[j].Timestamp) {
			return steps[i].Timestamp.Before(steps[j].Timestamp)
		}
		return stepRank[steps[i].Type] < stepRank[steps[j].Type]
	})
	for i := range steps {
		steps[i].Order = i + 1
		report.StepCounts[steps[i].Type]++
	}
	if steps == nil {
		steps = []Step{}
	}
	report.Steps = steps

	report.IsComplete = true
	for _, t := range requiredSteps {
		if report.StepCounts[t] == 0 {
			report.IsComplete = false
			report.Warnings = append(report.Warnings, fmt.Sprintf("no %s steps found", t))
		}
	}
	report.Summary = summarize(report)

	b.logger.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"run_id":      runID,
		"employee_id": employeeID,
		"steps":       len(steps),
		"complete":    report.IsComplete,
	}).Debug("Employee trace built")

	return report, nil
}

// approvers resolves the approver ids of recs that carry an approval.
func (b *Builder) approvers(ctx context.Context, tenantID string, recs []payroll.Recommendation) (map[string]payroll.Employee, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range recs {
		if r.ApproverID != "" && !seen[r.ApproverID] {
			seen[r.ApproverID] = true
			ids = append(ids, r.ApproverID)
		}
	}
	if len(ids) == 0 {
		return map[string]payroll.Employee{}, nil
	}
	found, err := b.store.EmployeesByIDs(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve approvers: %w", err)
	}
	return found, nil
}

// =============================================================================
// STEP CONSTRUCTION
// =============================================================================

func dataChangeSteps(entries []payroll.AuditEntry) []Step {
	steps := make([]Step, 0, len(entries))
	for _, e := range entries {
		steps = append(steps, Step{
			Type:        StepDataChange,
			Timestamp:   e.Timestamp,
			Actor:       e.ActorID,
			Source:      "audit:" + e.ID,
			Explanation: formatDataChange(e),
		})
	}
	return steps
}

func ruleStep(r payroll.Recommendation) Step {
	delta := r.ProposedValue.Sub(r.CurrentValue)
	return Step{
		Type:        StepRuleApplied,
		Timestamp:   r.CreatedAt,
		Actor:       r.SubmittedBy,
		Source:      "recommendation:" + r.ID,
		BeforeValue: r.CurrentValue.StringFixed(2),
		AfterValue:  r.ProposedValue.StringFixed(2),
		Delta:       &delta,
		Explanation: formatRule(r),
	}
}

func recommendationStep(r payroll.Recommendation) Step {
	return Step{
		Type:        StepRecommendation,
		Timestamp:   r.UpdatedAt,
		Actor:       r.SubmittedBy,
		Source:      "recommendation:" + r.ID,
		AfterValue:  string(r.Status),
		Explanation: formatRecommendation(r),
	}
}

func approvalStep(r payroll.Recommendation, approver payroll.Employee) Step {
	return Step{
		Type:        StepApproval,
		Timestamp:   *r.ApprovedAt,
		Actor:       approver.DisplayName(),
		Source:      "recommendation:" + r.ID,
		Explanation: formatApproval(r, approver),
	}
}

func impactSteps(items []payroll.LineItem) []Step {
	steps := make([]Step, 0, len(items))
	for _, li := range items {
		delta := li.Delta()
		steps = append(steps, Step{
			Type:        StepPayrollImpact,
			Timestamp:   li.CreatedAt,
			Source:      "line_item:" + li.ID,
			Component:   li.Component,
			BeforeValue: li.PreviousAmount.StringFixed(2),
			AfterValue:  li.Amount.StringFixed(2),
			Delta:       &delta,
			Explanation: formatImpact(li),
		})
	}
	return steps
}

func filterRecommendations(recs []payroll.Recommendation, m ComponentMap, component string) []payroll.Recommendation {
	if component == "" {
		return recs
	}
	out := recs[:0:0]
	for _, r := range recs {
		if m.Matches(r.Type, component) {
			out = append(out, r)
		}
	}
	return out
}

func filterItems(items []payroll.LineItem, component string) []payroll.LineItem {
	if component == "" {
		return items
	}
	out := items[:0:0]
	for _, li := range items {
		if payroll.NormalizeComponent(li.Component) == component {
			out = append(out, li)
		}
	}
	return out
}

// =============================================================================
// SUMMARY
// =============================================================================

func summarize(r *Report) string {
	c := r.StepCounts
	summary := fmt.Sprintf("Trace for %s (%s): %d data changes, %d rules applied, %d recommendations, %d approvals, %d payroll impacts.",
		r.EmployeeName, r.Period,
		c[StepDataChange], c[StepRuleApplied], c[StepRecommendation], c[StepApproval], c[StepPayrollImpact])

	var largest *Step
	for i := range r.Steps {
		s := &r.Steps[i]
		if s.Type != StepPayrollImpact || s.Delta == nil {
			continue
		}
		if largest == nil || s.Delta.Abs().GreaterThan(largest.Delta.Abs()) {
			largest = s
		}
	}
	if largest != nil && !largest.Delta.IsZero() {
		summary += fmt.Sprintf(" Largest impact: %s %s (%s to %s).",
			largest.Component, signed(*largest.Delta), largest.BeforeValue, largest.AfterValue)
	}
	return summary
}
