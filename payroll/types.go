/*
Package payroll holds the domain model shared by detection, reconciliation and
tracing.

PURPOSE:
  Payroll amounts are computed upstream. This package only describes what the
  reconciliation core reads (runs, line items, employees, recommendations,
  audit entries) and what it writes (anomalies, resolutions, jobs).

KEY CONCEPTS IN THIS FILE (types.go):
  - PayrollRun: one batch payroll for one tenant and one pay period
  - LineItem: one component amount for one employee inside a run
  - Employee: the tenant's employee record (home currency, manager)

DESIGN PRINCIPLES:
  1. Precision: every amount is a decimal.Decimal, never a float
  2. Tenant scoping: every record carries its TenantID and every store
     query filters on it
  3. Immutability: line items are written once at run creation

SEE ALSO:
  - anomaly.go: Anomaly and its typed details
  - classify.go: Earning/deduction classification
  - status.go: Run lifecycle transitions
  - store.go: Persistence interfaces
*/
package payroll

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYROLL RUN
// =============================================================================

type RunStatus string

const (
	RunDraft      RunStatus = "DRAFT"
	RunProcessing RunStatus = "PROCESSING"
	RunReview     RunStatus = "REVIEW"
	RunApproved   RunStatus = "APPROVED"
	RunFinalized  RunStatus = "FINALIZED"
	RunError      RunStatus = "ERROR"
)

// HistoricalStatuses lists the statuses eligible for baselines.
var HistoricalStatuses = []RunStatus{RunApproved, RunFinalized}

// PayrollRun is one payroll batch for a tenant and period.
type PayrollRun struct {
	ID            string
	TenantID      string
	Period        string // YYYY-MM, see period.go
	Status        RunStatus
	Currency      string
	EmployeeCount int
	TotalGross    decimal.Decimal
	TotalNet      decimal.Decimal

	// Generation is the detection pass currently visible to readers.
	// Zero means the run was never scanned.
	Generation int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// LINE ITEM
// =============================================================================

// LineItem is one pay component amount for one employee in one run.
// Component names are free text and compared case-insensitively.
type LineItem struct {
	ID             string
	TenantID       string
	PayrollRunID   string
	EmployeeID     string
	Component      string
	Amount         decimal.Decimal
	PreviousAmount decimal.Decimal
	CreatedAt      time.Time
}

// Delta is Amount - PreviousAmount.
func (li LineItem) Delta() decimal.Decimal {
	return li.Amount.Sub(li.PreviousAmount)
}

// =============================================================================
// EMPLOYEE
// =============================================================================

type Employee struct {
	ID        string
	TenantID  string
	Name      string
	Email     string
	Currency  string // home currency, ISO 4217
	ManagerID string
	CreatedAt time.Time
}

// DisplayName falls back to the ID when no name is recorded.
func (e Employee) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}

// =============================================================================
// RUN TOTALS
// =============================================================================

// Totals is the gross/net roll-up of a set of line items.
type Totals struct {
	EmployeeCount int
	Gross         decimal.Decimal
	Net           decimal.Decimal
}

// ComputeTotals sums gross and net over items using the classifier's
// earning/deduction split. Deductions reduce net by their absolute value.
func ComputeTotals(items []LineItem, c *Classifier) Totals {
	employees := make(map[string]struct{})
	gross := decimal.Zero
	deductions := decimal.Zero
	for _, item := range items {
		employees[item.EmployeeID] = struct{}{}
		if c.IsDeduction(item.Component) {
			deductions = deductions.Add(item.Amount.Abs())
		} else {
			gross = gross.Add(item.Amount)
		}
	}
	return Totals{
		EmployeeCount: len(employees),
		Gross:         gross,
		Net:           gross.Sub(deductions),
	}
}
