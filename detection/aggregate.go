package detection

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-recon/payroll"
)

// =============================================================================
// EMPLOYEE AGGREGATE - One employee's line items folded into pay totals
// =============================================================================

// EmployeeAggregate is the per-employee view every detector consumes.
type EmployeeAggregate struct {
	EmployeeID string
	Items      []payroll.LineItem // input order preserved

	GrossPay   decimal.Decimal // sum of earnings
	Deductions decimal.Decimal // sum of |deduction|
	NetPay     decimal.Decimal // GrossPay - Deductions

	// Components sums amounts per normalized component name.
	Components map[string]decimal.Decimal
}

func newAggregate(employeeID string) *EmployeeAggregate {
	return &EmployeeAggregate{
		EmployeeID: employeeID,
		GrossPay:   decimal.Zero,
		Deductions: decimal.Zero,
		NetPay:     decimal.Zero,
		Components: make(map[string]decimal.Decimal),
	}
}

func (a *EmployeeAggregate) add(item payroll.LineItem, c *payroll.Classifier) {
	a.Items = append(a.Items, item)
	name := payroll.NormalizeComponent(item.Component)
	a.Components[name] = a.Components[name].Add(item.Amount)
	if c.IsDeduction(name) {
		a.Deductions = a.Deductions.Add(item.Amount.Abs())
	} else {
		a.GrossPay = a.GrossPay.Add(item.Amount)
	}
	a.NetPay = a.GrossPay.Sub(a.Deductions)
}

// Aggregate folds line items into one aggregate per employee, sorted by
// employee id.
func Aggregate(items []payroll.LineItem, c *payroll.Classifier) []*EmployeeAggregate {
	byEmployee := make(map[string]*EmployeeAggregate)
	for _, item := range items {
		agg, ok := byEmployee[item.EmployeeID]
		if !ok {
			agg = newAggregate(item.EmployeeID)
			byEmployee[item.EmployeeID] = agg
		}
		agg.add(item, c)
	}

	out := make([]*EmployeeAggregate, 0, len(byEmployee))
	for _, agg := range byEmployee {
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out
}
