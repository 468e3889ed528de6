/*
detectors.go - The detector set

PURPOSE:
  Each detector looks at one employee aggregate (plus its baseline, when one
  exists) and returns zero or more findings. Detectors are pure: they never
  fail, never read the store and never stop other detectors from running.

DETECTORS:
  negativeNet       NEGATIVE_NET       CRITICAL always
  deductionRatio    UNUSUAL_DEDUCTION  HIGH above 0.80, else MEDIUM
  missingComponent  MISSING_COMPONENT  HIGH
  duplicate         DUPLICATE          HIGH, once per repeated line
  monthOverMonth    SPIKE / DROP       HIGH or MEDIUM by change size
  baselineOutlier   SPIKE / DROP       gross: HIGH or MEDIUM by z, component: LOW
  threshold         CUSTOM             HIGH

  Currency mismatch is run-scoped and lives in currencyMismatch below.

COMPARISONS:
  Money ratios are compared as decimals with a strict "greater than", so a
  value sitting exactly on a threshold never fires.
*/
package detection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-recon/payroll"
)

// Finding is one detector hit before it is stamped with ids and fingerprints.
type Finding struct {
	EmployeeID string
	Type       payroll.AnomalyType
	Severity   payroll.Severity
	Details    payroll.Details
}

// Input is what a detector sees for one employee.
type Input struct {
	Aggregate *EmployeeAggregate
	Baseline  *Baseline // nil when history is insufficient
	Config    Config
}

// Detector is one independent check.
type Detector interface {
	Name() string
	Detect(in Input) []Finding
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc struct {
	name string
	fn   func(Input) []Finding
}

func (d DetectorFunc) Name() string              { return d.name }
func (d DetectorFunc) Detect(in Input) []Finding { return d.fn(in) }

// DefaultDetectors returns the per-employee detectors in report order.
func DefaultDetectors() []Detector {
	return []Detector{
		DetectorFunc{"negative_net", detectNegativeNet},
		DetectorFunc{"deduction_ratio", detectDeductionRatio},
		DetectorFunc{"missing_component", detectMissingComponent},
		DetectorFunc{"duplicate", detectDuplicates},
		DetectorFunc{"month_over_month", detectMonthOverMonth},
		DetectorFunc{"baseline_outlier", detectBaselineOutliers},
		DetectorFunc{"threshold", detectThresholds},
	}
}

// =============================================================================
// STRUCTURAL DETECTORS
// =============================================================================

func detectNegativeNet(in Input) []Finding {
	a := in.Aggregate
	if !a.NetPay.IsNegative() {
		return nil
	}
	return []Finding{{
		EmployeeID: a.EmployeeID,
		Type:       payroll.TypeNegativeNet,
		Severity:   payroll.SeverityCritical,
		Details: payroll.NegativeNetDetails{
			Common: payroll.Common{
				Message:         fmt.Sprintf("Net pay is negative: %s (gross %s, deductions %s)", a.NetPay.StringFixed(2), a.GrossPay.StringFixed(2), a.Deductions.StringFixed(2)),
				SuggestedAction: "Review deductions and earnings for this employee before approving the run",
			},
			GrossPay:   a.GrossPay,
			Deductions: a.Deductions,
			NetPay:     a.NetPay,
		},
	}}
}

func detectDeductionRatio(in Input) []Finding {
	a := in.Aggregate
	if !a.GrossPay.IsPositive() {
		return nil
	}
	ratio := a.Deductions.Div(a.GrossPay)
	limit := decimal.NewFromFloat(in.Config.MaxDeductionPct)
	if !ratio.GreaterThan(limit) {
		return nil
	}
	severity := payroll.SeverityMedium
	if ratio.GreaterThan(decimal.NewFromFloat(highDeductionRatio)) {
		severity = payroll.SeverityHigh
	}
	return []Finding{{
		EmployeeID: a.EmployeeID,
		Type:       payroll.TypeUnusualDeduction,
		Severity:   severity,
		Details: payroll.DeductionRatioDetails{
			Common: payroll.Common{
				Message:         fmt.Sprintf("Deductions are %s%% of gross pay (limit %s%%)", percent(ratio), percent(limit)),
				SuggestedAction: "Verify tax codes, benefit elections and garnishments",
			},
			GrossPay:   a.GrossPay,
			Deductions: a.Deductions,
			Ratio:      ratio.Round(4),
			Threshold:  limit,
		},
	}}
}

func detectMissingComponent(in Input) []Finding {
	a := in.Aggregate
	mandatory := in.Config.MandatoryComponents

	var findings []Finding
	found := false
	for _, item := range a.Items {
		name := payroll.NormalizeComponent(item.Component)
		if !matchesAny(name, mandatory) {
			continue
		}
		found = true
		if item.Amount.IsZero() {
			amount := item.Amount
			findings = append(findings, Finding{
				EmployeeID: a.EmployeeID,
				Type:       payroll.TypeMissingComponent,
				Severity:   payroll.SeverityHigh,
				Details: payroll.MissingComponentDetails{
					Common: payroll.Common{
						Message:         fmt.Sprintf("Mandatory component %s has an amount of 0", name),
						SuggestedAction: "Confirm the employee's base pay for this period",
					},
					Component: name,
					Amount:    &amount,
				},
			})
		}
	}
	if !found {
		findings = append([]Finding{{
			EmployeeID: a.EmployeeID,
			Type:       payroll.TypeMissingComponent,
			Severity:   payroll.SeverityHigh,
			Details: payroll.MissingComponentDetails{
				Common: payroll.Common{
					Message:         "No base pay component found",
					SuggestedAction: "Add the employee's base salary line before approving the run",
				},
				Expected: append([]string(nil), mandatory...),
			},
		}}, findings...)
	}
	return findings
}

func detectDuplicates(in Input) []Finding {
	a := in.Aggregate
	first := make(map[string]payroll.LineItem)
	var findings []Finding
	for _, item := range a.Items {
		name := payroll.NormalizeComponent(item.Component)
		prev, seen := first[name]
		if !seen {
			first[name] = item
			continue
		}
		findings = append(findings, Finding{
			EmployeeID: a.EmployeeID,
			Type:       payroll.TypeDuplicate,
			Severity:   payroll.SeverityHigh,
			Details: payroll.DuplicateDetails{
				Common: payroll.Common{
					Message:         fmt.Sprintf("Component %s appears more than once (%s and %s)", name, prev.Amount.StringFixed(2), item.Amount.StringFixed(2)),
					SuggestedAction: "Remove the duplicated line or merge the amounts",
				},
				Component:    name,
				FirstAmount:  prev.Amount,
				SecondAmount: item.Amount,
			},
		})
	}
	return findings
}

func detectThresholds(in Input) []Finding {
	if len(in.Config.ComponentThresholds) == 0 {
		return nil
	}
	a := in.Aggregate
	var findings []Finding
	for _, item := range a.Items {
		name := payroll.NormalizeComponent(item.Component)
		limit, ok := in.Config.ComponentThresholds[name]
		if !ok || !item.Amount.Abs().GreaterThan(limit) {
			continue
		}
		findings = append(findings, Finding{
			EmployeeID: a.EmployeeID,
			Type:       payroll.TypeCustom,
			Severity:   payroll.SeverityHigh,
			Details: payroll.ThresholdDetails{
				Common: payroll.Common{
					Message:         fmt.Sprintf("%s of %s exceeds the configured limit of %s", name, item.Amount.StringFixed(2), limit.StringFixed(2)),
					SuggestedAction: "Obtain sign-off for amounts above the configured limit",
				},
				Component: name,
				Amount:    item.Amount,
				Threshold: limit,
			},
		})
	}
	return findings
}

// =============================================================================
// CHANGE DETECTORS
// =============================================================================

func detectMonthOverMonth(in Input) []Finding {
	a := in.Aggregate
	spike := decimal.NewFromFloat(in.Config.SpikeThresholdPct)
	drop := decimal.NewFromFloat(in.Config.DropThresholdPct)

	var findings []Finding
	for _, item := range a.Items {
		if item.PreviousAmount.IsZero() {
			continue
		}
		delta := item.Delta()
		change := delta.Abs().Div(item.PreviousAmount.Abs())

		var (
			typ      payroll.AnomalyType
			severity = payroll.SeverityMedium
			limit    decimal.Decimal
		)
		switch {
		case delta.IsPositive() && change.GreaterThan(spike):
			typ, limit = payroll.TypeSpike, spike
			if change.GreaterThan(decimal.NewFromFloat(highSpikePct)) {
				severity = payroll.SeverityHigh
			}
		case delta.IsNegative() && change.GreaterThan(drop):
			typ, limit = payroll.TypeDrop, drop
			if change.GreaterThan(decimal.NewFromFloat(highDropPct)) {
				severity = payroll.SeverityHigh
			}
		default:
			continue
		}

		name := payroll.NormalizeComponent(item.Component)
		previous := item.PreviousAmount
		pct := change.Round(4)
		findings = append(findings, Finding{
			EmployeeID: a.EmployeeID,
			Type:       typ,
			Severity:   severity,
			Details: payroll.ChangeDetails{
				Common: payroll.Common{
					Message:         fmt.Sprintf("%s changed %s%% from %s to %s", name, signedPercent(delta, change), previous.StringFixed(2), item.Amount.StringFixed(2)),
					SuggestedAction: changeAction(typ),
				},
				Method:         payroll.MethodMonthOverMonth,
				Component:      name,
				Amount:         item.Amount,
				PreviousAmount: &previous,
				ChangePct:      &pct,
				Threshold:      limit.InexactFloat64(),
			},
		})
	}
	return findings
}

func detectBaselineOutliers(in Input) []Finding {
	b := in.Baseline
	if b == nil || b.PeriodCount < in.Config.MinBaselinePeriods {
		return nil
	}
	a := in.Aggregate
	limit := in.Config.OutlierStdDevs

	var findings []Finding
	gross := a.GrossPay.InexactFloat64()
	if z, ok := zScore(gross, b.AvgGross, b.StdDevGross); ok && z > limit {
		severity := payroll.SeverityMedium
		if z > highZScore {
			severity = payroll.SeverityHigh
		}
		findings = append(findings, outlierFinding(a.EmployeeID, payroll.MethodBaselineGross, "", a.GrossPay, gross, b.AvgGross, b.StdDevGross, z, limit, severity))
	}

	for _, name := range sortedKeys(a.Components) {
		if b.ComponentPeriods[name] < in.Config.MinBaselinePeriods {
			continue
		}
		amount := a.Components[name]
		x := amount.InexactFloat64()
		z, ok := zScore(x, b.ComponentAverages[name], b.ComponentStdDevs[name])
		if !ok || z <= limit {
			continue
		}
		findings = append(findings, outlierFinding(a.EmployeeID, payroll.MethodBaselineComponent, name, amount, x, b.ComponentAverages[name], b.ComponentStdDevs[name], z, limit, payroll.SeverityLow))
	}
	return findings
}

func outlierFinding(employeeID string, method payroll.ChangeMethod, component string, amount decimal.Decimal, x, mean, stddev, z, limit float64, severity payroll.Severity) Finding {
	typ := payroll.TypeSpike
	if x < mean {
		typ = payroll.TypeDrop
	}
	subject := "Gross pay"
	if component != "" {
		subject = component
	}
	z = roundTo(z, 4)
	return Finding{
		EmployeeID: employeeID,
		Type:       typ,
		Severity:   severity,
		Details: payroll.ChangeDetails{
			Common: payroll.Common{
				Message:         fmt.Sprintf("%s of %s is %.1f standard deviations from the historical mean of %.2f", subject, amount.StringFixed(2), z, mean),
				SuggestedAction: changeAction(typ),
			},
			Method:    method,
			Component: component,
			Amount:    amount,
			Mean:      floatPtr(roundTo(mean, 4)),
			StdDev:    floatPtr(roundTo(stddev, 4)),
			ZScore:    &z,
			Threshold: limit,
		},
	}
}

func changeAction(t payroll.AnomalyType) string {
	if t == payroll.TypeDrop {
		return "Confirm the reduction is expected (leave, role change, correction)"
	}
	return "Confirm the increase is backed by an approved change"
}

// =============================================================================
// RUN-SCOPED DETECTOR
// =============================================================================

// currencyMismatch flags every employee whose home currency differs from the
// run's dominant currency. Ties pick the lexicographically smallest code.
func currencyMismatch(employeeIDs []string, employees map[string]payroll.Employee) []Finding {
	counts := make(map[string]int)
	for _, id := range employeeIDs {
		if cur := strings.ToUpper(employees[id].Currency); cur != "" {
			counts[cur]++
		}
	}
	if len(counts) < 2 {
		return nil
	}

	codes := sortedKeys(counts)
	dominant := codes[0]
	for _, code := range codes[1:] {
		if counts[code] > counts[dominant] {
			dominant = code
		}
	}

	ids := append([]string(nil), employeeIDs...)
	sort.Strings(ids)
	var findings []Finding
	for _, id := range ids {
		cur := strings.ToUpper(employees[id].Currency)
		if cur == "" || cur == dominant {
			continue
		}
		findings = append(findings, Finding{
			EmployeeID: id,
			Type:       payroll.TypeCustom,
			Severity:   payroll.SeverityMedium,
			Details: payroll.CurrencyDetails{
				Common: payroll.Common{
					Message:         fmt.Sprintf("Employee is paid in %s while the run is predominantly %s", cur, dominant),
					SuggestedAction: "Check that amounts were converted before import",
				},
				Currency:         cur,
				DominantCurrency: dominant,
			},
		})
	}
	return findings
}

// =============================================================================
// HELPERS
// =============================================================================

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(name, payroll.NormalizeComponent(p)) {
			return true
		}
	}
	return false
}

func percent(ratio decimal.Decimal) string {
	return ratio.Mul(decimal.NewFromInt(100)).StringFixed(1)
}

func signedPercent(delta, change decimal.Decimal) string {
	if delta.IsNegative() {
		return "-" + percent(change)
	}
	return "+" + percent(change)
}

func floatPtr(v float64) *float64 { return &v }

func roundTo(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
