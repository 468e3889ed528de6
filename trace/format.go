package trace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-recon/payroll"
)

// =============================================================================
// STEP FORMATTERS
// =============================================================================
// One formatter per step type. Each returns the explanation string only; the
// builder owns ordering and timestamps.

var hundred = decimal.NewFromInt(100)

func formatDataChange(e payroll.AuditEntry) string {
	if len(e.Changes) == 0 {
		return fmt.Sprintf("%s %s", humanize(e.EntityType), strings.ToLower(e.Action))
	}
	fields := make([]string, 0, len(e.Changes))
	for field := range e.Changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		c := e.Changes[field]
		switch {
		case c.Before == nil:
			parts = append(parts, fmt.Sprintf("%s set to %v", humanize(field), c.After))
		case c.After == nil:
			parts = append(parts, fmt.Sprintf("%s cleared (was %v)", humanize(field), c.Before))
		default:
			parts = append(parts, fmt.Sprintf("%s changed from %v to %v", humanize(field), c.Before, c.After))
		}
	}
	return strings.Join(parts, "; ")
}

func formatRule(r payroll.Recommendation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", humanize(string(r.Type)))
	if r.CycleName != "" {
		fmt.Fprintf(&b, " in %s", r.CycleName)
	}
	fmt.Fprintf(&b, ": %s to %s", r.CurrentValue.StringFixed(2), r.ProposedValue.StringFixed(2))
	if pct, ok := percentChange(r.CurrentValue, r.ProposedValue); ok {
		fmt.Fprintf(&b, " (%s%%)", signed(pct))
	}
	if r.Justification != "" {
		fmt.Fprintf(&b, ". Justification: %s", r.Justification)
	}
	return b.String()
}

func formatRecommendation(r payroll.Recommendation) string {
	subject := humanize(string(r.Type)) + " recommendation"
	switch r.Status {
	case payroll.RecDraft:
		return subject + " drafted"
	case payroll.RecSubmitted:
		if r.SubmittedBy != "" {
			return fmt.Sprintf("%s submitted for approval by %s", subject, r.SubmittedBy)
		}
		return subject + " submitted for approval"
	case payroll.RecApproved:
		return subject + " approved"
	case payroll.RecRejected:
		return subject + " rejected"
	case payroll.RecEscalated:
		return subject + " escalated for further review"
	default:
		return fmt.Sprintf("%s is %s", subject, strings.ToLower(string(r.Status)))
	}
}

func formatApproval(r payroll.Recommendation, approver payroll.Employee) string {
	return fmt.Sprintf("%s approved by %s on %s",
		humanize(string(r.Type)), approver.DisplayName(), r.ApprovedAt.UTC().Format("2006-01-02"))
}

func formatImpact(li payroll.LineItem) string {
	amount := li.Amount.StringFixed(2)
	if li.PreviousAmount.IsZero() {
		if li.Amount.IsZero() {
			return fmt.Sprintf("%s paid at 0.00", li.Component)
		}
		return fmt.Sprintf("%s paid at %s (new component)", li.Component, amount)
	}
	if li.Amount.Equal(li.PreviousAmount) {
		return fmt.Sprintf("%s unchanged at %s", li.Component, amount)
	}
	pct, _ := percentChange(li.PreviousAmount, li.Amount)
	return fmt.Sprintf("%s changed from %s to %s (%s%%)",
		li.Component, li.PreviousAmount.StringFixed(2), amount, signed(pct))
}

// =============================================================================
// HELPERS
// =============================================================================

// percentChange is (to-from)/|from| * 100; ok is false when from is zero.
func percentChange(from, to decimal.Decimal) (decimal.Decimal, bool) {
	if from.IsZero() {
		return decimal.Zero, false
	}
	return to.Sub(from).Div(from.Abs()).Mul(hundred).Round(2), true
}

func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

// humanize turns MERIT_INCREASE or job_title into "Merit increase" / "Job title".
func humanize(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "_", " "))
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
