package payroll

import (
	"fmt"
	"time"
)

// =============================================================================
// PAY PERIOD - Monthly payroll boundary
// =============================================================================

// Period is a monthly pay period. Runs are keyed by its "YYYY-MM" form, which
// also sorts chronologically as a plain string.
type Period struct {
	Year  int
	Month time.Month
}

const periodLayout = "2006-01"

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(periodLayout, s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: period %q must be YYYY-MM", ErrInvalidInput, s)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// Start returns the first instant of the period (UTC).
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last instant of the period (UTC).
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0).Add(-time.Nanosecond)
}

func (p Period) Previous() Period {
	s := p.Start().AddDate(0, -1, 0)
	return Period{Year: s.Year(), Month: s.Month()}
}

func (p Period) String() string {
	return p.Start().Format(periodLayout)
}
