package detection

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/payroll-recon/payroll"
)

// Report is the outcome of one detection pass.
type Report struct {
	RunID      string `json:"runId"`
	TenantID   string `json:"tenantId"`
	Period     string `json:"period"`
	Generation int64  `json:"generation"`

	TotalAnomalies int                         `json:"totalAnomalies"`
	CriticalCount  int                         `json:"criticalCount"`
	HighCount      int                         `json:"highCount"`
	MediumCount    int                         `json:"mediumCount"`
	LowCount       int                         `json:"lowCount"`
	ByType         map[payroll.AnomalyType]int `json:"byType"`
	HasBlockers    bool                        `json:"hasBlockers"`
	Summary        string                      `json:"summary"`

	EmployeesScanned int `json:"employeesScanned"`
	LineItemsScanned int `json:"lineItemsScanned"`
	BaselinePeriods  int `json:"baselinePeriods"`

	// Skipped names detectors that did not run and why.
	Skipped []string `json:"skipped,omitempty"`

	Anomalies   []payroll.Anomaly `json:"-"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

func newReport(run payroll.PayrollRun, employees, items int) *Report {
	return &Report{
		RunID:            run.ID,
		TenantID:         run.TenantID,
		Period:           run.Period,
		ByType:           make(map[payroll.AnomalyType]int),
		EmployeesScanned: employees,
		LineItemsScanned: items,
	}
}

func (r *Report) setAnomalies(anomalies []payroll.Anomaly) {
	r.Anomalies = anomalies
	counts := CountBySeverity(anomalies)
	r.TotalAnomalies = len(anomalies)
	r.CriticalCount = counts[payroll.SeverityCritical]
	r.HighCount = counts[payroll.SeverityHigh]
	r.MediumCount = counts[payroll.SeverityMedium]
	r.LowCount = counts[payroll.SeverityLow]
	r.HasBlockers = r.CriticalCount > 0
	r.ByType = make(map[payroll.AnomalyType]int)
	for _, a := range anomalies {
		r.ByType[a.Type]++
	}
	r.Summary = Summarize(anomalies, r.EmployeesScanned)
}

// CountBySeverity tallies anomalies per severity.
func CountBySeverity(anomalies []payroll.Anomaly) map[payroll.Severity]int {
	counts := make(map[payroll.Severity]int, len(payroll.Severities))
	for _, a := range anomalies {
		counts[a.Severity]++
	}
	return counts
}

// Summarize renders the one-paragraph summary of a run's findings.
func Summarize(anomalies []payroll.Anomaly, employeesScanned int) string {
	if len(anomalies) == 0 {
		return fmt.Sprintf("No anomalies found across %d employees.", employeesScanned)
	}

	affected := make(map[string]struct{})
	for _, a := range anomalies {
		affected[a.EmployeeID] = struct{}{}
	}
	counts := CountBySeverity(anomalies)

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d anomalies affecting %d of %d employees", len(anomalies), len(affected), employeesScanned)
	var parts []string
	for _, s := range payroll.Severities {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(string(s))))
		}
	}
	fmt.Fprintf(&b, " (%s).", strings.Join(parts, ", "))
	if counts[payroll.SeverityCritical] > 0 {
		b.WriteString(" Critical issues must be resolved before the run can be approved.")
	}
	return b.String()
}
