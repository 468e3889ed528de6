package reconciliation

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/warp/payroll-recon/payroll"
	"github.com/warp/payroll-recon/trace"
)

// =============================================================================
// EXPORTS
// =============================================================================

type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatPDF  ExportFormat = "pdf" // structured plain text
	FormatXLSX ExportFormat = "xlsx"
)

func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatPDF, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", payroll.ErrUnsupportedFormat, s)
	}
}

// Export is a rendered report file.
type Export struct {
	Filename    string
	ContentType string
	Data        []byte
}

var csvHeader = []string{"Anomaly ID", "Employee ID", "Type", "Severity", "Resolved", "Details", "Created At"}

// ExportReport renders the run's report in the requested format.
func (s *Service) ExportReport(ctx context.Context, tenantID, runID, format string) (*Export, error) {
	f, err := ParseExportFormat(format)
	if err != nil {
		return nil, err
	}
	report, err := s.GetReport(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf("reconciliation-%s-%s", report.Run.Period, report.Run.ID)
	switch f {
	case FormatCSV:
		data, err := renderCSV(report)
		if err != nil {
			return nil, err
		}
		return &Export{Filename: base + ".csv", ContentType: "text/csv", Data: data}, nil
	case FormatXLSX:
		data, err := renderXLSX(report)
		if err != nil {
			return nil, err
		}
		return &Export{
			Filename:    base + ".xlsx",
			ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Data:        data,
		}, nil
	default:
		return &Export{Filename: base + ".txt", ContentType: "text/plain; charset=utf-8", Data: renderText(report)}, nil
	}
}

func message(a payroll.Anomaly) string {
	if a.Details == nil {
		return ""
	}
	return a.Details.Summary()
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// =============================================================================
// CSV
// =============================================================================

// renderCSV writes the flat anomaly table. The Details column is always
// quoted; the other columns are quoted only when they need it.
func renderCSV(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCSVFields(&buf, csvHeader...); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	for _, a := range r.Anomalies {
		err := writeCSVFields(&buf, a.ID, a.EmployeeID, string(a.Type), string(a.Severity), yesNo(a.Resolved))
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.WriteString(quoteCSV(message(a)))
		buf.WriteByte(',')
		if err := writeCSVFields(&buf, a.CreatedAt.UTC().Format(time.RFC3339)); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// writeCSVFields appends fields as one partial record without a line ending.
func writeCSVFields(buf *bytes.Buffer, fields ...string) error {
	w := csv.NewWriter(buf)
	if err := w.Write(fields); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("render csv: %w", err)
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}

func quoteCSV(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// =============================================================================
// TEXT ("pdf")
// =============================================================================

func renderText(r *Report) []byte {
	var b strings.Builder
	line := func(format string, args ...any) { fmt.Fprintf(&b, format+"\n", args...) }
	heading := func(title string) {
		line("")
		line("%s", title)
		line("%s", strings.Repeat("-", len(title)))
	}

	line("PAYROLL RECONCILIATION REPORT")
	line("%s", strings.Repeat("=", 29))
	line("Run:        %s", r.Run.ID)
	line("Period:     %s", r.Run.Period)
	line("Status:     %s", r.Run.Status)
	line("Employees:  %d", r.Run.EmployeeCount)
	line("Gross:      %s", r.Run.TotalGross.StringFixed(2))
	line("Net:        %s", r.Run.TotalNet.StringFixed(2))
	line("Generated:  %s", r.GeneratedAt.Format(time.RFC3339))

	heading("SUMMARY")
	line("%s", r.Summary.Text)
	line("Total anomalies:  %d", r.Summary.TotalAnomalies)
	line("Resolved:         %d of %d", r.Summary.ResolvedCount, r.Summary.TotalAnomalies)
	line("Amount at risk:   %s", r.Summary.TotalAmountAtRisk.StringFixed(2))
	line("Blocking:         %s", yesNo(r.Summary.HasBlockers))

	heading("BY SEVERITY")
	for _, sev := range payroll.Severities {
		line("  %-10s %d", sev, countSeverity(r.Summary, sev))
	}

	heading("BY TYPE")
	for _, t := range payroll.AnomalyTypes {
		if n := r.Summary.ByType[t]; n > 0 {
			line("  %-18s %d", t, n)
		}
	}

	heading("ANOMALIES")
	if len(r.Anomalies) == 0 {
		line("None.")
	}
	for _, a := range r.Anomalies {
		state := "open"
		if a.Resolved {
			state = "resolved by " + a.ResolvedBy
		}
		line("[%s] %s  employee %s  (%s)", a.Severity, a.Type, a.EmployeeID, state)
		line("    %s", message(a))
		if a.Details != nil && a.Details.Action() != "" {
			line("    Suggested action: %s", a.Details.Action())
		}
		if a.ResolutionNotes != "" {
			line("    Notes: %s", a.ResolutionNotes)
		}
	}

	if len(r.Traces) > 0 {
		heading("TRACES")
		for _, tr := range r.Traces {
			line("%s (%s)", tr.EmployeeName, tr.EmployeeID)
			for _, step := range tr.Steps {
				line("  %d. %s  %-15s %s", step.Order, step.Timestamp.UTC().Format("2006-01-02"), step.Type, step.Explanation)
			}
			for _, w := range tr.Warnings {
				line("  ! %s", w)
			}
		}
	}
	return []byte(b.String())
}

func countSeverity(s ReportSummary, sev payroll.Severity) int {
	switch sev {
	case payroll.SeverityCritical:
		return s.CriticalCount
	case payroll.SeverityHigh:
		return s.HighCount
	case payroll.SeverityMedium:
		return s.MediumCount
	default:
		return s.LowCount
	}
}

// =============================================================================
// XLSX
// =============================================================================

const (
	sheetSummary   = "Summary"
	sheetAnomalies = "Anomalies"
	sheetTraces    = "Traces"
)

func renderXLSX(r *Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, err
	}
	for _, name := range []string{sheetAnomalies, sheetTraces} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	summary := [][]any{
		{"Run", r.Run.ID},
		{"Period", r.Run.Period},
		{"Status", string(r.Run.Status)},
		{"Employees", r.Run.EmployeeCount},
		{"Total anomalies", r.Summary.TotalAnomalies},
		{"Critical", r.Summary.CriticalCount},
		{"High", r.Summary.HighCount},
		{"Medium", r.Summary.MediumCount},
		{"Low", r.Summary.LowCount},
		{"Resolved", r.Summary.ResolvedCount},
		{"Amount at risk", r.Summary.TotalAmountAtRisk.StringFixed(2)},
		{"Summary", r.Summary.Text},
	}
	if err := writeRows(f, sheetSummary, summary); err != nil {
		return nil, err
	}

	anomalies := [][]any{toAny(csvHeader)}
	for _, a := range r.Anomalies {
		anomalies = append(anomalies, []any{
			a.ID, a.EmployeeID, string(a.Type), string(a.Severity),
			yesNo(a.Resolved), message(a), a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	if err := writeRows(f, sheetAnomalies, anomalies); err != nil {
		return nil, err
	}

	traces := [][]any{{"Employee ID", "Employee", "Order", "Timestamp", "Type", "Explanation"}}
	for _, tr := range r.Traces {
		traces = append(traces, traceRows(tr)...)
	}
	if err := writeRows(f, sheetTraces, traces); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("render xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func traceRows(tr *trace.Report) [][]any {
	rows := make([][]any, 0, len(tr.Steps))
	for _, s := range tr.Steps {
		rows = append(rows, []any{
			tr.EmployeeID, tr.EmployeeName, s.Order,
			s.Timestamp.UTC().Format(time.RFC3339), string(s.Type), s.Explanation,
		})
	}
	return rows
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for r, row := range rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
