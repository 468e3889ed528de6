package detection

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-recon/payroll"
)

type line struct {
	component string
	amount    string
	previous  string
}

func aggregateOf(t *testing.T, employeeID string, lines ...line) *EmployeeAggregate {
	t.Helper()
	items := make([]payroll.LineItem, 0, len(lines))
	for _, l := range lines {
		prev := l.previous
		if prev == "" {
			prev = "0"
		}
		items = append(items, payroll.LineItem{
			EmployeeID:     employeeID,
			Component:      l.component,
			Amount:         decimal.RequireFromString(l.amount),
			PreviousAmount: decimal.RequireFromString(prev),
		})
	}
	aggs := Aggregate(items, DefaultConfig().Classifier())
	require.Len(t, aggs, 1)
	return aggs[0]
}

func run(d func(Input) []Finding, agg *EmployeeAggregate) []Finding {
	return d(Input{Aggregate: agg, Config: DefaultConfig()})
}

func TestAggregate_SplitsEarningsAndDeductions(t *testing.T) {
	agg := aggregateOf(t, "emp-1",
		line{"base_salary", "5000", ""},
		line{"Bonus", "500", ""},
		line{"TAX_FEDERAL", "-1000", ""},
		line{"pension", "250", ""},
	)

	assert.True(t, agg.GrossPay.Equal(decimal.NewFromInt(5500)))
	assert.True(t, agg.Deductions.Equal(decimal.NewFromInt(1250)), "deductions use absolute values")
	assert.True(t, agg.NetPay.Equal(decimal.NewFromInt(4250)))
	assert.Contains(t, agg.Components, "BASE_SALARY")
}

func TestNegativeNet_AlwaysCritical(t *testing.T) {
	agg := aggregateOf(t, "emp-1", line{"BASE_SALARY", "100", ""}, line{"TAX", "150", ""})

	findings := run(detectNegativeNet, agg)

	require.Len(t, findings, 1)
	assert.Equal(t, payroll.TypeNegativeNet, findings[0].Type)
	assert.Equal(t, payroll.SeverityCritical, findings[0].Severity)
	d := findings[0].Details.(payroll.NegativeNetDetails)
	assert.True(t, d.NetPay.Equal(decimal.NewFromInt(-50)))

	// Zero net is not negative
	zero := aggregateOf(t, "emp-2", line{"BASE_SALARY", "100", ""}, line{"TAX", "100", ""})
	assert.Empty(t, run(detectNegativeNet, zero))
}

func TestDeductionRatio_Boundaries(t *testing.T) {
	tests := []struct {
		name     string
		tax      string
		expected payroll.Severity // "" means no finding
	}{
		{"exactly at the limit", "600", ""},
		{"just above the limit", "600.01", payroll.SeverityMedium},
		{"exactly at the high cut-off", "800", payroll.SeverityMedium},
		{"just above the high cut-off", "800.01", payroll.SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := aggregateOf(t, "emp-1", line{"BASE_SALARY", "1000", ""}, line{"TAX", tt.tax, ""})
			findings := run(detectDeductionRatio, agg)
			if tt.expected == "" {
				assert.Empty(t, findings)
				return
			}
			require.Len(t, findings, 1)
			assert.Equal(t, payroll.TypeUnusualDeduction, findings[0].Type)
			assert.Equal(t, tt.expected, findings[0].Severity)
		})
	}
}

func TestDeductionRatio_SkippedWithoutGross(t *testing.T) {
	agg := aggregateOf(t, "emp-1", line{"TAX", "100", ""})
	assert.Empty(t, run(detectDeductionRatio, agg))
}

func TestMissingComponent(t *testing.T) {
	t.Run("no base pay at all", func(t *testing.T) {
		agg := aggregateOf(t, "emp-1", line{"BONUS", "100", ""})
		findings := run(detectMissingComponent, agg)
		require.Len(t, findings, 1)
		assert.Equal(t, payroll.SeverityHigh, findings[0].Severity)
		d := findings[0].Details.(payroll.MissingComponentDetails)
		assert.Equal(t, payroll.DefaultMandatoryComponents, d.Expected)
		_, ok := d.AmountAtRisk()
		assert.False(t, ok)
	})

	t.Run("base pay of exactly zero", func(t *testing.T) {
		agg := aggregateOf(t, "emp-1", line{"BASE_SALARY", "0", ""}, line{"MONTHLY_SALARY", "0.00", ""})
		findings := run(detectMissingComponent, agg)
		require.Len(t, findings, 2, "one finding per offending item")
		assert.Equal(t, "BASE_SALARY", findings[0].Details.ComponentKey())
		assert.Equal(t, "MONTHLY_SALARY", findings[1].Details.ComponentKey())
	})

	t.Run("name containing a mandatory component", func(t *testing.T) {
		agg := aggregateOf(t, "emp-1", line{"annual_base_salary", "4000", ""})
		assert.Empty(t, run(detectMissingComponent, agg))
	})
}

func TestDuplicates_ReportsBothAmounts(t *testing.T) {
	agg := aggregateOf(t, "emp-1",
		line{"BASE_SALARY", "5000", ""},
		line{"BONUS", "100", ""},
		line{"bonus", "150", ""},
	)

	findings := run(detectDuplicates, agg)

	require.Len(t, findings, 1)
	assert.Equal(t, payroll.TypeDuplicate, findings[0].Type)
	assert.Equal(t, payroll.SeverityHigh, findings[0].Severity)
	d := findings[0].Details.(payroll.DuplicateDetails)
	assert.True(t, d.FirstAmount.Equal(decimal.NewFromInt(100)))
	assert.True(t, d.SecondAmount.Equal(decimal.NewFromInt(150)))
}

func TestMonthOverMonth(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		previous string
		typ      payroll.AnomalyType
		severity payroll.Severity
	}{
		{"small increase", "5400", "4000", "", ""},
		{"spike", "6100", "4000", payroll.TypeSpike, payroll.SeverityMedium},
		{"large spike", "8100", "4000", payroll.TypeSpike, payroll.SeverityHigh},
		{"exactly at spike limit", "6000", "4000", "", ""},
		{"drop", "2000", "4000", payroll.TypeDrop, payroll.SeverityMedium},
		{"large drop", "400", "4000", payroll.TypeDrop, payroll.SeverityHigh},
		{"no previous amount", "9000", "0", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := aggregateOf(t, "emp-1", line{"BASE_SALARY", tt.amount, tt.previous})
			findings := run(detectMonthOverMonth, agg)
			if tt.typ == "" {
				assert.Empty(t, findings)
				return
			}
			require.Len(t, findings, 1)
			assert.Equal(t, tt.typ, findings[0].Type)
			assert.Equal(t, tt.severity, findings[0].Severity)
			d := findings[0].Details.(payroll.ChangeDetails)
			assert.Equal(t, payroll.MethodMonthOverMonth, d.Method)
			require.NotNil(t, d.PreviousAmount)
		})
	}
}

func history(grosses ...int64) []HistoricalPeriod {
	var out []HistoricalPeriod
	for i, g := range grosses {
		out = append(out, HistoricalPeriod{
			Run: payroll.PayrollRun{ID: string(rune('a' + i))},
			Items: []payroll.LineItem{{
				EmployeeID: "emp-1", Component: "BASE_SALARY", Amount: decimal.NewFromInt(g),
			}},
		})
	}
	return out
}

func TestBaseline_SampleStdDev(t *testing.T) {
	baselines := BuildBaselines(history(4900, 5000, 5100), DefaultConfig().Classifier(), 3)

	b := baselines["emp-1"]
	require.NotNil(t, b)
	assert.Equal(t, 3, b.PeriodCount)
	assert.InDelta(t, 5000, b.AvgGross, 1e-9)
	assert.InDelta(t, 100, b.StdDevGross, 1e-9, "N-1 denominator")
	assert.Equal(t, 3, b.ComponentPeriods["BASE_SALARY"])

	// Too few periods: no baseline
	assert.Empty(t, BuildBaselines(history(4900, 5000), DefaultConfig().Classifier(), 3))
}

func TestBaselineOutliers(t *testing.T) {
	cfg := DefaultConfig()
	classifier := cfg.Classifier()

	t.Run("gross outlier and component outlier", func(t *testing.T) {
		b := BuildBaselines(history(4900, 5000, 5100), classifier, 3)["emp-1"]
		agg := aggregateOf(t, "emp-1", line{"BASE_SALARY", "6000", ""})

		findings := detectBaselineOutliers(Input{Aggregate: agg, Baseline: b, Config: cfg})

		require.Len(t, findings, 2)
		assert.Equal(t, payroll.TypeSpike, findings[0].Type)
		assert.Equal(t, payroll.SeverityHigh, findings[0].Severity, "z = 10")
		assert.Equal(t, payroll.MethodBaselineGross, findings[0].Details.(payroll.ChangeDetails).Method)
		assert.Equal(t, payroll.SeverityLow, findings[1].Severity)
		assert.Equal(t, payroll.MethodBaselineComponent, findings[1].Details.(payroll.ChangeDetails).Method)
	})

	t.Run("drop below the mean", func(t *testing.T) {
		b := BuildBaselines(history(4900, 5000, 5100), classifier, 3)["emp-1"]
		agg := aggregateOf(t, "emp-1", line{"BASE_SALARY", "4700", ""})

		findings := detectBaselineOutliers(Input{Aggregate: agg, Baseline: b, Config: cfg})

		require.NotEmpty(t, findings)
		assert.Equal(t, payroll.TypeDrop, findings[0].Type)
		assert.Equal(t, payroll.SeverityMedium, findings[0].Severity, "z = 3")
	})

	t.Run("zero standard deviation never fires", func(t *testing.T) {
		b := BuildBaselines(history(5000, 5000, 5000), classifier, 3)["emp-1"]
		agg := aggregateOf(t, "emp-1", line{"BASE_SALARY", "50000", ""})

		assert.Empty(t, detectBaselineOutliers(Input{Aggregate: agg, Baseline: b, Config: cfg}))
	})

	t.Run("no baseline", func(t *testing.T) {
		agg := aggregateOf(t, "emp-1", line{"BASE_SALARY", "50000", ""})
		assert.Empty(t, detectBaselineOutliers(Input{Aggregate: agg, Config: cfg}))
	})
}

func TestThresholds(t *testing.T) {
	cfg := DefaultConfig().Apply(&Overrides{ComponentThresholds: map[string]float64{"bonus": 1000}})
	agg := aggregateOf(t, "emp-1", line{"BASE_SALARY", "5000", ""}, line{"BONUS", "1000", ""}, line{"BONUS", "1500", ""})

	findings := detectThresholds(Input{Aggregate: agg, Config: cfg})

	require.Len(t, findings, 1, "1000 sits on the limit")
	assert.Equal(t, payroll.TypeCustom, findings[0].Type)
	assert.Equal(t, payroll.SeverityHigh, findings[0].Severity)

	// No thresholds configured: no-op
	assert.Empty(t, detectThresholds(Input{Aggregate: agg, Config: DefaultConfig()}))
}

func TestCurrencyMismatch(t *testing.T) {
	employees := map[string]payroll.Employee{
		"emp-1": {ID: "emp-1", Currency: "USD"},
		"emp-2": {ID: "emp-2", Currency: "usd"},
		"emp-3": {ID: "emp-3", Currency: "EUR"},
		"emp-4": {ID: "emp-4"},
	}

	findings := currencyMismatch([]string{"emp-1", "emp-2", "emp-3", "emp-4"}, employees)

	require.Len(t, findings, 1)
	assert.Equal(t, "emp-3", findings[0].EmployeeID)
	assert.Equal(t, payroll.SeverityMedium, findings[0].Severity)
	d := findings[0].Details.(payroll.CurrencyDetails)
	assert.Equal(t, "USD", d.DominantCurrency)

	t.Run("tie picks the smallest code", func(t *testing.T) {
		tie := currencyMismatch([]string{"emp-1", "emp-3"}, employees)
		require.Len(t, tie, 1)
		assert.Equal(t, "emp-1", tie[0].EmployeeID)
		assert.Equal(t, "EUR", tie[0].Details.(payroll.CurrencyDetails).DominantCurrency)
	})

	t.Run("single currency", func(t *testing.T) {
		assert.Empty(t, currencyMismatch([]string{"emp-1", "emp-2"}, employees))
	})
}

func TestConfig_ApplyAndValidate(t *testing.T) {
	maxPct := 0.5
	periods := 1
	cfg := DefaultConfig().Apply(&Overrides{MaxDeductionPct: &maxPct, DeductionPrefixes: []string{"levy"}})

	assert.Equal(t, 0.5, cfg.MaxDeductionPct)
	assert.Equal(t, 0.50, cfg.SpikeThresholdPct, "unset fields keep defaults")
	assert.True(t, cfg.Classifier().IsDeduction("LEVY_STATE"))
	assert.False(t, cfg.Classifier().IsDeduction("TAX"))
	assert.NoError(t, cfg.Validate())

	// A short baseline window is legal; it is floored, never rejected.
	short := DefaultConfig().Apply(&Overrides{MinBaselinePeriods: &periods})
	assert.NoError(t, short.Validate())
	negative := -4
	clamped := DefaultConfig().Apply(&Overrides{MinBaselinePeriods: &negative, BaselinePeriods: &negative}).clampBaseline()
	assert.Equal(t, 1, clamped.MinBaselinePeriods)
	assert.Equal(t, 0, clamped.BaselinePeriods)

	zero := 0.0
	bad := DefaultConfig().Apply(&Overrides{OutlierStdDevs: &zero})
	assert.ErrorIs(t, bad.Validate(), payroll.ErrInvalidInput)
}
