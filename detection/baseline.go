package detection

import (
	"math"
	"sort"

	"github.com/warp/payroll-recon/payroll"
)

// =============================================================================
// BASELINES - Historical pay statistics per employee
// =============================================================================
//
// Built fresh for each pass from prior APPROVED/FINALIZED runs and discarded
// afterwards. Statistics are float64: they only feed z-scores, never amounts.

// Baseline is one employee's historical profile.
type Baseline struct {
	EmployeeID  string
	AvgGross    float64
	AvgNet      float64
	StdDevGross float64
	StdDevNet   float64

	ComponentAverages map[string]float64
	ComponentStdDevs  map[string]float64
	// ComponentPeriods counts the periods a component appeared in.
	ComponentPeriods map[string]int

	PeriodCount int
}

// HistoricalPeriod is the line items of one prior run.
type HistoricalPeriod struct {
	Run   payroll.PayrollRun
	Items []payroll.LineItem
}

// BuildBaselines computes a baseline for every employee seen in history.
// Employees with fewer than minPeriods periods get no baseline.
func BuildBaselines(history []HistoricalPeriod, c *payroll.Classifier, minPeriods int) map[string]*Baseline {
	type samples struct {
		gross, net []float64
		components map[string][]float64
	}
	byEmployee := make(map[string]*samples)

	for _, period := range history {
		for _, agg := range Aggregate(period.Items, c) {
			s, ok := byEmployee[agg.EmployeeID]
			if !ok {
				s = &samples{components: make(map[string][]float64)}
				byEmployee[agg.EmployeeID] = s
			}
			s.gross = append(s.gross, agg.GrossPay.InexactFloat64())
			s.net = append(s.net, agg.NetPay.InexactFloat64())
			for name, amount := range agg.Components {
				s.components[name] = append(s.components[name], amount.InexactFloat64())
			}
		}
	}

	out := make(map[string]*Baseline, len(byEmployee))
	for id, s := range byEmployee {
		if len(s.gross) < minPeriods {
			continue
		}
		b := &Baseline{
			EmployeeID:        id,
			PeriodCount:       len(s.gross),
			ComponentAverages: make(map[string]float64, len(s.components)),
			ComponentStdDevs:  make(map[string]float64, len(s.components)),
			ComponentPeriods:  make(map[string]int, len(s.components)),
		}
		b.AvgGross, b.StdDevGross = meanStdDev(s.gross)
		b.AvgNet, b.StdDevNet = meanStdDev(s.net)
		for name, xs := range s.components {
			b.ComponentAverages[name], b.ComponentStdDevs[name] = meanStdDev(xs)
			b.ComponentPeriods[name] = len(xs)
		}
		out[id] = b
	}
	return out
}

// meanStdDev returns the mean and the sample standard deviation (N-1).
// The deviation is 0 with fewer than two samples.
func meanStdDev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	sq := 0.0
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}

// zScore is |x - mean| / stddev. ok is false when stddev is zero.
func zScore(x, mean, stddev float64) (float64, bool) {
	if stddev == 0 || math.IsNaN(stddev) {
		return 0, false
	}
	return math.Abs(x-mean) / stddev, true
}

// sortedKeys is used to keep component iteration deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
