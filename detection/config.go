package detection

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-recon/payroll"
)

// =============================================================================
// DETECTION CONFIG
// =============================================================================

// Config holds every tunable of a detection pass.
type Config struct {
	MaxDeductionPct    float64
	SpikeThresholdPct  float64
	DropThresholdPct   float64
	BaselinePeriods    int
	MinBaselinePeriods int
	OutlierStdDevs     float64
	BatchSize          int

	MandatoryComponents []string
	DeductionPrefixes   []string

	// ComponentKinds is the tenant's explicit classification table. Names not
	// listed fall back to DeductionPrefixes.
	ComponentKinds map[string]payroll.ComponentKind

	// ComponentThresholds caps the absolute amount of a component. Empty
	// disables the threshold detector.
	ComponentThresholds map[string]decimal.Decimal
}

// Severity cut-offs. Only the entry thresholds above are configurable.
const (
	highDeductionRatio = 0.80
	highSpikePct       = 1.0
	highDropPct        = 0.80
	highZScore         = 4.0
)

func DefaultConfig() Config {
	return Config{
		MaxDeductionPct:     0.60,
		SpikeThresholdPct:   0.50,
		DropThresholdPct:    0.30,
		BaselinePeriods:     6,
		MinBaselinePeriods:  3,
		OutlierStdDevs:      2.5,
		BatchSize:           5000,
		MandatoryComponents: append([]string(nil), payroll.DefaultMandatoryComponents...),
		DeductionPrefixes:   append([]string(nil), payroll.DefaultDeductionPrefixes...),
	}
}

// Classifier builds the earning/deduction classifier for this config.
func (c Config) Classifier() *payroll.Classifier {
	return payroll.NewClassifier(c.ComponentKinds, c.DeductionPrefixes)
}

// Validate rejects configs that would make detectors meaningless.
func (c Config) Validate() error {
	switch {
	case c.MaxDeductionPct <= 0:
		return fmt.Errorf("%w: maxDeductionPct must be positive", payroll.ErrInvalidInput)
	case c.SpikeThresholdPct <= 0 || c.DropThresholdPct <= 0:
		return fmt.Errorf("%w: spike and drop thresholds must be positive", payroll.ErrInvalidInput)
	case c.OutlierStdDevs <= 0:
		return fmt.Errorf("%w: outlierStdDevs must be positive", payroll.ErrInvalidInput)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batchSize must be positive", payroll.ErrInvalidInput)
	}
	return nil
}

// clampBaseline floors the baseline window instead of rejecting it. A window
// shorter than the minimum leaves baseline detectors skipped for the pass.
func (c Config) clampBaseline() Config {
	if c.MinBaselinePeriods < 1 {
		c.MinBaselinePeriods = 1
	}
	if c.BaselinePeriods < 0 {
		c.BaselinePeriods = 0
	}
	return c
}

// =============================================================================
// OVERRIDES - Partial configs from tenant profiles, files and requests
// =============================================================================

// Overrides replaces any subset of a Config. Nil fields keep the base value.
type Overrides struct {
	MaxDeductionPct     *float64           `json:"maxDeductionPct,omitempty" yaml:"max_deduction_pct,omitempty" mapstructure:"max_deduction_pct"`
	SpikeThresholdPct   *float64           `json:"spikeThresholdPct,omitempty" yaml:"spike_threshold_pct,omitempty" mapstructure:"spike_threshold_pct"`
	DropThresholdPct    *float64           `json:"dropThresholdPct,omitempty" yaml:"drop_threshold_pct,omitempty" mapstructure:"drop_threshold_pct"`
	BaselinePeriods     *int               `json:"baselinePeriods,omitempty" yaml:"baseline_periods,omitempty" mapstructure:"baseline_periods"`
	MinBaselinePeriods  *int               `json:"minBaselinePeriods,omitempty" yaml:"min_baseline_periods,omitempty" mapstructure:"min_baseline_periods"`
	OutlierStdDevs      *float64           `json:"outlierStdDevs,omitempty" yaml:"outlier_std_devs,omitempty" mapstructure:"outlier_std_devs"`
	BatchSize           *int               `json:"batchSize,omitempty" yaml:"batch_size,omitempty" mapstructure:"batch_size"`
	MandatoryComponents []string           `json:"mandatoryComponents,omitempty" yaml:"mandatory_components,omitempty" mapstructure:"mandatory_components"`
	DeductionPrefixes   []string           `json:"deductionPrefixes,omitempty" yaml:"deduction_prefixes,omitempty" mapstructure:"deduction_prefixes"`
	ComponentThresholds map[string]float64 `json:"componentThresholds,omitempty" yaml:"component_thresholds,omitempty" mapstructure:"component_thresholds"`
}

// Apply returns a copy of c with o laid over it. A nil o returns c unchanged.
func (c Config) Apply(o *Overrides) Config {
	if o == nil {
		return c
	}
	if o.MaxDeductionPct != nil {
		c.MaxDeductionPct = *o.MaxDeductionPct
	}
	if o.SpikeThresholdPct != nil {
		c.SpikeThresholdPct = *o.SpikeThresholdPct
	}
	if o.DropThresholdPct != nil {
		c.DropThresholdPct = *o.DropThresholdPct
	}
	if o.BaselinePeriods != nil {
		c.BaselinePeriods = *o.BaselinePeriods
	}
	if o.MinBaselinePeriods != nil {
		c.MinBaselinePeriods = *o.MinBaselinePeriods
	}
	if o.OutlierStdDevs != nil {
		c.OutlierStdDevs = *o.OutlierStdDevs
	}
	if o.BatchSize != nil {
		c.BatchSize = *o.BatchSize
	}
	if len(o.MandatoryComponents) > 0 {
		c.MandatoryComponents = normalizeAll(o.MandatoryComponents)
	}
	if len(o.DeductionPrefixes) > 0 {
		c.DeductionPrefixes = normalizeAll(o.DeductionPrefixes)
	}
	if len(o.ComponentThresholds) > 0 {
		thresholds := make(map[string]decimal.Decimal, len(c.ComponentThresholds)+len(o.ComponentThresholds))
		for k, v := range c.ComponentThresholds {
			thresholds[k] = v
		}
		for k, v := range o.ComponentThresholds {
			thresholds[payroll.NormalizeComponent(k)] = decimal.NewFromFloat(v)
		}
		c.ComponentThresholds = thresholds
	}
	return c
}

// Merge lays other over o. Fields set in other win.
func (o Overrides) Merge(other *Overrides) Overrides {
	if other == nil {
		return o
	}
	if other.MaxDeductionPct != nil {
		o.MaxDeductionPct = other.MaxDeductionPct
	}
	if other.SpikeThresholdPct != nil {
		o.SpikeThresholdPct = other.SpikeThresholdPct
	}
	if other.DropThresholdPct != nil {
		o.DropThresholdPct = other.DropThresholdPct
	}
	if other.BaselinePeriods != nil {
		o.BaselinePeriods = other.BaselinePeriods
	}
	if other.MinBaselinePeriods != nil {
		o.MinBaselinePeriods = other.MinBaselinePeriods
	}
	if other.OutlierStdDevs != nil {
		o.OutlierStdDevs = other.OutlierStdDevs
	}
	if other.BatchSize != nil {
		o.BatchSize = other.BatchSize
	}
	if len(other.MandatoryComponents) > 0 {
		o.MandatoryComponents = other.MandatoryComponents
	}
	if len(other.DeductionPrefixes) > 0 {
		o.DeductionPrefixes = other.DeductionPrefixes
	}
	if len(other.ComponentThresholds) > 0 {
		merged := make(map[string]float64, len(o.ComponentThresholds)+len(other.ComponentThresholds))
		for k, v := range o.ComponentThresholds {
			merged[k] = v
		}
		for k, v := range other.ComponentThresholds {
			merged[k] = v
		}
		o.ComponentThresholds = merged
	}
	return o
}

func normalizeAll(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = payroll.NormalizeComponent(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// =============================================================================
// CONFIG SOURCES
// =============================================================================

// ConfigSource resolves the detection config of a tenant.
type ConfigSource interface {
	ConfigFor(tenantID string) Config
}

// StaticConfig serves the same config to every tenant.
type StaticConfig Config

func (s StaticConfig) ConfigFor(string) Config { return Config(s) }
