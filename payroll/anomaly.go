/*
anomaly.go - Anomaly findings and their typed details

PURPOSE:
  An Anomaly is one finding raised by a detector against one employee in one
  run. Its Details are a tagged union: every detector has its own struct, and
  the persisted JSON carries a "variant" discriminator so readers decode the
  exact shape instead of probing optional fields.

VARIANTS:
  negative_net       NEGATIVE_NET        net pay below zero
  deduction_ratio    UNUSUAL_DEDUCTION   deductions / gross above the cap
  missing_component  MISSING_COMPONENT   no base pay, or base pay of exactly 0
  duplicate          DUPLICATE           same component twice for one employee
  change             SPIKE / DROP        month-over-month or baseline outlier
  threshold          CUSTOM              component above a configured cap
  currency           CUSTOM              employee currency differs from the run's dominant one

FINGERPRINT:
  employee|type|variant|component#occurrence. Stable across detection passes
  for identical input, so resolutions keyed by it survive re-scans.

SEE ALSO:
  - detection/detectors.go: Builds these details
  - store/sqlite/sqlite.go: Persists details_json and resolutions
*/
package payroll

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TYPE AND SEVERITY
// =============================================================================

type AnomalyType string

const (
	TypeNegativeNet      AnomalyType = "NEGATIVE_NET"
	TypeSpike            AnomalyType = "SPIKE"
	TypeDrop             AnomalyType = "DROP"
	TypeUnusualDeduction AnomalyType = "UNUSUAL_DEDUCTION"
	TypeMissingComponent AnomalyType = "MISSING_COMPONENT"
	TypeDuplicate        AnomalyType = "DUPLICATE"
	TypeCustom           AnomalyType = "CUSTOM"
)

// AnomalyTypes lists every type in report order.
var AnomalyTypes = []AnomalyType{
	TypeNegativeNet, TypeSpike, TypeDrop, TypeUnusualDeduction,
	TypeMissingComponent, TypeDuplicate, TypeCustom,
}

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Severities lists severities from most to least urgent.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank orders severities; lower is more urgent.
func (s Severity) Rank() int {
	for i, v := range Severities {
		if v == s {
			return i
		}
	}
	return len(Severities)
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(s))
	if sev.Rank() == len(Severities) {
		return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, s)
	}
	return sev, nil
}

func ParseAnomalyType(s string) (AnomalyType, error) {
	t := AnomalyType(strings.ToUpper(s))
	for _, v := range AnomalyTypes {
		if v == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown anomaly type %q", ErrInvalidInput, s)
}

// =============================================================================
// ANOMALY
// =============================================================================

type Anomaly struct {
	ID           string
	TenantID     string
	PayrollRunID string
	EmployeeID   string
	Type         AnomalyType
	Severity     Severity
	Details      Details
	Fingerprint  string
	Generation   int64
	CreatedAt    time.Time

	// Resolution state, joined from the resolutions table by fingerprint.
	Resolved        bool
	ResolvedBy      string
	ResolvedAt      *time.Time
	ResolutionNotes string
}

// Resolution is a human sign-off on one finding. It is keyed by fingerprint
// rather than anomaly row id.
type Resolution struct {
	TenantID     string
	PayrollRunID string
	Fingerprint  string
	ResolvedBy   string
	ResolvedAt   time.Time
	Notes        string
}

// BaseFingerprint identifies a finding independently of the detection pass.
// The engine appends "#n" to disambiguate repeated findings.
func BaseFingerprint(employeeID string, t AnomalyType, d Details) string {
	return strings.Join([]string{employeeID, string(t), string(d.Variant()), NormalizeComponent(d.ComponentKey())}, "|")
}

// =============================================================================
// DETAILS - Tagged union keyed by Variant
// =============================================================================

type Variant string

const (
	VariantNegativeNet      Variant = "negative_net"
	VariantDeductionRatio   Variant = "deduction_ratio"
	VariantMissingComponent Variant = "missing_component"
	VariantDuplicate        Variant = "duplicate"
	VariantChange           Variant = "change"
	VariantThreshold        Variant = "threshold"
	VariantCurrency         Variant = "currency"
)

// Details is implemented by every per-detector detail struct.
type Details interface {
	Variant() Variant
	Summary() string
	Action() string
	// ComponentKey is the component the finding is about, "" if run- or
	// employee-level.
	ComponentKey() string
	// AmountAtRisk returns the monetary amount the finding carries, if any.
	AmountAtRisk() (decimal.Decimal, bool)
}

// Common is embedded by every variant.
type Common struct {
	Message         string `json:"message"`
	SuggestedAction string `json:"suggestedAction,omitempty"`
}

func (c Common) Summary() string { return c.Message }
func (c Common) Action() string  { return c.SuggestedAction }

type NegativeNetDetails struct {
	Common
	GrossPay   decimal.Decimal `json:"grossPay"`
	Deductions decimal.Decimal `json:"deductions"`
	NetPay     decimal.Decimal `json:"amount"`
}

func (NegativeNetDetails) Variant() Variant                        { return VariantNegativeNet }
func (NegativeNetDetails) ComponentKey() string                    { return "" }
func (d NegativeNetDetails) AmountAtRisk() (decimal.Decimal, bool) { return d.NetPay, true }

type DeductionRatioDetails struct {
	Common
	GrossPay   decimal.Decimal `json:"grossPay"`
	Deductions decimal.Decimal `json:"amount"`
	Ratio      decimal.Decimal `json:"ratio"`
	Threshold  decimal.Decimal `json:"threshold"`
}

func (DeductionRatioDetails) Variant() Variant                        { return VariantDeductionRatio }
func (DeductionRatioDetails) ComponentKey() string                    { return "" }
func (d DeductionRatioDetails) AmountAtRisk() (decimal.Decimal, bool) { return d.Deductions, true }

type MissingComponentDetails struct {
	Common
	Component string           `json:"component,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Expected  []string         `json:"expected,omitempty"`
}

func (MissingComponentDetails) Variant() Variant       { return VariantMissingComponent }
func (d MissingComponentDetails) ComponentKey() string { return d.Component }
func (d MissingComponentDetails) AmountAtRisk() (decimal.Decimal, bool) {
	if d.Amount == nil {
		return decimal.Zero, false
	}
	return *d.Amount, true
}

type DuplicateDetails struct {
	Common
	Component    string          `json:"component"`
	FirstAmount  decimal.Decimal `json:"previousAmount"`
	SecondAmount decimal.Decimal `json:"amount"`
}

func (DuplicateDetails) Variant() Variant                        { return VariantDuplicate }
func (d DuplicateDetails) ComponentKey() string                  { return d.Component }
func (d DuplicateDetails) AmountAtRisk() (decimal.Decimal, bool) { return d.SecondAmount, true }

// ChangeMethod names how a SPIKE or DROP was found.
type ChangeMethod string

const (
	MethodMonthOverMonth    ChangeMethod = "MONTH_OVER_MONTH"
	MethodBaselineGross     ChangeMethod = "BASELINE_GROSS"
	MethodBaselineComponent ChangeMethod = "BASELINE_COMPONENT"
)

type ChangeDetails struct {
	Common
	Method         ChangeMethod     `json:"method"`
	Component      string           `json:"component,omitempty"`
	Amount         decimal.Decimal  `json:"amount"`
	PreviousAmount *decimal.Decimal `json:"previousAmount,omitempty"`
	ChangePct      *decimal.Decimal `json:"changePct,omitempty"`
	Mean           *float64         `json:"mean,omitempty"`
	StdDev         *float64         `json:"stdDev,omitempty"`
	ZScore         *float64         `json:"zScore,omitempty"`
	Threshold      float64          `json:"threshold"`
}

func (ChangeDetails) Variant() Variant { return VariantChange }

// ComponentKey includes the method so the month-over-month and baseline
// findings on one component fingerprint separately.
func (d ChangeDetails) ComponentKey() string {
	return string(d.Method) + ":" + d.Component
}
func (d ChangeDetails) AmountAtRisk() (decimal.Decimal, bool) { return d.Amount, true }

type ThresholdDetails struct {
	Common
	Component string          `json:"component"`
	Amount    decimal.Decimal `json:"amount"`
	Threshold decimal.Decimal `json:"threshold"`
}

func (ThresholdDetails) Variant() Variant                        { return VariantThreshold }
func (d ThresholdDetails) ComponentKey() string                  { return d.Component }
func (d ThresholdDetails) AmountAtRisk() (decimal.Decimal, bool) { return d.Amount, true }

type CurrencyDetails struct {
	Common
	Currency         string `json:"currency"`
	DominantCurrency string `json:"dominantCurrency"`
}

func (CurrencyDetails) Variant() Variant                      { return VariantCurrency }
func (CurrencyDetails) ComponentKey() string                  { return "" }
func (CurrencyDetails) AmountAtRisk() (decimal.Decimal, bool) { return decimal.Zero, false }

// =============================================================================
// JSON CODEC
// =============================================================================

// EncodeDetails writes the variant's fields plus a "variant" discriminator.
func EncodeDetails(d Details) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	variant, _ := json.Marshal(d.Variant())
	fields["variant"] = variant
	return json.Marshal(fields)
}

// DecodeDetails reverses EncodeDetails.
func DecodeDetails(data []byte) (Details, error) {
	var head struct {
		Variant Variant `json:"variant"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode anomaly details: %w", err)
	}

	switch head.Variant {
	case VariantNegativeNet:
		var v NegativeNetDetails
		return v, wrapDecode(json.Unmarshal(data, &v))
	case VariantDeductionRatio:
		var v DeductionRatioDetails
		return v, wrapDecode(json.Unmarshal(data, &v))
	case VariantMissingComponent:
		var v MissingComponentDetails
		return v, wrapDecode(json.Unmarshal(data, &v))
	case VariantDuplicate:
		var v DuplicateDetails
		return v, wrapDecode(json.Unmarshal(data, &v))
	case VariantChange:
		var v ChangeDetails
		return v, wrapDecode(json.Unmarshal(data, &v))
	case VariantThreshold:
		var v ThresholdDetails
		return v, wrapDecode(json.Unmarshal(data, &v))
	case VariantCurrency:
		var v CurrencyDetails
		return v, wrapDecode(json.Unmarshal(data, &v))
	}
	return nil, fmt.Errorf("decode anomaly details: unknown variant %q", head.Variant)
}

func wrapDecode(err error) error {
	if err != nil {
		return fmt.Errorf("decode anomaly details: %w", err)
	}
	return nil
}
