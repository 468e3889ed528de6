package payroll

import "strings"

// =============================================================================
// COMPONENT CLASSIFICATION - Earning vs deduction
// =============================================================================

type ComponentKind string

const (
	KindEarning   ComponentKind = "EARNING"
	KindDeduction ComponentKind = "DEDUCTION"
)

// DefaultDeductionPrefixes is the fallback for components a tenant has not
// listed explicitly.
var DefaultDeductionPrefixes = []string{"TAX", "DEDUCTION", "INSURANCE", "PENSION", "CONTRIBUTION"}

// DefaultMandatoryComponents are the base-pay names every employee must carry.
var DefaultMandatoryComponents = []string{"BASE_PAY", "BASIC_SALARY", "BASE_SALARY", "SALARY"}

// Classifier decides whether a component reduces net pay.
//
// The explicit table is consulted first (exact, case-insensitive name match).
// Names absent from the table fall back to the prefix list.
type Classifier struct {
	table    map[string]ComponentKind
	prefixes []string
}

// NewClassifier builds a classifier. A nil prefix list selects the defaults;
// an empty non-nil list disables prefix fallback.
func NewClassifier(table map[string]ComponentKind, prefixes []string) *Classifier {
	c := &Classifier{table: make(map[string]ComponentKind, len(table))}
	for name, kind := range table {
		c.table[NormalizeComponent(name)] = kind
	}
	if prefixes == nil {
		prefixes = DefaultDeductionPrefixes
	}
	for _, p := range prefixes {
		c.prefixes = append(c.prefixes, NormalizeComponent(p))
	}
	return c
}

// DefaultClassifier uses only the default prefix list.
func DefaultClassifier() *Classifier {
	return NewClassifier(nil, nil)
}

// Kind classifies a component name.
func (c *Classifier) Kind(component string) ComponentKind {
	name := NormalizeComponent(component)
	if kind, ok := c.table[name]; ok {
		return kind
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(name, p) {
			return KindDeduction
		}
	}
	return KindEarning
}

func (c *Classifier) IsDeduction(component string) bool {
	if c == nil {
		return DefaultClassifier().IsDeduction(component)
	}
	return c.Kind(component) == KindDeduction
}

// NormalizeComponent is the canonical form used for all component comparisons.
func NormalizeComponent(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
