package trace

import (
	"github.com/warp/payroll-recon/payroll"
)

// =============================================================================
// RECOMMENDATION -> COMPONENT MAPPING
// =============================================================================

// ComponentMap lists, per recommendation type, the pay components that type
// can move. Names are matched exactly after normalization.
type ComponentMap map[payroll.RecommendationType][]string

// DefaultComponentMap is used for tenants without their own table.
func DefaultComponentMap() ComponentMap {
	return ComponentMap{
		payroll.RecMeritIncrease:    {"BASE_SALARY", "BASE_PAY", "BASIC_SALARY", "SALARY", "MERIT"},
		payroll.RecPromotion:        {"BASE_SALARY", "BASE_PAY", "SALARY", "PROMOTION"},
		payroll.RecBonus:            {"BONUS", "INCENTIVE"},
		payroll.RecEquity:           {"EQUITY", "STOCK", "RSU"},
		payroll.RecMarketAdjustment: {"BASE_SALARY", "SALARY"},
	}
}

// Matches reports whether a recommendation of type t affects component.
// An empty component matches everything.
func (m ComponentMap) Matches(t payroll.RecommendationType, component string) bool {
	if component == "" {
		return true
	}
	want := payroll.NormalizeComponent(component)
	for _, name := range m[t] {
		if payroll.NormalizeComponent(name) == want {
			return true
		}
	}
	return false
}

// Merge returns a copy of m with other's entries replacing m's per type.
func (m ComponentMap) Merge(other ComponentMap) ComponentMap {
	out := make(ComponentMap, len(m)+len(other))
	for t, names := range m {
		out[t] = append([]string(nil), names...)
	}
	for t, names := range other {
		normalized := make([]string, 0, len(names))
		for _, n := range names {
			normalized = append(normalized, payroll.NormalizeComponent(n))
		}
		out[t] = normalized
	}
	return out
}

// MappingSource resolves the mapping table of a tenant.
type MappingSource interface {
	ComponentMapFor(tenantID string) ComponentMap
}

// StaticMap serves one table to every tenant.
type StaticMap ComponentMap

func (s StaticMap) ComponentMapFor(string) ComponentMap { return ComponentMap(s) }
