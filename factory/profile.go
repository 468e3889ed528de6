/*
Package factory provides tenant reconciliation profiles.

PURPOSE:
  Converts YAML (or JSON) profile documents into the per-tenant settings the
  reconciliation core consumes: the component classification table, the
  recommendation-to-component mapping table and detection overrides. Tenants
  are configured without code changes.

DOCUMENT SCHEMA:
  tenants:
    - tenant_id: acme
      name: Acme Corp
      components:
        earnings: [BASE_SALARY, BONUS, OVERTIME]
        deductions: [TAX_FEDERAL, HEALTH_PREMIUM, "401K"]
      recommendation_components:
        BONUS: [BONUS, SIGN_ON]
      detection:
        max_deduction_pct: 0.5
        component_thresholds:
          BONUS: 20000

  JSON documents are valid YAML, so both are read by the same parser.

KEY FEATURES:
  - Validates the document (tenant id, component table, recommendation types)
  - Rejects overrides that would fail detection.Config.Validate
  - Registry serves profiles as detection.ConfigSource and trace.MappingSource

USAGE:
  factory := NewProfileFactory(detection.DefaultConfig())
  profiles, err := factory.LoadFile("tenants.yaml")
  registry := NewRegistry(detection.DefaultConfig(), profiles...)
  engine := detection.NewEngine(store, locker, registry, logger)

SEE ALSO:
  - detection/config.go: Config and Overrides
  - trace/mapping.go: ComponentMap
  - payroll/classify.go: Classifier
*/
package factory

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/warp/payroll-recon/detection"
	"github.com/warp/payroll-recon/payroll"
	"github.com/warp/payroll-recon/trace"
)

// =============================================================================
// DOCUMENT SCHEMA TYPES
// =============================================================================

// Document is a file of tenant profiles.
type Document struct {
	Tenants []ProfileDocument `yaml:"tenants"`
}

// ProfileDocument is the serialized form of one tenant profile.
type ProfileDocument struct {
	TenantID                 string               `yaml:"tenant_id"`
	Name                     string               `yaml:"name,omitempty"`
	Components               *ComponentsDocument  `yaml:"components,omitempty"`
	RecommendationComponents map[string][]string  `yaml:"recommendation_components,omitempty"`
	Detection                *detection.Overrides `yaml:"detection,omitempty"`
}

// ComponentsDocument lists the tenant's explicit component classification.
type ComponentsDocument struct {
	Earnings   []string `yaml:"earnings,omitempty"`
	Deductions []string `yaml:"deductions,omitempty"`
}

// =============================================================================
// PROFILE
// =============================================================================

// Profile is a parsed, validated tenant profile.
type Profile struct {
	TenantID       string
	Name           string
	Classification map[string]payroll.ComponentKind
	Mappings       trace.ComponentMap
	Detection      detection.Overrides
}

// =============================================================================
// PROFILE FACTORY
// =============================================================================

// ProfileFactory converts profile documents into Profiles.
type ProfileFactory struct {
	base detection.Config
}

// NewProfileFactory creates a factory that validates overrides against base.
func NewProfileFactory(base detection.Config) *ProfileFactory {
	return &ProfileFactory{base: base}
}

// LoadFile reads and parses a profile file.
func (f *ProfileFactory) LoadFile(path string) ([]*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant profiles: %w", err)
	}
	return f.ParseProfiles(data)
}

// ParseProfiles parses a document holding any number of tenant profiles.
func (f *ProfileFactory) ParseProfiles(data []byte) ([]*Profile, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse tenant profiles: %v", payroll.ErrInvalidInput, err)
	}

	seen := make(map[string]bool, len(doc.Tenants))
	profiles := make([]*Profile, 0, len(doc.Tenants))
	for _, pd := range doc.Tenants {
		p, err := f.FromDocument(pd)
		if err != nil {
			return nil, err
		}
		if seen[p.TenantID] {
			return nil, fmt.Errorf("%w: tenant %s listed twice", payroll.ErrInvalidInput, p.TenantID)
		}
		seen[p.TenantID] = true
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// FromDocument converts and validates one profile document.
func (f *ProfileFactory) FromDocument(pd ProfileDocument) (*Profile, error) {
	tenantID := strings.TrimSpace(pd.TenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: profile without tenant_id", payroll.ErrInvalidInput)
	}

	p := &Profile{
		TenantID: tenantID,
		Name:     pd.Name,
	}

	if pd.Components != nil {
		table, err := parseClassification(*pd.Components)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		p.Classification = table
	}

	if len(pd.RecommendationComponents) > 0 {
		m, err := parseMappings(pd.RecommendationComponents)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		p.Mappings = m
	}

	if pd.Detection != nil {
		p.Detection = *pd.Detection
		if err := f.base.Apply(&p.Detection).Validate(); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
	}

	return p, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseClassification(cd ComponentsDocument) (map[string]payroll.ComponentKind, error) {
	table := make(map[string]payroll.ComponentKind, len(cd.Earnings)+len(cd.Deductions))
	for _, name := range cd.Earnings {
		table[payroll.NormalizeComponent(name)] = payroll.KindEarning
	}
	for _, name := range cd.Deductions {
		key := payroll.NormalizeComponent(name)
		if table[key] == payroll.KindEarning {
			return nil, fmt.Errorf("%w: component %s listed as earning and deduction", payroll.ErrInvalidInput, key)
		}
		table[key] = payroll.KindDeduction
	}
	if _, ok := table[""]; ok {
		return nil, fmt.Errorf("%w: empty component name", payroll.ErrInvalidInput)
	}
	return table, nil
}

func parseMappings(raw map[string][]string) (trace.ComponentMap, error) {
	m := make(trace.ComponentMap, len(raw))
	for name, components := range raw {
		t, err := parseRecommendationType(name)
		if err != nil {
			return nil, err
		}
		m[t] = components
	}
	return m, nil
}

func parseRecommendationType(s string) (payroll.RecommendationType, error) {
	switch t := payroll.RecommendationType(strings.ToUpper(strings.TrimSpace(s))); t {
	case payroll.RecMeritIncrease, payroll.RecPromotion, payroll.RecBonus,
		payroll.RecEquity, payroll.RecMarketAdjustment:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown recommendation type %q", payroll.ErrInvalidInput, s)
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the loaded profiles. Tenants without a profile get the base
// config and the default mapping table.
type Registry struct {
	mu       sync.RWMutex
	base     detection.Config
	baseMap  trace.ComponentMap
	profiles map[string]*Profile
}

func NewRegistry(base detection.Config, profiles ...*Profile) *Registry {
	r := &Registry{
		base:     base,
		baseMap:  trace.DefaultComponentMap(),
		profiles: make(map[string]*Profile, len(profiles)),
	}
	for _, p := range profiles {
		r.profiles[p.TenantID] = p
	}
	return r
}

// Register adds or replaces a tenant's profile.
func (r *Registry) Register(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.TenantID] = p
}

func (r *Registry) Profile(tenantID string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[tenantID]
	return p, ok
}

// Tenants returns the ids of all registered tenants, sorted.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConfigFor implements detection.ConfigSource.
func (r *Registry) ConfigFor(tenantID string) detection.Config {
	p, ok := r.Profile(tenantID)
	if !ok {
		return r.base
	}
	cfg := r.base.Apply(&p.Detection)
	if len(p.Classification) > 0 {
		cfg.ComponentKinds = p.Classification
	}
	return cfg
}

// ComponentMapFor implements trace.MappingSource.
func (r *Registry) ComponentMapFor(tenantID string) trace.ComponentMap {
	p, ok := r.Profile(tenantID)
	if !ok || len(p.Mappings) == 0 {
		return r.baseMap
	}
	return r.baseMap.Merge(p.Mappings)
}
