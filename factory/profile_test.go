package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-recon/detection"
	"github.com/warp/payroll-recon/payroll"
)

const acmeProfiles = `
tenants:
  - tenant_id: acme
    name: Acme Corp
    components:
      earnings: [base_salary, Bonus]
      deductions: [HEALTH_PREMIUM, "401K"]
    recommendation_components:
      bonus: [BONUS, SIGN_ON]
    detection:
      max_deduction_pct: 0.5
      component_thresholds:
        bonus: 20000
  - tenant_id: globex
`

func TestParseProfiles(t *testing.T) {
	f := NewProfileFactory(detection.DefaultConfig())

	// WHEN: parsing a two-tenant document
	profiles, err := f.ParseProfiles([]byte(acmeProfiles))
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	// THEN: names are normalized and typed
	acme := profiles[0]
	assert.Equal(t, "Acme Corp", acme.Name)
	assert.Equal(t, payroll.KindEarning, acme.Classification["BASE_SALARY"])
	assert.Equal(t, payroll.KindDeduction, acme.Classification["401K"])
	assert.Equal(t, []string{"BONUS", "SIGN_ON"}, acme.Mappings[payroll.RecBonus])
	require.NotNil(t, acme.Detection.MaxDeductionPct)
	assert.Equal(t, 0.5, *acme.Detection.MaxDeductionPct)

	assert.Equal(t, "globex", profiles[1].TenantID)
	assert.Nil(t, profiles[1].Classification)
}

func TestParseProfiles_AcceptsJSON(t *testing.T) {
	f := NewProfileFactory(detection.DefaultConfig())
	profiles, err := f.ParseProfiles([]byte(`{"tenants": [{"tenant_id": "acme", "detection": {"batch_size": 100}}]}`))
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, 100, *profiles[0].Detection.BatchSize)
}

func TestParseProfiles_Rejects(t *testing.T) {
	f := NewProfileFactory(detection.DefaultConfig())

	cases := map[string]string{
		"missing tenant id":      "tenants:\n  - name: nobody\n",
		"duplicate tenant":       "tenants:\n  - tenant_id: a\n  - tenant_id: a\n",
		"conflicting component":  "tenants:\n  - tenant_id: a\n    components:\n      earnings: [X]\n      deductions: [x]\n",
		"unknown recommendation": "tenants:\n  - tenant_id: a\n    recommendation_components:\n      RAISE: [SALARY]\n",
		"invalid override":       "tenants:\n  - tenant_id: a\n    detection:\n      outlier_std_devs: 0\n",
		"malformed yaml":         "tenants: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.ParseProfiles([]byte(doc))
			assert.ErrorIs(t, err, payroll.ErrInvalidInput)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(acmeProfiles), 0o600))

	profiles, err := NewProfileFactory(detection.DefaultConfig()).LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)

	_, err = NewProfileFactory(detection.DefaultConfig()).LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	base := detection.DefaultConfig()
	profiles, err := NewProfileFactory(base).ParseProfiles([]byte(acmeProfiles))
	require.NoError(t, err)
	registry := NewRegistry(base, profiles...)

	// GIVEN: acme has a profile, initech does not
	acme := registry.ConfigFor("acme")
	other := registry.ConfigFor("initech")

	// THEN: overrides apply only to acme
	assert.Equal(t, 0.5, acme.MaxDeductionPct)
	assert.Equal(t, base.MaxDeductionPct, other.MaxDeductionPct)
	assert.True(t, acme.ComponentThresholds["BONUS"].Equal(decimal.NewFromInt(20000)))
	assert.True(t, acme.Classifier().IsDeduction("401k"))
	assert.False(t, other.Classifier().IsDeduction("401k"))

	assert.True(t, registry.ComponentMapFor("acme").Matches(payroll.RecBonus, "SIGN_ON"))
	assert.True(t, registry.ComponentMapFor("acme").Matches(payroll.RecMeritIncrease, "BASE_SALARY"))
	assert.False(t, registry.ComponentMapFor("initech").Matches(payroll.RecBonus, "SIGN_ON"))

	assert.Equal(t, []string{"acme", "globex"}, registry.Tenants())

	registry.Register(&Profile{TenantID: "initech"})
	_, ok := registry.Profile("initech")
	assert.True(t, ok)
}
