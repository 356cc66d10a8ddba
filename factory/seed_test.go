package factory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/factory"
	"github.com/warp/reward-ledger/generic"
	"github.com/warp/reward-ledger/rules"
	"github.com/warp/reward-ledger/store/sqlite"
)

const seedYAML = `
users:
  - id: alice
    display_name: Alice
  - id: bob
templates:
  - id: weekly-coupon
    kind: coupon
    name: Weekly streak coupon
    validity_days: 7
    face_value: "5.00"
    max_quantity: 1000
  - id: draw-voucher
    kind: voucher
    name: Draw voucher
    validity_days: 30
    discount_percent: "12.5"
    active: false
rules:
  sign_in:
    - {key: "1", points: 5}
    - {key: "7", points: 50, experience: 10, coupon: weekly-coupon}
  game:
    - {key: "win:3", points: 30, experience: 6}
    - {key: "draw:3", points: 10, voucher: draw-voucher, active: false}
  pet:
    - {key: feed, points: 5, cost: 20}
`

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestParseSeed(t *testing.T) {
	seed, err := factory.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)

	assert.Len(t, seed.Users, 2)
	require.Len(t, seed.Templates, 2)

	weekly, err := seed.Templates[0].ToTemplate()
	require.NoError(t, err)
	assert.Equal(t, generic.KindCoupon, weekly.Kind)
	assert.True(t, weekly.FaceValue.Equal(decimal.NewFromInt(5)))
	assert.True(t, weekly.Active)
	require.NotNil(t, weekly.MaxQuantity)
	assert.Equal(t, int64(1000), *weekly.MaxQuantity)

	draw, err := seed.Templates[1].ToTemplate()
	require.NoError(t, err)
	assert.False(t, draw.Active)
	assert.Equal(t, "12.5", draw.DiscountPercent.String())

	sets, err := seed.RuleSets()
	require.NoError(t, err)
	require.Len(t, sets, 3)
	assert.Equal(t, rules.CategorySignIn, sets[0].Category)
	assert.Equal(t, generic.TemplateID("weekly-coupon"), sets[0].Records[1].CouponTemplateID)
	assert.False(t, sets[1].Records[1].Active)
	assert.Equal(t, int64(20), sets[2].Records[0].Cost)
}

func TestParseSeed_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "users: [\n"},
		{"unknown category", "rules:\n  quest:\n    - {key: a, points: 1}\n"},
		{"non-canonical category", "rules:\n  SIGN_IN:\n    - {key: \"1\", points: 1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.ParseSeed([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestTemplateYAML_Invalid(t *testing.T) {
	_, err := factory.TemplateYAML{ID: "x", Kind: "coupon", ValidityDays: 1, FaceValue: "abc"}.ToTemplate()
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = factory.TemplateYAML{ID: "x", Kind: "gift", ValidityDays: 1}.ToTemplate()
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestRuleSets_InvalidRecord(t *testing.T) {
	seed, err := factory.ParseSeed([]byte("rules:\n  game:\n    - {key: \"win:99\", points: 1}\n"))
	require.NoError(t, err)

	_, err = seed.RuleSets()
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestApply(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed, err := factory.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)

	// GIVEN: an empty database
	// WHEN: the seed is applied
	res, err := factory.Apply(ctx, store, seed, false)
	require.NoError(t, err)

	// THEN: everything is written and every category is at version 1
	assert.Equal(t, 2, res.Users)
	assert.Equal(t, 2, res.Templates)
	assert.Equal(t, 3, res.RuleSets)
	for _, c := range rules.Categories {
		assert.Equal(t, int64(1), res.RuleVersions[c])
	}

	exists, err := store.UserExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exists)

	active, err := store.GetActiveRules(ctx, rules.CategoryGame)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestApply_KeepsExistingRulesUnlessReplacing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed, err := factory.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)

	_, err = factory.Apply(ctx, store, seed, false)
	require.NoError(t, err)

	// Second start: rules untouched
	res, err := factory.Apply(ctx, store, seed, false)
	require.NoError(t, err)
	assert.Zero(t, res.RuleSets)
	assert.Len(t, res.SkippedSets, 3)
	v, err := store.CategoryVersion(ctx, rules.CategorySignIn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// Forced replace bumps every version
	res, err = factory.Apply(ctx, store, seed, true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.RuleSets)
	assert.Equal(t, int64(2), res.RuleVersions[rules.CategorySignIn])
}

func TestApply_RuleReferencesMissingTemplate(t *testing.T) {
	store := newTestStore(t)
	seed, err := factory.ParseSeed([]byte("rules:\n  sign_in:\n    - {key: \"1\", points: 1, coupon: nope}\n"))
	require.NoError(t, err)

	_, err = factory.Apply(context.Background(), store, seed, false)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	seed, err := factory.LoadSeed(path)
	require.NoError(t, err)
	assert.Len(t, seed.Users, 2)

	_, err = factory.LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
