/*
Package factory converts YAML seed files into users, templates and rules.

PURPOSE:
  Operators describe the reward catalogue (templates) and the rule tables in
  a YAML file, and the server loads it at startup. The factory turns the
  YAML into generic.Template and rules.RuleSet values and applies them
  through the same store APIs the admin endpoints use.

YAML SCHEMA:
  users:
    - id: alice
      display_name: Alice
  templates:
    - id: weekly-coupon
      kind: coupon
      name: Weekly streak coupon
      validity_days: 7
      face_value: "5.00"
      max_quantity: 1000
  rules:
    sign_in:
      - {key: "1", points: 5}
      - {key: "7", points: 50, experience: 10, coupon: weekly-coupon}
    game:
      - {key: "win:3", points: 30, experience: 6}
    pet:
      - {key: feed, points: 5, cost: 20}

RULE APPLICATION:
  A category that was never configured is written from the seed. A
  category that already has a version is left alone unless the caller
  asks to replace it, so a restart never clobbers edits made over the API.

SEE ALSO:
  - rules/rules.go: Record and RuleSet
  - generic/types.go: Template
*/
package factory

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/reward-ledger/generic"
	"github.com/warp/reward-ledger/rules"
	"github.com/warp/reward-ledger/store/sqlite"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

type Seed struct {
	Users     []UserYAML                  `yaml:"users"`
	Templates []TemplateYAML              `yaml:"templates"`
	Rules     map[string][]RuleRecordYAML `yaml:"rules"`
}

type UserYAML struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

type TemplateYAML struct {
	ID              string     `yaml:"id"`
	Kind            string     `yaml:"kind"`
	Name            string     `yaml:"name"`
	ValidityDays    int        `yaml:"validity_days"`
	ValidFrom       *time.Time `yaml:"valid_from,omitempty"`
	ValidUntil      *time.Time `yaml:"valid_until,omitempty"`
	FaceValue       string     `yaml:"face_value,omitempty"`
	DiscountPercent string     `yaml:"discount_percent,omitempty"`
	MaxQuantity     *int64     `yaml:"max_quantity,omitempty"`
	Active          *bool      `yaml:"active,omitempty"` // default true
}

type RuleRecordYAML struct {
	Key        string `yaml:"key"`
	Points     int64  `yaml:"points"`
	Experience int64  `yaml:"experience"`
	Cost       int64  `yaml:"cost,omitempty"`
	Coupon     string `yaml:"coupon,omitempty"`
	Voucher    string `yaml:"voucher,omitempty"`
	Active     *bool  `yaml:"active,omitempty"` // default true
}

// =============================================================================
// PARSING
// =============================================================================

func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed YAML: %w", err)
	}
	for category := range seed.Rules {
		parsed, err := rules.ParseCategory(category)
		if err != nil {
			return nil, err
		}
		if string(parsed) != category {
			return nil, &generic.ValidationError{Field: "rules", Message: fmt.Sprintf("category %q must be written as %q", category, parsed)}
		}
	}
	return &seed, nil
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seed, nil
}

// ToTemplate converts one YAML template and validates it.
func (ty TemplateYAML) ToTemplate() (generic.Template, error) {
	t := generic.Template{
		ID:           generic.TemplateID(ty.ID),
		Kind:         generic.TemplateKind(ty.Kind),
		Name:         ty.Name,
		ValidityDays: ty.ValidityDays,
		ValidFrom:    utcPtr(ty.ValidFrom),
		ValidUntil:   utcPtr(ty.ValidUntil),
		MaxQuantity:  ty.MaxQuantity,
		Active:       boolOr(ty.Active, true),
	}
	var err error
	if t.FaceValue, err = parseDecimal("face_value", ty.FaceValue); err != nil {
		return generic.Template{}, err
	}
	if t.DiscountPercent, err = parseDecimal("discount_percent", ty.DiscountPercent); err != nil {
		return generic.Template{}, err
	}
	if err := t.Validate(); err != nil {
		return generic.Template{}, fmt.Errorf("template %q: %w", ty.ID, err)
	}
	return t, nil
}

// RuleSets converts the rules section, one set per category, in the fixed
// category order. Versions are left at zero; Apply fills them in.
func (s *Seed) RuleSets() ([]rules.RuleSet, error) {
	var sets []rules.RuleSet
	for _, category := range rules.Categories {
		records, ok := s.Rules[string(category)]
		if !ok {
			continue
		}
		set := rules.RuleSet{Category: category}
		for _, ry := range records {
			set.Records = append(set.Records, rules.Record{
				Category:          category,
				Key:               ry.Key,
				Points:            ry.Points,
				Experience:        ry.Experience,
				Cost:              ry.Cost,
				CouponTemplateID:  generic.TemplateID(ry.Coupon),
				VoucherTemplateID: generic.TemplateID(ry.Voucher),
				Active:            boolOr(ry.Active, true),
			})
		}
		if err := set.Validate(); err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// =============================================================================
// APPLYING
// =============================================================================

// Target is what a seed is written to.
type Target interface {
	rules.Store
	SaveUser(ctx context.Context, u sqlite.User) error
	SaveTemplate(ctx context.Context, t generic.Template) error
}

type ApplyResult struct {
	Users        int
	Templates    int
	RuleSets     int
	SkippedSets  []rules.Category
	RuleVersions map[rules.Category]int64
}

// Apply writes users, then templates, then rules, so rules can reference
// templates from the same file. With replaceRules false, categories that
// already have a version are skipped.
func Apply(ctx context.Context, target Target, seed *Seed, replaceRules bool) (*ApplyResult, error) {
	res := &ApplyResult{RuleVersions: make(map[rules.Category]int64)}

	for _, uy := range seed.Users {
		if uy.ID == "" {
			return nil, &generic.ValidationError{Field: "users.id", Message: "is required"}
		}
		if err := target.SaveUser(ctx, sqlite.User{ID: generic.UserID(uy.ID), DisplayName: uy.DisplayName}); err != nil {
			return nil, fmt.Errorf("seed user %q: %w", uy.ID, err)
		}
		res.Users++
	}

	for _, ty := range seed.Templates {
		t, err := ty.ToTemplate()
		if err != nil {
			return nil, err
		}
		if err := target.SaveTemplate(ctx, t); err != nil {
			return nil, fmt.Errorf("seed template %q: %w", ty.ID, err)
		}
		res.Templates++
	}

	sets, err := seed.RuleSets()
	if err != nil {
		return nil, err
	}
	for _, set := range sets {
		current, err := target.CategoryVersion(ctx, set.Category)
		if err != nil {
			return nil, err
		}
		if current > 0 && !replaceRules {
			res.SkippedSets = append(res.SkippedSets, set.Category)
			res.RuleVersions[set.Category] = current
			continue
		}
		set.Version = current
		version, err := target.Upsert(ctx, set)
		if err != nil {
			return nil, fmt.Errorf("seed %s rules: %w", set.Category, err)
		}
		res.RuleSets++
		res.RuleVersions[set.Category] = version
	}

	zap.L().Info("seed applied",
		zap.Int("users", res.Users),
		zap.Int("templates", res.Templates),
		zap.Int("rule_sets", res.RuleSets),
		zap.Int("skipped_rule_sets", len(res.SkippedSets)))
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &generic.ValidationError{Field: field, Message: fmt.Sprintf("invalid decimal %q", s)}
	}
	return d, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
