/*
Package rules defines admin-configurable reward tables.

CATEGORIES:
  sign_in  keyed by consecutive day number ("1".."N")
  game     keyed by "<result>:<difficulty>" ("win:3", "lose:1")
  pet      keyed by interaction type ("feed", "bathe", "play")

Each record carries a payout (points, experience, optional coupon or voucher
template) and, for pet interactions, a cost. Rules are replaced per category
as one batch, guarded by a per-category version counter, so evaluations never
observe a half-edited table.

SEE ALSO:
  - store/sqlite/rules.go: SQLite implementation of Store
  - rewards/evaluate.go: Consumes Snapshot
*/
package rules

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/warp/reward-ledger/generic"
)

type Category string

const (
	CategorySignIn Category = "sign_in"
	CategoryGame   Category = "game"
	CategoryPet    Category = "pet"
)

var Categories = []Category{CategorySignIn, CategoryGame, CategoryPet}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategorySignIn, CategoryGame, CategoryPet:
		return c, nil
	}
	return "", &generic.ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", s)}
}

// Limits on configured values.
const (
	MaxPoints     = 1_000_000
	MaxExperience = 1_000_000
	MaxSignInDay  = 366
	MaxDifficulty = 10
)

// Record is one row of a reward table.
type Record struct {
	Category          Category
	Key               string
	Points            int64
	Experience        int64
	Cost              int64 // pet only
	CouponTemplateID  generic.TemplateID
	VoucherTemplateID generic.TemplateID
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// =============================================================================
// KEYS
// =============================================================================

func SignInKey(day int) string {
	return strconv.Itoa(day)
}

func GameKey(result string, difficulty int) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(result), difficulty)
}

func PetKey(interaction string) string {
	return strings.ToLower(strings.TrimSpace(interaction))
}

// ParseSignInDay returns the day number of a sign-in key.
func ParseSignInDay(key string) (int, bool) {
	day, err := strconv.Atoi(key)
	if err != nil || day < 1 {
		return 0, false
	}
	return day, true
}

var gameResults = map[string]bool{"win": true, "lose": true, "draw": true}

// =============================================================================
// VALIDATION
// =============================================================================

func (r Record) Validate() error {
	field := func(name string) string { return fmt.Sprintf("%s[%s].%s", r.Category, r.Key, name) }

	switch r.Category {
	case CategorySignIn:
		day, ok := ParseSignInDay(r.Key)
		if !ok || day > MaxSignInDay {
			return &generic.ValidationError{Field: field("key"), Message: fmt.Sprintf("day must be 1..%d", MaxSignInDay)}
		}
	case CategoryGame:
		result, diff, ok := strings.Cut(r.Key, ":")
		if !ok || !gameResults[result] {
			return &generic.ValidationError{Field: field("key"), Message: "must be win|lose|draw:<difficulty>"}
		}
		d, err := strconv.Atoi(diff)
		if err != nil || d < 1 || d > MaxDifficulty {
			return &generic.ValidationError{Field: field("key"), Message: fmt.Sprintf("difficulty must be 1..%d", MaxDifficulty)}
		}
	case CategoryPet:
		if r.Key == "" || r.Key != PetKey(r.Key) {
			return &generic.ValidationError{Field: field("key"), Message: "must be a lower-case interaction name"}
		}
	default:
		return &generic.ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", r.Category)}
	}

	if r.Points < 0 || r.Points > MaxPoints {
		return &generic.ValidationError{Field: field("points"), Message: fmt.Sprintf("must be 0..%d", MaxPoints)}
	}
	if r.Experience < 0 || r.Experience > MaxExperience {
		return &generic.ValidationError{Field: field("experience"), Message: fmt.Sprintf("must be 0..%d", MaxExperience)}
	}
	if r.Cost < 0 || r.Cost > MaxPoints {
		return &generic.ValidationError{Field: field("cost"), Message: fmt.Sprintf("must be 0..%d", MaxPoints)}
	}
	if r.Cost > 0 && r.Category != CategoryPet {
		return &generic.ValidationError{Field: field("cost"), Message: "only pet rules carry a cost"}
	}
	return nil
}

// RuleSet is a full replacement of one category's table.
// Version is the category version the editor last read.
type RuleSet struct {
	Category Category
	Version  int64
	Records  []Record
}

func (rs RuleSet) Validate() error {
	if _, err := ParseCategory(string(rs.Category)); err != nil {
		return err
	}
	seen := make(map[string]bool, len(rs.Records))
	for _, r := range rs.Records {
		if r.Category != rs.Category {
			return &generic.ValidationError{Field: "category", Message: fmt.Sprintf("record %q belongs to %s", r.Key, r.Category)}
		}
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Key] {
			return &generic.ValidationError{Field: "key", Message: fmt.Sprintf("duplicate key %q", r.Key)}
		}
		seen[r.Key] = true
	}
	return nil
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// GetActiveRules returns the active records of a category, ordered by key.
	GetActiveRules(ctx context.Context, category Category) ([]Record, error)

	// CategoryVersion is 0 for a category that was never written.
	CategoryVersion(ctx context.Context, category Category) (int64, error)

	// ActiveRuleSet returns the active records together with the version
	// they were read at, for a later Upsert.
	ActiveRuleSet(ctx context.Context, category Category) (RuleSet, error)

	// Upsert atomically replaces a category and returns its new version.
	Upsert(ctx context.Context, set RuleSet) (int64, error)

	// Snapshot reads every category in one consistent view.
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// SortRecords orders records the way stores return them: sign-in days
// numerically, everything else lexically.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Category == CategorySignIn {
			da, _ := ParseSignInDay(a.Key)
			db, _ := ParseSignInDay(b.Key)
			return da < db
		}
		return a.Key < b.Key
	})
}
