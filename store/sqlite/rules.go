package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/reward-ledger/generic"
	"github.com/warp/reward-ledger/rules"
)

// =============================================================================
// RULE STORE (rules.Store)
// =============================================================================

var _ rules.Store = (*Store)(nil)

const ruleColumns = `category, rule_key, points, experience, cost, coupon_template_id,
	voucher_template_id, active, created_at, updated_at`

func (s *Store) GetActiveRules(ctx context.Context, category rules.Category) ([]rules.Record, error) {
	if _, err := rules.ParseCategory(string(category)); err != nil {
		return nil, err
	}
	records, err := queryRules(ctx, s.rdb, "WHERE category = ? AND active = TRUE", category)
	if err != nil {
		return nil, err
	}
	rules.SortRecords(records)
	return records, nil
}

func (s *Store) CategoryVersion(ctx context.Context, category rules.Category) (int64, error) {
	return categoryVersion(ctx, s.rdb, category)
}

// ActiveRuleSet reads a category's active records and its version in one
// read transaction, so the version is the one those records belong to.
func (s *Store) ActiveRuleSet(ctx context.Context, category rules.Category) (rules.RuleSet, error) {
	if _, err := rules.ParseCategory(string(category)); err != nil {
		return rules.RuleSet{}, err
	}
	set := rules.RuleSet{Category: category}
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		records, err := queryRules(ctx, tx, "WHERE category = ? AND active = TRUE", category)
		if err != nil {
			return err
		}
		version, err := categoryVersion(ctx, tx, category)
		if err != nil {
			return err
		}
		rules.SortRecords(records)
		set.Records = records
		set.Version = version
		return nil
	})
	if err != nil {
		return rules.RuleSet{}, err
	}
	return set, nil
}

// Upsert replaces every rule of set.Category in one transaction. It fails
// with ConcurrentModificationError when the stored version differs from
// set.Version. Records whose key survives keep their original created_at.
func (s *Store) Upsert(ctx context.Context, set rules.RuleSet) (int64, error) {
	if err := set.Validate(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var newVersion int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := categoryVersion(ctx, tx, set.Category)
		if err != nil {
			return err
		}
		if current != set.Version {
			return &generic.ConcurrentModificationError{
				Category: string(set.Category),
				Expected: set.Version,
				Actual:   current,
			}
		}

		existing, err := queryRules(ctx, tx, "WHERE category = ?", set.Category)
		if err != nil {
			return err
		}
		createdAt := make(map[string]time.Time, len(existing))
		for _, r := range existing {
			createdAt[r.Key] = r.CreatedAt
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM rules WHERE category = ?", set.Category); err != nil {
			return fmt.Errorf("failed to clear %s rules: %w", set.Category, mapError(err))
		}

		for _, r := range set.Records {
			if err := checkRuleTemplates(ctx, tx, r); err != nil {
				return err
			}
			created, ok := createdAt[r.Key]
			if !ok {
				created = now
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO rules (`+ruleColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				r.Category, r.Key, r.Points, r.Experience, r.Cost,
				nullString(string(r.CouponTemplateID)), nullString(string(r.VoucherTemplateID)),
				r.Active, FormatTime(created), FormatTime(now),
			)
			if err != nil {
				return fmt.Errorf("failed to insert rule %s/%s: %w", r.Category, r.Key, mapError(err))
			}
		}

		newVersion = current + 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rule_versions (category, version, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(category) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at
		`, set.Category, newVersion, FormatTime(now))
		if err != nil {
			return fmt.Errorf("failed to bump %s version: %w", set.Category, mapError(err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	zap.L().Info("rules replaced",
		zap.String("category", string(set.Category)),
		zap.Int("records", len(set.Records)),
		zap.Int64("version", newVersion))
	return newVersion, nil
}

// Snapshot reads all rules and versions inside one read transaction.
func (s *Store) Snapshot(ctx context.Context) (*rules.Snapshot, error) {
	var snap *rules.Snapshot
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		records, err := queryRules(ctx, tx, "")
		if err != nil {
			return err
		}
		versions := make(map[rules.Category]int64, len(rules.Categories))
		for _, c := range rules.Categories {
			v, err := categoryVersion(ctx, tx, c)
			if err != nil {
				return err
			}
			versions[c] = v
		}
		snap = rules.NewSnapshot(records, versions)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// checkRuleTemplates rejects rules pointing at missing or mismatched templates.
func checkRuleTemplates(ctx context.Context, q querier, r rules.Record) error {
	refs := []struct {
		id   generic.TemplateID
		kind generic.TemplateKind
	}{
		{r.CouponTemplateID, generic.KindCoupon},
		{r.VoucherTemplateID, generic.KindVoucher},
	}
	for _, ref := range refs {
		if ref.id == "" {
			continue
		}
		t, err := loadTemplate(ctx, q, ref.id)
		if generic.IsNotFound(err) {
			return &generic.ValidationError{
				Field:   fmt.Sprintf("%s[%s]", r.Category, r.Key),
				Message: fmt.Sprintf("unknown %s template %q", ref.kind, ref.id),
			}
		}
		if err != nil {
			return err
		}
		if t.Kind != ref.kind {
			return &generic.ValidationError{
				Field:   fmt.Sprintf("%s[%s]", r.Category, r.Key),
				Message: fmt.Sprintf("template %q is a %s", ref.id, t.Kind),
			}
		}
	}
	return nil
}

func categoryVersion(ctx context.Context, q querier, category rules.Category) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, "SELECT version FROM rule_versions WHERE category = ?", category).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s version: %w", category, mapError(err))
	}
	return v, nil
}

func queryRules(ctx context.Context, q querier, where string, args ...any) ([]rules.Record, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+ruleColumns+" FROM rules "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", mapError(err))
	}
	defer rows.Close()

	var records []rules.Record
	for rows.Next() {
		var (
			r                    rules.Record
			coupon, voucher      sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&r.Category, &r.Key, &r.Points, &r.Experience, &r.Cost,
			&coupon, &voucher, &r.Active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.CouponTemplateID = generic.TemplateID(coupon.String)
		r.VoucherTemplateID = generic.TemplateID(voucher.String)
		r.CreatedAt = ParseTime(createdAt)
		r.UpdatedAt = ParseTime(updatedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}
