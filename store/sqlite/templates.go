package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/reward-ledger/generic"
)

// =============================================================================
// REWARD TEMPLATES
// =============================================================================

const templateColumns = `id, kind, name, validity_days, valid_from, valid_until, face_value,
	discount_percent, active, max_quantity, issued_count, created_at`

// SaveTemplate creates or updates a template definition. The issued counter
// is owned by the issuer and is never overwritten here.
func (s *Store) SaveTemplate(ctx context.Context, t generic.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var maxQty sql.NullInt64
	if t.MaxQuantity != nil {
		maxQty = sql.NullInt64{Int64: *t.MaxQuantity, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_templates
		(id, kind, name, validity_days, valid_from, valid_until, face_value, discount_percent,
		 active, max_quantity, issued_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			validity_days = excluded.validity_days,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			face_value = excluded.face_value,
			discount_percent = excluded.discount_percent,
			active = excluded.active,
			max_quantity = excluded.max_quantity
	`,
		t.ID, t.Kind, t.Name, t.ValidityDays,
		formatNullTime(t.ValidFrom), formatNullTime(t.ValidUntil),
		t.FaceValue.String(), t.DiscountPercent.String(),
		t.Active, maxQty, FormatTime(createdAt),
	)
	if err != nil {
		if isCheckConstraintError(err) {
			return &generic.ValidationError{Field: "max_quantity", Message: "is below the issued count"}
		}
		return fmt.Errorf("failed to save template: %w", mapError(err))
	}
	return nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]generic.Template, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+templateColumns+" FROM reward_templates ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []generic.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func loadTemplate(ctx context.Context, q querier, id generic.TemplateID) (*generic.Template, error) {
	row := q.QueryRowContext(ctx, "SELECT "+templateColumns+" FROM reward_templates WHERE id = ?", id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "template", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", mapError(err))
	}
	return t, nil
}

// incrementIssued is a guarded counter update: it only succeeds while the
// cap still has room, whatever the caller read earlier.
func incrementIssued(ctx context.Context, q querier, id generic.TemplateID, n int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE reward_templates
		SET issued_count = issued_count + ?
		WHERE id = ? AND (max_quantity IS NULL OR issued_count + ? <= max_quantity)
	`, n, id, n)
	if err != nil {
		return fmt.Errorf("failed to increment issued count: %w", mapError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	t, err := loadTemplate(ctx, q, id)
	if err != nil {
		return err
	}
	capErr := &generic.CapExceededError{TemplateID: id, IssuedCount: t.IssuedCount, Requested: n}
	if t.MaxQuantity != nil {
		capErr.MaxQuantity = *t.MaxQuantity
	}
	return capErr
}

func scanTemplate(row rowScanner) (*generic.Template, error) {
	var (
		t                   generic.Template
		validFrom, validTo  sql.NullString
		faceValue, discount string
		maxQty              sql.NullInt64
		createdAt           string
	)
	err := row.Scan(
		&t.ID, &t.Kind, &t.Name, &t.ValidityDays, &validFrom, &validTo, &faceValue,
		&discount, &t.Active, &maxQty, &t.IssuedCount, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	t.ValidFrom = parseNullTime(validFrom)
	t.ValidUntil = parseNullTime(validTo)
	if t.FaceValue, err = decimal.NewFromString(faceValue); err != nil {
		return nil, fmt.Errorf("template %s face value: %w", t.ID, err)
	}
	if t.DiscountPercent, err = decimal.NewFromString(discount); err != nil {
		return nil, fmt.Errorf("template %s discount: %w", t.ID, err)
	}
	if maxQty.Valid {
		v := maxQty.Int64
		t.MaxQuantity = &v
	}
	t.CreatedAt = ParseTime(createdAt)
	return &t, nil
}
