package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/reward-ledger/generic"
)

// =============================================================================
// REWARD INSTANCES (generic.InstanceStore)
// =============================================================================

const instanceColumns = `id, user_id, template_id, kind, created_at, expires_at, used, used_at`

func insertInstances(ctx context.Context, q querier, instances []generic.Instance) error {
	for _, inst := range instances {
		_, err := q.ExecContext(ctx, `
			INSERT INTO reward_instances (id, user_id, template_id, kind, created_at, expires_at, used, used_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			inst.ID, inst.UserID, inst.TemplateID, inst.Kind,
			FormatTime(inst.CreatedAt), FormatTime(inst.ExpiresAt),
			inst.Used, formatNullTime(inst.UsedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert instance %s: %w", inst.ID, mapError(err))
		}
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id generic.InstanceID) (*generic.Instance, error) {
	return getInstance(ctx, s.db, id)
}

func (s *Store) ListInstances(ctx context.Context, userID generic.UserID) ([]generic.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+instanceColumns+" FROM reward_instances WHERE user_id = ? ORDER BY created_at, id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []generic.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// RedeemInstance marks an instance used. It fails with ErrInstanceUsed on a
// second redemption and ErrInstanceExpired at or after expiry.
func (s *Store) RedeemInstance(ctx context.Context, id generic.InstanceID, at time.Time) (*generic.Instance, error) {
	var redeemed *generic.Instance
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inst, err := getInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		if inst.Used {
			return generic.ErrInstanceUsed
		}
		if inst.ExpiredAt(at) {
			return generic.ErrInstanceExpired
		}

		res, err := tx.ExecContext(ctx,
			"UPDATE reward_instances SET used = TRUE, used_at = ? WHERE id = ? AND used = FALSE",
			FormatTime(at), id,
		)
		if err != nil {
			return fmt.Errorf("failed to redeem instance: %w", mapError(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return generic.ErrInstanceUsed
		}

		usedAt := at.UTC()
		inst.Used = true
		inst.UsedAt = &usedAt
		redeemed = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return redeemed, nil
}

func getInstance(ctx context.Context, q querier, id generic.InstanceID) (*generic.Instance, error) {
	row := q.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM reward_instances WHERE id = ?", id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "instance", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", mapError(err))
	}
	return inst, nil
}

func scanInstance(row rowScanner) (*generic.Instance, error) {
	var (
		inst                 generic.Instance
		createdAt, expiresAt string
		usedAt               sql.NullString
	)
	if err := row.Scan(&inst.ID, &inst.UserID, &inst.TemplateID, &inst.Kind,
		&createdAt, &expiresAt, &inst.Used, &usedAt); err != nil {
		return nil, err
	}
	inst.CreatedAt = ParseTime(createdAt)
	inst.ExpiresAt = ParseTime(expiresAt)
	inst.UsedAt = parseNullTime(usedAt)
	return &inst, nil
}
