package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/reward-ledger/generic"
)

// =============================================================================
// ISSUER STORE (generic.Store) - shared by Store and txStore
// =============================================================================

type txStore struct {
	q querier
}

func (ts *txStore) FindEntryByKey(ctx context.Context, userID generic.UserID, key generic.IdempotencyKey) (*generic.LedgerEntry, error) {
	return findEntryByKey(ctx, ts.q, userID, key)
}

func (ts *txStore) LockWallet(ctx context.Context, userID generic.UserID, now time.Time) (generic.Wallet, error) {
	return lockWallet(ctx, ts.q, userID, now)
}

func (ts *txStore) SaveWallet(ctx context.Context, w generic.Wallet, expectedVersion int64) error {
	return saveWallet(ctx, ts.q, w, expectedVersion)
}

func (ts *txStore) LoadTemplate(ctx context.Context, id generic.TemplateID) (*generic.Template, error) {
	return loadTemplate(ctx, ts.q, id)
}

func (ts *txStore) IncrementIssued(ctx context.Context, id generic.TemplateID, n int64) error {
	return incrementIssued(ctx, ts.q, id, n)
}

func (ts *txStore) InsertInstances(ctx context.Context, instances []generic.Instance) error {
	return insertInstances(ctx, ts.q, instances)
}

func (ts *txStore) AppendEntry(ctx context.Context, entry *generic.LedgerEntry) error {
	return appendEntry(ctx, ts.q, entry)
}

func (ts *txStore) GetWallet(ctx context.Context, userID generic.UserID) (*generic.Wallet, error) {
	return getWallet(ctx, ts.q, userID)
}

// The non-transactional methods run each statement on its own. Multi-step
// writes should go through WithTx.

func (s *Store) FindEntryByKey(ctx context.Context, userID generic.UserID, key generic.IdempotencyKey) (*generic.LedgerEntry, error) {
	return findEntryByKey(ctx, s.db, userID, key)
}

func (s *Store) LockWallet(ctx context.Context, userID generic.UserID, now time.Time) (generic.Wallet, error) {
	return lockWallet(ctx, s.db, userID, now)
}

func (s *Store) SaveWallet(ctx context.Context, w generic.Wallet, expectedVersion int64) error {
	return saveWallet(ctx, s.db, w, expectedVersion)
}

func (s *Store) LoadTemplate(ctx context.Context, id generic.TemplateID) (*generic.Template, error) {
	return loadTemplate(ctx, s.db, id)
}

func (s *Store) IncrementIssued(ctx context.Context, id generic.TemplateID, n int64) error {
	return incrementIssued(ctx, s.db, id, n)
}

func (s *Store) InsertInstances(ctx context.Context, instances []generic.Instance) error {
	return insertInstances(ctx, s.db, instances)
}

func (s *Store) AppendEntry(ctx context.Context, entry *generic.LedgerEntry) error {
	return appendEntry(ctx, s.db, entry)
}

func (s *Store) GetWallet(ctx context.Context, userID generic.UserID) (*generic.Wallet, error) {
	return getWallet(ctx, s.db, userID)
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

const entryColumns = `id, user_id, idempotency_key, event_type, points_delta, experience_delta,
	instance_ids, description, tag, created_by, created_by_type, created_at, balance_after`

func findEntryByKey(ctx context.Context, q querier, userID generic.UserID, key generic.IdempotencyKey) (*generic.LedgerEntry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE id = (SELECT entry_id FROM idempotency_records WHERE user_id = ? AND idempotency_key = ?)
	`, userID, key)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entry: %w", mapError(err))
	}
	return entry, nil
}

func appendEntry(ctx context.Context, q querier, entry *generic.LedgerEntry) error {
	ids := entry.InstanceIDs
	if ids == nil {
		ids = []generic.InstanceID{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode instance ids: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(user_id, idempotency_key, event_type, points_delta, experience_delta, instance_ids,
		 description, tag, created_by, created_by_type, created_at, balance_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.UserID,
		entry.IdempotencyKey,
		entry.EventType,
		entry.PointsDelta,
		entry.ExperienceDelta,
		string(idsJSON),
		entry.Description,
		entry.Tag,
		entry.CreatedBy,
		entry.CreatedByType,
		FormatTime(entry.CreatedAt),
		entry.BalanceAfter,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append entry: %w", mapError(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read entry id: %w", err)
	}
	entry.ID = generic.EntryID(id)

	_, err = q.ExecContext(ctx, `
		INSERT INTO idempotency_records (user_id, idempotency_key, entry_id, created_at)
		VALUES (?, ?, ?, ?)
	`, entry.UserID, entry.IdempotencyKey, id, FormatTime(entry.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to write idempotency record: %w", mapError(err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*generic.LedgerEntry, error) {
	var (
		e         generic.LedgerEntry
		idsJSON   string
		createdAt string
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.IdempotencyKey, &e.EventType, &e.PointsDelta, &e.ExperienceDelta,
		&idsJSON, &e.Description, &e.Tag, &e.CreatedBy, &e.CreatedByType, &createdAt, &e.BalanceAfter,
	)
	if err != nil {
		return nil, err
	}
	if idsJSON != "" && idsJSON != "[]" {
		if err := json.Unmarshal([]byte(idsJSON), &e.InstanceIDs); err != nil {
			return nil, fmt.Errorf("failed to decode instance ids for entry %d: %w", e.ID, err)
		}
	}
	e.CreatedAt = ParseTime(createdAt)
	return &e, nil
}

// ListEntries returns a user's entries in append order.
func (s *Store) ListEntries(ctx context.Context, userID generic.UserID) ([]generic.LedgerEntry, error) {
	return listEntries(ctx, s.db, userID)
}

// AuditWallet recomputes a wallet from its entries. Wallet and entries are
// read in one transaction so a concurrent issue cannot split them.
func (s *Store) AuditWallet(ctx context.Context, userID generic.UserID) (*generic.AuditResult, error) {
	var res generic.AuditResult
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		wallet, err := getWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		entries, err := listEntries(ctx, tx, userID)
		if err != nil {
			return err
		}
		res = generic.AuditWallet(*wallet, entries)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		zap.L().Error("wallet audit failed", zap.String("user_id", string(userID)), zap.Stringer("result", res))
	}
	return &res, nil
}

func listEntries(ctx context.Context, q querier, userID generic.UserID) ([]generic.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", mapError(err))
	}
	defer rows.Close()

	var entries []generic.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// =============================================================================
// WALLETS
// =============================================================================

func lockWallet(ctx context.Context, q querier, userID generic.UserID, now time.Time) (generic.Wallet, error) {
	// Inside a BEGIN IMMEDIATE transaction this write lock is already held;
	// the insert only materializes a missing wallet.
	_, err := q.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, experience, version, updated_at)
		VALUES (?, 0, 0, 0, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, FormatTime(now))
	if err != nil {
		return generic.Wallet{}, fmt.Errorf("failed to create wallet: %w", mapError(err))
	}

	w, err := getWallet(ctx, q, userID)
	if err != nil {
		return generic.Wallet{}, err
	}
	return *w, nil
}

func saveWallet(ctx context.Context, q querier, w generic.Wallet, expectedVersion int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE wallets
		SET balance = ?, experience = ?, version = ?, updated_at = ?
		WHERE user_id = ? AND version = ?
	`, w.Balance, w.Experience, w.Version, FormatTime(w.UpdatedAt), w.UserID, expectedVersion)
	if err != nil {
		if isCheckConstraintError(err) {
			return &generic.InsufficientFundsError{UserID: w.UserID, Balance: w.Balance}
		}
		return fmt.Errorf("failed to update wallet: %w", mapError(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("wallet %s version %d: %w", w.UserID, expectedVersion, generic.ErrContention)
	}
	return nil
}

func getWallet(ctx context.Context, q querier, userID generic.UserID) (*generic.Wallet, error) {
	var (
		w         generic.Wallet
		updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, balance, experience, version, updated_at
		FROM wallets WHERE user_id = ?
	`, userID).Scan(&w.UserID, &w.Balance, &w.Experience, &w.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "wallet", ID: string(userID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", mapError(err))
	}
	w.UpdatedAt = ParseTime(updatedAt)
	return &w, nil
}
