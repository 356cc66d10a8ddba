/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.TxStore, generic.UserDirectory, generic.InstanceStore
  and rules.Store on one database. In production the same patterns apply to
  PostgreSQL with minor dialect differences (SELECT ... FOR UPDATE instead
  of BEGIN IMMEDIATE).

KEY TABLES:
  users:                 Known reward recipients
  wallets:               Current balance per user (CHECK balance >= 0, version)
  ledger_entries:        Immutable audit log, UNIQUE(user_id, idempotency_key)
  idempotency_records:   (user_id, key) -> entry id
  reward_templates:      Coupon/voucher definitions with issued counters
  reward_instances:      Minted coupons/vouchers
  rules:                 Reward tables per category
  rule_versions:         Optimistic version counter per category

APPEND-ONLY ENFORCEMENT:
  ledger_entries and idempotency_records are only ever INSERTed.

CONCURRENCY:
  The write pool is opened with _txlock=immediate, so every write
  transaction takes the database write lock at BEGIN. Two issuances for the same wallet are
  therefore serialized by SQLite itself. _busy_timeout makes a blocked BEGIN
  wait before reporting SQLITE_BUSY, which is mapped to
  generic.ErrContention for the issuer's retry loop. Wallet writes also
  carry a version check.
  Pure reads (rule snapshots, audits, the gorm query layer) go through a
  second pool opened with _txlock=deferred and never take the write lock.
  In-memory databases use one pool since each connection would be a
  separate database.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

TIME STORAGE:
  Timestamps are TEXT in a fixed-width UTC layout, so string comparison
  matches chronological order.

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a versioned
  migration tool.

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/query: Read-side queries over the same *sql.DB
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/reward-ledger/generic"
)

// TimeLayout is the fixed-width UTC layout used for every TEXT timestamp.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

const DefaultBusyTimeout = 5 * time.Second

type Options struct {
	BusyTimeout  time.Duration
	MaxOpenConns int // 0 keeps the database/sql default
}

// Store implements all storage interfaces using SQLite. db carries
// _txlock=immediate for writers; rdb opens deferred transactions so reads
// never wait for the write lock.
type Store struct {
	db  *sql.DB
	rdb *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return NewWithOptions(dbPath, Options{})
}

func NewWithOptions(dbPath string, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}

	db, err := sql.Open("sqlite3", dsn(dbPath, "immediate", opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch {
	case isMemoryPath(dbPath):
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	case opts.MaxOpenConns > 0:
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	store := &Store{db: db, rdb: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// A private in-memory database only exists on its single connection.
	if !isMemoryPath(dbPath) {
		rdb, err := sql.Open("sqlite3", dsn(dbPath, "deferred", opts.BusyTimeout))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open read pool: %w", err)
		}
		if opts.MaxOpenConns > 0 {
			rdb.SetMaxOpenConns(opts.MaxOpenConns)
		}
		store.rdb = rdb
	}

	return store, nil
}

func dsn(dbPath, txlock string, busyTimeout time.Duration) string {
	return fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=%s&_busy_timeout=%d",
		dbPath, txlock, busyTimeout.Milliseconds())
}

// Close closes both connection pools.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.rdb != s.db {
		err = errors.Join(err, s.rdb.Close())
	}
	return err
}

// DB exposes the write pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ReadDB exposes the deferred-transaction pool for read-side projections.
func (s *Store) ReadDB() *sql.DB {
	return s.rdb
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY REFERENCES users(id),
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		experience INTEGER NOT NULL DEFAULT 0 CHECK (experience >= 0),
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES users(id),
		idempotency_key TEXT NOT NULL,
		event_type TEXT NOT NULL,
		points_delta INTEGER NOT NULL,
		experience_delta INTEGER NOT NULL DEFAULT 0,
		instance_ids TEXT NOT NULL DEFAULT '[]',
		description TEXT NOT NULL DEFAULT '',
		tag TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_by_type TEXT NOT NULL,
		created_at TEXT NOT NULL,
		balance_after INTEGER NOT NULL,
		UNIQUE(user_id, idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_user_created
		ON ledger_entries(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_event_type
		ON ledger_entries(event_type);
	CREATE INDEX IF NOT EXISTS idx_ledger_created_by
		ON ledger_entries(created_by);

	CREATE TABLE IF NOT EXISTS idempotency_records (
		user_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		entry_id INTEGER NOT NULL REFERENCES ledger_entries(id),
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, idempotency_key)
	);

	CREATE TABLE IF NOT EXISTS reward_templates (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('coupon', 'voucher')),
		name TEXT NOT NULL,
		validity_days INTEGER NOT NULL CHECK (validity_days > 0),
		valid_from TEXT,
		valid_until TEXT,
		face_value TEXT NOT NULL DEFAULT '0',
		discount_percent TEXT NOT NULL DEFAULT '0',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		max_quantity INTEGER,
		issued_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		CHECK (max_quantity IS NULL OR issued_count <= max_quantity)
	);

	CREATE TABLE IF NOT EXISTS reward_instances (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		template_id TEXT NOT NULL REFERENCES reward_templates(id),
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		used_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_instances_user
		ON reward_instances(user_id);

	CREATE TABLE IF NOT EXISTS rules (
		category TEXT NOT NULL,
		rule_key TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0,
		experience INTEGER NOT NULL DEFAULT 0,
		cost INTEGER NOT NULL DEFAULT 0,
		coupon_template_id TEXT,
		voucher_template_id TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (category, rule_key)
	);

	CREATE TABLE IF NOT EXISTS rule_versions (
		category TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{q: tx})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return runTx(ctx, s.db, fn)
}

// inReadTx runs fn in a deferred transaction on the read pool. Under WAL it
// sees one committed snapshot and does not block on, or block, writers.
func (s *Store) inReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return runTx(ctx, s.rdb, fn)
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// mapError turns lock failures into generic.ErrContention.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		zap.L().Debug("sqlite contention", zap.Error(err))
		return fmt.Errorf("%w: %v", generic.ErrContention, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isCheckConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintCheck
	}
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

// =============================================================================
// HELPERS
// =============================================================================

// FormatTime renders t in TimeLayout. String order of the result is time
// order, which range filters on the read side rely on.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a stored timestamp, falling back to RFC 3339.
func ParseTime(s string) time.Time {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := ParseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
