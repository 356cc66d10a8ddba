/*
store.go - Persistence interfaces for wallets, templates and the ledger

PURPOSE:
  Defines the interface between the issuance logic and the database.
  The issuer only ever touches storage through a Store handed to it by
  TxStore.WithTx, so every write of one issuance lands in one transaction.

KEY INTERFACES:
  Store:         Operations the issuer performs inside a transaction
  TxStore:       Opens that transaction
  UserDirectory: Existence check for users (read before the transaction)
  InstanceStore: Instance lookups and redemption

APPEND-ONLY CONTRACT:
  ledger_entries has no Update or Delete. Wallet rows are the only rows the
  issuer updates, always with a version check.

CONTENTION:
  Implementations map "could not lock" and "version moved" conditions to
  ErrContention, and an idempotency unique-index violation to
  ErrDuplicateIdempotencyKey. The issuer retries both.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - issuer.go: The only writer
  - ledger.go: Read-side interface
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Operations used by one issuance attempt
// =============================================================================

type Store interface {
	// FindEntryByKey returns the entry committed under (user, key), or nil.
	FindEntryByKey(ctx context.Context, userID UserID, key IdempotencyKey) (*LedgerEntry, error)

	// LockWallet loads the wallet for update, creating an empty one if the
	// user has none yet.
	LockWallet(ctx context.Context, userID UserID, now time.Time) (Wallet, error)

	// SaveWallet writes w if the stored version still equals expectedVersion.
	// Returns ErrContention otherwise.
	SaveWallet(ctx context.Context, w Wallet, expectedVersion int64) error

	// LoadTemplate returns a NotFoundError if the template does not exist.
	LoadTemplate(ctx context.Context, id TemplateID) (*Template, error)

	// IncrementIssued adds n to the template's issued counter, failing with
	// CapExceededError if that would pass MaxQuantity.
	IncrementIssued(ctx context.Context, id TemplateID, n int64) error

	InsertInstances(ctx context.Context, instances []Instance) error

	// AppendEntry writes the entry and its idempotency record, setting entry.ID.
	AppendEntry(ctx context.Context, entry *LedgerEntry) error

	// GetWallet returns a NotFoundError if the user has no wallet.
	GetWallet(ctx context.Context, userID UserID) (*Wallet, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// USERS & INSTANCES
// =============================================================================

type UserDirectory interface {
	UserExists(ctx context.Context, userID UserID) (bool, error)
}

type InstanceStore interface {
	GetInstance(ctx context.Context, id InstanceID) (*Instance, error)
	ListInstances(ctx context.Context, userID UserID) ([]Instance, error)

	// RedeemInstance flips Used from false to true exactly once.
	RedeemInstance(ctx context.Context, id InstanceID, at time.Time) (*Instance, error)
}
