// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/reward-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type entryKey struct {
	UserID generic.UserID
	Key    generic.IdempotencyKey
}

type Memory struct {
	mu          sync.RWMutex
	users       map[generic.UserID]bool
	wallets     map[generic.UserID]generic.Wallet
	templates   map[generic.TemplateID]generic.Template
	instances   map[generic.InstanceID]generic.Instance
	entries     []generic.LedgerEntry
	idempotency map[entryKey]int // index into entries
}

func NewMemory() *Memory {
	return &Memory{
		users:       make(map[generic.UserID]bool),
		wallets:     make(map[generic.UserID]generic.Wallet),
		templates:   make(map[generic.TemplateID]generic.Template),
		instances:   make(map[generic.InstanceID]generic.Instance),
		idempotency: make(map[entryKey]int),
	}
}

// AddUser registers a user so UserExists reports it.
func (m *Memory) AddUser(id generic.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = true
}

func (m *Memory) UserExists(_ context.Context, id generic.UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[id], nil
}

// SaveTemplate creates or replaces a template definition.
func (m *Memory) SaveTemplate(_ context.Context, t generic.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.templates[t.ID]; ok {
		t.IssuedCount = existing.IssuedCount
	}
	m.templates[t.ID] = t
	return nil
}

// Entries returns every committed entry in append order.
func (m *Memory) Entries() []generic.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.LedgerEntry(nil), m.entries...)
}

// =============================================================================
// generic.Store - non-transactional entry points take the lock themselves
// =============================================================================

func (m *Memory) FindEntryByKey(ctx context.Context, userID generic.UserID, key generic.IdempotencyKey) (*generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findEntryLocked(userID, key), nil
}

func (m *Memory) LockWallet(ctx context.Context, userID generic.UserID, now time.Time) (generic.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockWalletLocked(userID, now), nil
}

func (m *Memory) SaveWallet(ctx context.Context, w generic.Wallet, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveWalletLocked(w, expectedVersion)
}

func (m *Memory) LoadTemplate(ctx context.Context, id generic.TemplateID) (*generic.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadTemplateLocked(id)
}

func (m *Memory) IncrementIssued(ctx context.Context, id generic.TemplateID, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementIssuedLocked(id, n)
}

func (m *Memory) InsertInstances(ctx context.Context, instances []generic.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertInstancesLocked(instances)
	return nil
}

func (m *Memory) AppendEntry(ctx context.Context, entry *generic.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntryLocked(entry)
}

func (m *Memory) GetWallet(ctx context.Context, userID generic.UserID) (*generic.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWalletLocked(userID)
}

// =============================================================================
// generic.InstanceStore
// =============================================================================

func (m *Memory) GetInstance(_ context.Context, id generic.InstanceID) (*generic.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: "instance", ID: string(id)}
	}
	return &inst, nil
}

func (m *Memory) ListInstances(_ context.Context, userID generic.UserID) ([]generic.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []generic.Instance
	for _, inst := range m.instances {
		if inst.UserID == userID {
			result = append(result, inst)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) RedeemInstance(_ context.Context, id generic.InstanceID, at time.Time) (*generic.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: "instance", ID: string(id)}
	}
	if inst.Used {
		return nil, generic.ErrInstanceUsed
	}
	if inst.ExpiredAt(at) {
		return nil, generic.ErrInstanceExpired
	}
	usedAt := at.UTC()
	inst.Used = true
	inst.UsedAt = &usedAt
	m.instances[id] = inst
	return &inst, nil
}

// =============================================================================
// LOCKED HELPERS - caller holds m.mu
// =============================================================================

func (m *Memory) findEntryLocked(userID generic.UserID, key generic.IdempotencyKey) *generic.LedgerEntry {
	idx, ok := m.idempotency[entryKey{UserID: userID, Key: key}]
	if !ok {
		return nil
	}
	entry := m.entries[idx]
	entry.InstanceIDs = append([]generic.InstanceID(nil), entry.InstanceIDs...)
	return &entry
}

func (m *Memory) lockWalletLocked(userID generic.UserID, now time.Time) generic.Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		w = generic.Wallet{UserID: userID, UpdatedAt: now}
		m.wallets[userID] = w
	}
	return w
}

func (m *Memory) saveWalletLocked(w generic.Wallet, expectedVersion int64) error {
	if current, ok := m.wallets[w.UserID]; ok && current.Version != expectedVersion {
		return generic.ErrContention
	}
	m.wallets[w.UserID] = w
	return nil
}

func (m *Memory) loadTemplateLocked(id generic.TemplateID) (*generic.Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: "template", ID: string(id)}
	}
	return &t, nil
}

func (m *Memory) incrementIssuedLocked(id generic.TemplateID, n int64) error {
	t, ok := m.templates[id]
	if !ok {
		return &generic.NotFoundError{Kind: "template", ID: string(id)}
	}
	if t.MaxQuantity != nil && t.IssuedCount+n > *t.MaxQuantity {
		return &generic.CapExceededError{
			TemplateID:  id,
			MaxQuantity: *t.MaxQuantity,
			IssuedCount: t.IssuedCount,
			Requested:   n,
		}
	}
	t.IssuedCount += n
	m.templates[id] = t
	return nil
}

func (m *Memory) insertInstancesLocked(instances []generic.Instance) {
	for _, inst := range instances {
		m.instances[inst.ID] = inst
	}
}

func (m *Memory) appendEntryLocked(entry *generic.LedgerEntry) error {
	k := entryKey{UserID: entry.UserID, Key: entry.IdempotencyKey}
	if _, exists := m.idempotency[k]; exists {
		return generic.ErrDuplicateIdempotencyKey
	}
	entry.ID = generic.EntryID(len(m.entries) + 1)
	stored := *entry
	stored.InstanceIDs = append([]generic.InstanceID(nil), entry.InstanceIDs...)
	m.entries = append(m.entries, stored)
	m.idempotency[k] = len(m.entries) - 1
	return nil
}

func (m *Memory) getWalletLocked(userID generic.UserID) (*generic.Wallet, error) {
	w, ok := m.wallets[userID]
	if !ok {
		return nil, &generic.NotFoundError{Kind: "wallet", ID: string(userID)}
	}
	return &w, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store mutex is held for the whole of fn, so transactions are serial.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	wallets     map[generic.UserID]generic.Wallet
	templates   map[generic.TemplateID]generic.Template
	instances   map[generic.InstanceID]generic.Instance
	entries     []generic.LedgerEntry
	idempotency map[entryKey]int
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		wallets:     make(map[generic.UserID]generic.Wallet, len(tm.wallets)),
		templates:   make(map[generic.TemplateID]generic.Template, len(tm.templates)),
		instances:   make(map[generic.InstanceID]generic.Instance, len(tm.instances)),
		entries:     append([]generic.LedgerEntry(nil), tm.entries...),
		idempotency: make(map[entryKey]int, len(tm.idempotency)),
	}
	for k, v := range tm.wallets {
		s.wallets[k] = v
	}
	for k, v := range tm.templates {
		s.templates[k] = v
	}
	for k, v := range tm.instances {
		s.instances[k] = v
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.wallets = s.wallets
	tm.templates = s.templates
	tm.instances = s.instances
	tm.entries = s.entries
	tm.idempotency = s.idempotency
}

// txMemoryView runs inside WithTx, where the parent lock is already held.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) FindEntryByKey(_ context.Context, userID generic.UserID, key generic.IdempotencyKey) (*generic.LedgerEntry, error) {
	return tv.parent.findEntryLocked(userID, key), nil
}

func (tv *txMemoryView) LockWallet(_ context.Context, userID generic.UserID, now time.Time) (generic.Wallet, error) {
	return tv.parent.lockWalletLocked(userID, now), nil
}

func (tv *txMemoryView) SaveWallet(_ context.Context, w generic.Wallet, expectedVersion int64) error {
	return tv.parent.saveWalletLocked(w, expectedVersion)
}

func (tv *txMemoryView) LoadTemplate(_ context.Context, id generic.TemplateID) (*generic.Template, error) {
	return tv.parent.loadTemplateLocked(id)
}

func (tv *txMemoryView) IncrementIssued(_ context.Context, id generic.TemplateID, n int64) error {
	return tv.parent.incrementIssuedLocked(id, n)
}

func (tv *txMemoryView) InsertInstances(_ context.Context, instances []generic.Instance) error {
	tv.parent.insertInstancesLocked(instances)
	return nil
}

func (tv *txMemoryView) AppendEntry(_ context.Context, entry *generic.LedgerEntry) error {
	return tv.parent.appendEntryLocked(entry)
}

func (tv *txMemoryView) GetWallet(_ context.Context, userID generic.UserID) (*generic.Wallet, error) {
	return tv.parent.getWalletLocked(userID)
}
