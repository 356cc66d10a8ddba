package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/generic"
	"github.com/warp/reward-ledger/rules"
	"github.com/warp/reward-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newFileStore uses a real file so several connections contend for the lock.
func newFileStore(t *testing.T) (*sqlite.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rewards.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func newTestIssuer(store *sqlite.Store) *generic.Issuer {
	issuer := generic.NewIssuer(store, store)
	issuer.Clock = generic.NewFixedClock(testNow)
	issuer.Backoff = time.Millisecond
	return issuer
}

func addUsers(t *testing.T, store *sqlite.Store, ids ...generic.UserID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.SaveUser(context.Background(), sqlite.User{ID: id, DisplayName: string(id)}))
	}
}

func grant(n int64) generic.RewardBundle {
	return generic.RewardBundle{EventType: generic.EventAdminGrant, Points: n}
}

func int64Ptr(n int64) *int64 { return &n }

// =============================================================================
// ISSUANCE
// =============================================================================

func TestIssue_PersistsEntryAndWallet(t *testing.T) {
	store := newTestStore(t)
	addUsers(t, store, "u1")
	issuer := newTestIssuer(store)
	ctx := context.Background()

	entry, err := issuer.Issue(ctx, "u1", "k1",
		generic.RewardBundle{EventType: generic.EventSignIn, Points: 50, Experience: 5, Description: "day 7", Tag: "rule:7"},
		generic.SystemActor())
	require.NoError(t, err)
	assert.NotZero(t, entry.ID)

	w, err := store.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), w.Balance)
	assert.Equal(t, int64(5), w.Experience)
	assert.Equal(t, int64(1), w.Version)

	stored, err := store.FindEntryByKey(ctx, "u1", "k1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, entry.ID, stored.ID)
	assert.Equal(t, "rule:7", stored.Tag)
	assert.Equal(t, "day 7", stored.Description)
	assert.Equal(t, testNow, stored.CreatedAt)
	assert.Equal(t, int64(50), stored.BalanceAfter)
	assert.Equal(t, generic.ActorSystem, stored.CreatedByType)
}

func TestIssue_ReplayReturnsStoredEntry(t *testing.T) {
	store := newTestStore(t)
	addUsers(t, store, "u1")
	issuer := newTestIssuer(store)
	ctx := context.Background()

	first, err := issuer.Issue(ctx, "u1", "k1", grant(100), generic.AdminActor("ops"))
	require.NoError(t, err)

	res, err := issuer.IssueDetailed(ctx, "u1", "k1", grant(500), generic.AdminActor("ops"))
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, first.ID, res.Entry.ID)
	assert.Equal(t, int64(100), res.Entry.PointsDelta)

	entries, err := store.ListEntries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIssue_UnknownUser(t *testing.T) {
	store := newTestStore(t)
	issuer := newTestIssuer(store)

	_, err := issuer.Issue(context.Background(), "ghost", "k", grant(1), generic.SystemActor())
	assert.True(t, generic.IsNotFound(err))
}

func TestIssue_ConcurrentSameKey_CreditedOnce(t *testing.T) {
	// GIVEN: 20 goroutines issuing +100 under one key against a file database
	store, _ := newFileStore(t)
	addUsers(t, store, "u1")
	issuer := newTestIssuer(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 20)
	ids := make([]generic.EntryID, 20)
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e, err := issuer.Issue(ctx, "u1", "bonus-1", grant(100), generic.SystemActor())
			errs[n] = err
			if e != nil {
				ids[n] = e.ID
			}
		}(n)
	}
	wg.Wait()

	// THEN: all succeed with the same entry and the balance moved once
	for n := range errs {
		require.NoError(t, errs[n])
		assert.Equal(t, ids[0], ids[n])
	}
	w, err := store.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.Balance)

	entries, err := store.ListEntries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIssue_ConcurrentDistinctKeys_Conserved(t *testing.T) {
	store, _ := newFileStore(t)
	addUsers(t, store, "u1")
	issuer := newTestIssuer(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for n := 0; n < 10; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := issuer.Issue(ctx, "u1", generic.IdempotencyKey(fmt.Sprintf("k%d", n)), grant(int64(n+1)), generic.SystemActor())
			assert.NoError(t, err)
		}(n)
	}
	wg.Wait()

	entries, err := store.ListEntries(ctx, "u1")
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		sum += e.PointsDelta
	}
	w, err := store.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(55), w.Balance)
	assert.Equal(t, sum, w.Balance)
	assert.Equal(t, int64(10), w.Version)
}

func TestIssue_InsufficientFunds_NothingWritten(t *testing.T) {
	// GIVEN: balance 10
	store := newTestStore(t)
	addUsers(t, store, "u1")
	issuer := newTestIssuer(store)
	ctx := context.Background()
	_, err := issuer.Issue(ctx, "u1", "seed", grant(10), generic.SystemActor())
	require.NoError(t, err)

	// WHEN: a pet interaction costs 20 and rewards 5
	_, err = issuer.Issue(ctx, "u1", "pet:u1:1",
		generic.RewardBundle{EventType: generic.EventPet, Points: 5, Cost: 20}, generic.SystemActor())

	// THEN
	assert.ErrorIs(t, err, generic.ErrInsufficientFunds)
	w, _ := store.GetWallet(ctx, "u1")
	assert.Equal(t, int64(10), w.Balance)
	entries, _ := store.ListEntries(ctx, "u1")
	assert.Len(t, entries, 1)
	missing, err := store.FindEntryByKey(ctx, "u1", "pet:u1:1")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// TEMPLATES & INSTANCES
// =============================================================================

func saveCoupon(t *testing.T, store *sqlite.Store, id string, max *int64) {
	t.Helper()
	require.NoError(t, store.SaveTemplate(context.Background(), generic.Template{
		ID:              generic.TemplateID(id),
		Kind:            generic.KindCoupon,
		Name:            "10% off",
		ValidityDays:    7,
		DiscountPercent: decimal.NewFromInt(10),
		Active:          true,
		MaxQuantity:     max,
	}))
}

func TestTemplate_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	until := testNow.AddDate(0, 1, 0)
	require.NoError(t, store.SaveTemplate(ctx, generic.Template{
		ID:           "v1",
		Kind:         generic.KindVoucher,
		Name:         "$5 voucher",
		ValidityDays: 30,
		ValidUntil:   &until,
		FaceValue:    decimal.RequireFromString("5.50"),
		Active:       true,
		MaxQuantity:  int64Ptr(100),
	}))

	tpl, err := store.LoadTemplate(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, generic.KindVoucher, tpl.Kind)
	assert.True(t, tpl.FaceValue.Equal(decimal.RequireFromString("5.5")))
	require.NotNil(t, tpl.ValidUntil)
	assert.Equal(t, until, *tpl.ValidUntil)
	require.NotNil(t, tpl.MaxQuantity)
	assert.Equal(t, int64(100), *tpl.MaxQuantity)
	assert.Nil(t, tpl.ValidFrom)

	list, err := store.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestIssue_MintsInstances(t *testing.T) {
	store := newTestStore(t)
	addUsers(t, store, "u1")
	saveCoupon(t, store, "c1", nil)
	issuer := newTestIssuer(store)
	ctx := context.Background()

	entry, err := issuer.Issue(ctx, "u1", "k", generic.RewardBundle{
		EventType: generic.EventGame,
		Points:    30,
		Instances: []generic.InstanceRequest{{Kind: generic.KindCoupon, TemplateID: "c1", Quantity: 1}},
	}, generic.SystemActor())
	require.NoError(t, err)
	require.Len(t, entry.InstanceIDs, 1)

	inst, err := store.GetInstance(ctx, entry.InstanceIDs[0])
	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 0, 7), inst.ExpiresAt)
	assert.Equal(t, generic.KindCoupon, inst.Kind)

	stored, err := store.FindEntryByKey(ctx, "u1", "k")
	require.NoError(t, err)
	assert.Equal(t, entry.InstanceIDs, stored.InstanceIDs)

	tpl, _ := store.LoadTemplate(ctx, "c1")
	assert.Equal(t, int64(1), tpl.IssuedCount)
}

func TestIssue_ConcurrentCap_OneWinner(t *testing.T) {
	// GIVEN: a coupon with max quantity 1 and two users racing for it
	store, _ := newFileStore(t)
	addUsers(t, store, "u1", "u2")
	saveCoupon(t, store, "c1", int64Ptr(1))
	issuer := newTestIssuer(store)
	ctx := context.Background()

	bundle := generic.RewardBundle{
		EventType: generic.EventAdminGrant,
		Instances: []generic.InstanceRequest{{Kind: generic.KindCoupon, TemplateID: "c1", Quantity: 1}},
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for n, u := range []generic.UserID{"u1", "u2"} {
		wg.Add(1)
		go func(n int, u generic.UserID) {
			defer wg.Done()
			_, errs[n] = issuer.Issue(ctx, u, "promo", bundle, generic.SystemActor())
		}(n, u)
	}
	wg.Wait()

	// THEN: one success, one CapExceeded, counter never passes the cap
	var ok, capped int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, generic.ErrCapExceeded):
			capped++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, capped)

	tpl, err := store.LoadTemplate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tpl.IssuedCount)
}

func TestIssue_CapExceeded_RollsBackEverything(t *testing.T) {
	store := newTestStore(t)
	addUsers(t, store, "u1")
	saveCoupon(t, store, "c1", int64Ptr(1))
	issuer := newTestIssuer(store)
	ctx := context.Background()

	_, err := issuer.Issue(ctx, "u1", "k", generic.RewardBundle{
		EventType: generic.EventAdminGrant,
		Points:    25,
		Instances: []generic.InstanceRequest{{Kind: generic.KindCoupon, TemplateID: "c1", Quantity: 3}},
	}, generic.SystemActor())

	var capErr *generic.CapExceededError
	require.ErrorAs(t, err, &capErr)

	_, err = store.GetWallet(ctx, "u1")
	assert.True(t, generic.IsNotFound(err))
	instances, err := store.ListInstances(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestRedeemInstance(t *testing.T) {
	store := newTestStore(t)
	addUsers(t, store, "u1")
	saveCoupon(t, store, "c1", nil)
	issuer := newTestIssuer(store)
	ctx := context.Background()

	entry, err := issuer.Issue(ctx, "u1", "k", generic.RewardBundle{
		EventType: generic.EventAdminGrant,
		Instances: []generic.InstanceRequest{{Kind: generic.KindCoupon, TemplateID: "c1", Quantity: 2}},
	}, generic.SystemActor())
	require.NoError(t, err)
	first, second := entry.InstanceIDs[0], entry.InstanceIDs[1]

	inst, err := store.RedeemInstance(ctx, first, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, inst.Used)
	require.NotNil(t, inst.UsedAt)

	_, err = store.RedeemInstance(ctx, first, testNow.Add(2*time.Hour))
	assert.ErrorIs(t, err, generic.ErrInstanceUsed)

	_, err = store.RedeemInstance(ctx, second, testNow.AddDate(0, 0, 7))
	assert.ErrorIs(t, err, generic.ErrInstanceExpired)

	_, err = store.RedeemInstance(ctx, "missing", testNow)
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// USERS
// =============================================================================

func TestProvisionWallet_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	w, err := store.ProvisionWallet(ctx, sqlite.User{ID: "u1", DisplayName: "Ada"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)

	issuer := newTestIssuer(store)
	_, err = issuer.Issue(ctx, "u1", "k", grant(15), generic.SystemActor())
	require.NoError(t, err)

	w, err = store.ProvisionWallet(ctx, sqlite.User{ID: "u1"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(15), w.Balance)

	u, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.DisplayName)
}

// =============================================================================
// CONTENTION
// =============================================================================

func TestIssue_WriteLockHeld_Busy(t *testing.T) {
	// GIVEN: one connection holds the write lock on the database file
	holder, path := newFileStore(t)
	addUsers(t, holder, "u1")

	contender, err := sqlite.NewWithOptions(path, sqlite.Options{BusyTimeout: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { contender.Close() })

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- holder.WithTx(context.Background(), func(s generic.Store) error {
			if _, err := s.LockWallet(context.Background(), "u1", testNow); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	// WHEN: another store tries to issue
	issuer := newTestIssuer(contender)
	issuer.MaxRetries = 2
	_, err = issuer.Issue(context.Background(), "u1", "k", grant(5), generic.SystemActor())
	close(release)
	require.NoError(t, <-done)

	// THEN: retries are exhausted and the caller sees Busy
	var busy *generic.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, 3, busy.Attempts)
	assert.True(t, generic.IsRetryable(err))
}

// =============================================================================
// RULES
// =============================================================================

func signInRules(version int64, points ...int64) rules.RuleSet {
	set := rules.RuleSet{Category: rules.CategorySignIn, Version: version}
	for day, p := range points {
		set.Records = append(set.Records, rules.Record{
			Category: rules.CategorySignIn,
			Key:      rules.SignInKey(day + 1),
			Points:   p,
			Active:   true,
		})
	}
	return set
}

func TestRules_UpsertAndVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := store.Upsert(ctx, signInRules(0, 5, 10, 15))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	active, err := store.GetActiveRules(ctx, rules.CategorySignIn)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "1", active[0].Key)

	v, err = store.Upsert(ctx, signInRules(1, 5, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	active, err = store.GetActiveRules(ctx, rules.CategorySignIn)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	cv, err := store.CategoryVersion(ctx, rules.CategorySignIn)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cv)
}

func TestRules_StaleVersion_ConcurrentModification(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Upsert(ctx, signInRules(0, 5))
	require.NoError(t, err)

	// A second editor still holds version 0
	_, err = store.Upsert(ctx, signInRules(0, 99))

	var cm *generic.ConcurrentModificationError
	require.ErrorAs(t, err, &cm)
	assert.Equal(t, int64(0), cm.Expected)
	assert.Equal(t, int64(1), cm.Actual)

	active, _ := store.GetActiveRules(ctx, rules.CategorySignIn)
	require.Len(t, active, 1)
	assert.Equal(t, int64(5), active[0].Points)
}

func TestRules_InvalidBatch_NothingApplied(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Upsert(ctx, signInRules(0, 5, 10))
	require.NoError(t, err)

	bad := signInRules(1, 5, -10)
	_, err = store.Upsert(ctx, bad)
	assert.ErrorIs(t, err, generic.ErrValidation)

	active, _ := store.GetActiveRules(ctx, rules.CategorySignIn)
	assert.Equal(t, int64(10), active[1].Points)
	v, _ := store.CategoryVersion(ctx, rules.CategorySignIn)
	assert.Equal(t, int64(1), v)
}

func TestRules_UnknownTemplate_Rejected(t *testing.T) {
	store := newTestStore(t)

	set := rules.RuleSet{Category: rules.CategoryGame, Records: []rules.Record{{
		Category: rules.CategoryGame, Key: "win:1", Points: 10, CouponTemplateID: "nope", Active: true,
	}}}
	_, err := store.Upsert(context.Background(), set)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestRules_PreservesCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Upsert(ctx, signInRules(0, 5))
	require.NoError(t, err)
	before, _ := store.GetActiveRules(ctx, rules.CategorySignIn)

	_, err = store.Upsert(ctx, signInRules(1, 7))
	require.NoError(t, err)
	after, _ := store.GetActiveRules(ctx, rules.CategorySignIn)

	assert.Equal(t, before[0].CreatedAt, after[0].CreatedAt)
	assert.Equal(t, int64(7), after[0].Points)
}

func TestRules_SnapshotIncludesInactive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	set := rules.RuleSet{Category: rules.CategoryPet, Records: []rules.Record{
		{Category: rules.CategoryPet, Key: "feed", Points: 5, Cost: 20, Active: true},
		{Category: rules.CategoryPet, Key: "bathe", Points: 3, Active: false},
	}}
	_, err := store.Upsert(ctx, set)
	require.NoError(t, err)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	feed, ok := snap.Lookup(rules.CategoryPet, "feed")
	require.True(t, ok)
	assert.Equal(t, int64(20), feed.Cost)
	bathe, ok := snap.Lookup(rules.CategoryPet, "bathe")
	require.True(t, ok)
	assert.False(t, bathe.Active)
	assert.Equal(t, int64(1), snap.Version(rules.CategoryPet))

	active, _ := store.GetActiveRules(ctx, rules.CategoryPet)
	assert.Len(t, active, 1)
}

func TestRules_ActiveRuleSet_PairsVersionWithRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	set, err := store.ActiveRuleSet(ctx, rules.CategorySignIn)
	require.NoError(t, err)
	assert.Zero(t, set.Version)
	assert.Empty(t, set.Records)

	_, err = store.Upsert(ctx, signInRules(0, 5, 10))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, signInRules(1, 7, 14, 21))
	require.NoError(t, err)

	set, err = store.ActiveRuleSet(ctx, rules.CategorySignIn)
	require.NoError(t, err)
	assert.Equal(t, int64(2), set.Version)
	require.Len(t, set.Records, 3)
	assert.Equal(t, int64(7), set.Records[0].Points)

	// The version read back is accepted by the next edit
	set.Records = set.Records[:1]
	v, err := store.Upsert(ctx, set)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = store.ActiveRuleSet(ctx, rules.Category("bogus"))
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestReads_WriteLockHeld_NotBlocked(t *testing.T) {
	// GIVEN: one connection holds the write lock on the database file
	holder, path := newFileStore(t)
	addUsers(t, holder, "u1")
	ctx := context.Background()
	_, err := holder.Upsert(ctx, signInRules(0, 5, 10))
	require.NoError(t, err)
	_, err = newTestIssuer(holder).Issue(ctx, "u1", "k", grant(40), generic.SystemActor())
	require.NoError(t, err)

	reader, err := sqlite.NewWithOptions(path, sqlite.Options{BusyTimeout: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- holder.WithTx(ctx, func(s generic.Store) error {
			w, err := s.LockWallet(ctx, "u1", testNow)
			if err != nil {
				return err
			}
			prev := w.Version
			w.Version++
			w.Balance = 1000
			if err := s.SaveWallet(ctx, w, prev); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	// WHEN: another store reads rules and audits the wallet
	snap, snapErr := reader.Snapshot(ctx)
	set, setErr := reader.ActiveRuleSet(ctx, rules.CategorySignIn)
	audit, auditErr := reader.AuditWallet(ctx, "u1")
	close(release)
	require.NoError(t, <-done)

	// THEN: every read succeeds against the last committed state
	require.NoError(t, snapErr)
	assert.Equal(t, 2, snap.MaxSignInDay())
	require.NoError(t, setErr)
	assert.Equal(t, int64(1), set.Version)
	require.NoError(t, auditErr)
	assert.True(t, audit.OK, audit.String())
	assert.Equal(t, int64(40), audit.Wallet.Balance)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAuditWallet_MatchesLedger(t *testing.T) {
	store := newTestStore(t)
	addUsers(t, store, "u1")
	issuer := newTestIssuer(store)
	ctx := context.Background()

	for n, delta := range []int64{30, 20} {
		_, err := issuer.Issue(ctx, "u1", generic.IdempotencyKey(fmt.Sprintf("k%d", n)), grant(delta), generic.AdminActor("ops"))
		require.NoError(t, err)
	}
	_, err := issuer.Issue(ctx, "u1", "pet", generic.RewardBundle{EventType: generic.EventPet, Points: 5, Cost: 20, Experience: 2}, generic.SystemActor())
	require.NoError(t, err)

	res, err := store.AuditWallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.OK, res.String())
	assert.Equal(t, int64(35), res.Computed.Points)
	assert.Equal(t, int64(2), res.Computed.Experience)
	assert.Equal(t, 3, res.Computed.Entries)
}

func TestAuditWallet_DetectsTampering(t *testing.T) {
	store := newTestStore(t)
	addUsers(t, store, "u1")
	issuer := newTestIssuer(store)
	ctx := context.Background()

	_, err := issuer.Issue(ctx, "u1", "k", grant(30), generic.AdminActor("ops"))
	require.NoError(t, err)
	_, err = store.DB().ExecContext(ctx, "UPDATE wallets SET balance = 31 WHERE user_id = 'u1'")
	require.NoError(t, err)

	res, err := store.AuditWallet(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestAuditWallet_NoWallet(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AuditWallet(context.Background(), "ghost")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}
