/*
handlers_test.go - HTTP tests for the reward API

Tests for:
- Status mapping (201 fresh / 200 replay / 4xx rejections / 503 busy)
- Sign-in, game and pet endpoints end to end over SQLite
- Rule editing with optimistic versions
- Admin grants, batch grants and redemption
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/generic"
	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/rules"
	"github.com/warp/reward-ledger/store/query"
	"github.com/warp/reward-ledger/store/sqlite"
)

var testNow = time.Date(2025, time.May, 7, 10, 0, 0, 0, time.UTC)

type testServer struct {
	store  *sqlite.Store
	router http.Handler
	clock  *generic.FixedClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return newTestServerOn(t, store)
}

// newTestServerOn seeds templates and rules into store and serves it.
func newTestServerOn(t *testing.T, store *sqlite.Store) *testServer {
	t.Helper()
	reader, err := query.New(store.ReadDB())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.SaveTemplate(ctx, generic.Template{
		ID: "weekly", Kind: generic.KindCoupon, Name: "Weekly", ValidityDays: 7, Active: true,
	}))
	require.NoError(t, store.SaveTemplate(ctx, generic.Template{
		ID: "launch", Kind: generic.KindVoucher, Name: "Launch", ValidityDays: 30, Active: true, MaxQuantity: int64Ptr(1),
	}))

	signIn := rules.RuleSet{Category: rules.CategorySignIn}
	for day, points := range []int64{5, 10, 15, 20, 25, 30, 50} {
		rec := rules.Record{Category: rules.CategorySignIn, Key: rules.SignInKey(day + 1), Points: points, Active: true}
		if day == 6 {
			rec.CouponTemplateID = "weekly"
		}
		signIn.Records = append(signIn.Records, rec)
	}
	_, err = store.Upsert(ctx, signIn)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, rules.RuleSet{Category: rules.CategoryPet, Records: []rules.Record{
		{Category: rules.CategoryPet, Key: "feed", Points: 5, Cost: 20, Active: true},
	}})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, rules.RuleSet{Category: rules.CategoryGame, Records: []rules.Record{
		{Category: rules.CategoryGame, Key: "win:1", Points: 12, Experience: 2, Active: true},
	}})
	require.NoError(t, err)

	clock := generic.NewFixedClock(testNow)
	issuer := generic.NewIssuer(store, store)
	issuer.Clock = clock
	issuer.Backoff = time.Millisecond

	h := NewHandler(store, reader, rewards.NewService(store, issuer))
	h.Clock = clock
	return &testServer{store: store, router: NewRouter(h, nil), clock: clock}
}

func int64Ptr(n int64) *int64 { return &n }

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) createUser(t *testing.T, id string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/users", CreateUserRequest{ID: id, DisplayName: id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (ts *testServer) wallet(t *testing.T, id string) WalletDTO {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/users/"+id+"/wallet", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[WalletDTO](t, rec)
}

// =============================================================================
// USERS
// =============================================================================

func TestCreateUser_ProvisionsWallet(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/users", CreateUserRequest{ID: "u1", DisplayName: "One"})
	require.Equal(t, http.StatusCreated, rec.Code)
	w := decode[WalletDTO](t, rec)
	assert.Equal(t, "u1", w.UserID)
	assert.Zero(t, w.Balance)

	// Provisioning again is harmless
	rec = ts.do(t, http.MethodPost, "/api/users", CreateUserRequest{ID: "u1"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/users", CreateUserRequest{ID: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWallet_UnknownUser(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/users/ghost/wallet", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestGetWallet_UserWithoutWallet(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.SaveUser(context.Background(), sqlite.User{ID: "u1"}))

	w := ts.wallet(t, "u1")
	assert.Zero(t, w.Version)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestSignIn_Day7ThenReplay(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "u1")

	// GIVEN: a 7-day streak reported for today
	rec := ts.do(t, http.MethodPost, "/api/users/u1/signin", SignInRequest{ConsecutiveDays: 7})

	// THEN: 201 with exactly the day-7 reward and one coupon
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[RewardResponse](t, rec)
	require.NotNil(t, resp.Entry)
	assert.Equal(t, int64(50), resp.Entry.PointsDelta)
	assert.Len(t, resp.Entry.InstanceIDs, 1)
	assert.Equal(t, "rule:7", resp.Bundle.Tag)

	// WHEN: the same day is reported again
	rec = ts.do(t, http.MethodPost, "/api/users/u1/signin", SignInRequest{ConsecutiveDays: 7, Date: "2025-05-07"})

	// THEN: 200 replay, balance unchanged
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[RewardResponse](t, rec).Replayed)
	assert.Equal(t, int64(50), ts.wallet(t, "u1").Balance)
}

func TestSignIn_BadDate(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "u1")

	rec := ts.do(t, http.MethodPost, "/api/users/u1/signin", SignInRequest{ConsecutiveDays: 1, Date: "07/05/2025"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignIn_UnknownUser(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/users/ghost/signin", SignInRequest{ConsecutiveDays: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignIn_ConcurrentSameDay(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "u1")

	var wg sync.WaitGroup
	codes := make([]int, 10)
	for n := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[n] = ts.do(t, http.MethodPost, "/api/users/u1/signin", SignInRequest{ConsecutiveDays: 3}).Code
		}()
	}
	wg.Wait()

	created := 0
	for _, c := range codes {
		assert.Contains(t, []int{http.StatusCreated, http.StatusOK}, c)
		if c == http.StatusCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, int64(15), ts.wallet(t, "u1").Balance)
}

func TestGame_AbortRecordsZeroEntry(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "u1")

	rec := ts.do(t, http.MethodPost, "/api/users/u1/games", GameRequest{SessionID: "s1", Result: "abort", Difficulty: 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[RewardResponse](t, rec)
	assert.Equal(t, rewards.TagAborted, resp.Entry.Tag)
	assert.Zero(t, resp.Entry.PointsDelta)

	rec = ts.do(t, http.MethodPost, "/api/users/u1/games", GameRequest{SessionID: "s2", Result: "win", Difficulty: 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(12), ts.wallet(t, "u1").Balance)
}

func TestPet_InsufficientFunds(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "u1")

	rec := ts.do(t, http.MethodPost, "/api/admin/grants",
		GrantRequest{UserID: "u1", IdempotencyKey: "seed", Points: 10}, actorHeader, "ops")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/users/u1/pets", PetRequest{InteractionID: "i1", Interaction: "feed"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_funds", errResp.Code)
	assert.Equal(t, int64(10), ts.wallet(t, "u1").Balance)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestQueryEntriesAndSummary(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "u1")

	ts.do(t, http.MethodPost, "/api/users/u1/signin", SignInRequest{ConsecutiveDays: 1})
	ts.clock.Advance(24 * time.Hour)
	ts.do(t, http.MethodPost, "/api/users/u1/signin", SignInRequest{ConsecutiveDays: 2})
	ts.do(t, http.MethodPost, "/api/admin/grants", GrantRequest{UserID: "u1", IdempotencyKey: "g1", Points: 100}, actorHeader, "ops")

	rec := ts.do(t, http.MethodGet, "/api/entries?user_id=u1&event_type=sign_in&page_size=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[EntryPageDTO](t, rec)
	assert.Equal(t, int64(2), page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, int64(10), page.Entries[0].PointsDelta)

	rec = ts.do(t, http.MethodGet, "/api/entries?created_by=ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[EntryPageDTO](t, rec).Total)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[SummaryDTO](t, rec)
	assert.Equal(t, int64(115), summary.NetPoints)
	assert.Equal(t, int64(15), summary.ByEventType["sign_in"])

	rec = ts.do(t, http.MethodGet, "/api/users/u1/summary?from=2025-05-07&to=2025-05-08", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), decode[SummaryDTO](t, rec).NetPoints)
}

func TestQueryEntries_BadParams(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/api/entries?event_type=quest",
		"/api/entries?page=-1",
		"/api/entries?from=yesterday",
		"/api/entries?from=2025-05-08&to=2025-05-01",
	} {
		rec := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

// =============================================================================
// RULES
// =============================================================================

func TestRules_GetAndPut(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/rules/pet", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	set := decode[RuleSetDTO](t, rec)
	assert.Equal(t, int64(1), set.Version)
	require.Len(t, set.Rules, 1)

	put := PutRulesRequest{Version: set.Version, Rules: []RuleDTO{
		{Key: "feed", Points: 6, Cost: 10, Active: true},
		{Key: "bathe", Points: 3, Active: false},
	}}
	rec = ts.do(t, http.MethodPut, "/api/rules/pet", put)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[RuleSetDTO](t, rec)
	assert.Equal(t, int64(2), updated.Version)
	assert.Len(t, updated.Rules, 2)

	// Stale writer
	rec = ts.do(t, http.MethodPut, "/api/rules/pet", put)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "concurrent_modification", decode[ErrorResponse](t, rec).Code)

	// Active view hides bathe; ?all=true shows it
	rec = ts.do(t, http.MethodGet, "/api/rules/pet", nil)
	assert.Len(t, decode[RuleSetDTO](t, rec).Rules, 1)
	rec = ts.do(t, http.MethodGet, "/api/rules/pet?all=true", nil)
	assert.Len(t, decode[RuleSetDTO](t, rec).Rules, 2)
}

func TestRules_Invalid(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/rules/quest", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/rules/game", PutRulesRequest{Version: 1, Rules: []RuleDTO{{Key: "win:1", Points: -5, Active: true}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTemplates(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	templates := decode[[]TemplateDTO](t, rec)
	require.Len(t, templates, 2)
}

// =============================================================================
// ADMIN & INSTANCES
// =============================================================================

func TestGrant_RequiresActor(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "u1")

	rec := ts.do(t, http.MethodPost, "/api/admin/grants", GrantRequest{UserID: "u1", IdempotencyKey: "g", Points: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGrant_CapExceeded(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "u1")
	ts.createUser(t, "u2")
	voucher := []InstanceRequestDTO{{Kind: "voucher", TemplateID: "launch", Quantity: 1}}

	rec := ts.do(t, http.MethodPost, "/api/admin/grants", GrantRequest{UserID: "u1", IdempotencyKey: "v", Instances: voucher}, actorHeader, "ops")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/admin/grants", GrantRequest{UserID: "u2", IdempotencyKey: "v", Instances: voucher}, actorHeader, "ops")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "cap_exceeded", decode[ErrorResponse](t, rec).Code)
}

func TestBatchGrant(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "u1")
	ts.createUser(t, "u2")

	req := BatchGrantRequest{UserIDs: []string{"u1", "ghost", "u2"}, KeyPrefix: "spring", Points: 30}
	rec := ts.do(t, http.MethodPost, "/api/admin/grants/batch", req, actorHeader, "ops")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BatchGrantResponse](t, rec)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, http.StatusNotFound, resp.Results[1].Status)
	assert.Equal(t, http.StatusCreated, resp.Results[0].Status)

	rec = ts.do(t, http.MethodPost, "/api/admin/grants/batch", req, actorHeader, "ops")
	resp = decode[BatchGrantResponse](t, rec)
	assert.Equal(t, http.StatusOK, resp.Results[0].Status)
	assert.True(t, resp.Results[2].Replayed)
	assert.Equal(t, int64(30), ts.wallet(t, "u2").Balance)
}

func TestRedeemInstance(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "u1")

	rec := ts.do(t, http.MethodPost, "/api/users/u1/signin", SignInRequest{ConsecutiveDays: 7})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[RewardResponse](t, rec).Entry.InstanceIDs[0]

	rec = ts.do(t, http.MethodPost, "/api/instances/"+id+"/redeem", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[InstanceDTO](t, rec).Used)

	rec = ts.do(t, http.MethodPost, "/api/instances/"+id+"/redeem", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/instances/nope/redeem", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor_Busy(t *testing.T) {
	status, code := statusFor(&generic.BusyError{UserID: "u1", Attempts: 6, Err: generic.ErrContention})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "busy", code)

	rec := httptest.NewRecorder()
	writeDomainError(rec, httptest.NewRequest(http.MethodGet, "/", nil), &generic.BusyError{UserID: "u1"})
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestStatusFor_Contention(t *testing.T) {
	status, code := statusFor(fmt.Errorf("load rules snapshot: %w", generic.ErrContention))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "busy", code)
}

func TestSignIn_WriteLockHeldElsewhere(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewards.db")
	store, err := sqlite.NewWithOptions(path, sqlite.Options{BusyTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ts := newTestServerOn(t, store)
	ts.createUser(t, "u1")

	holder, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { holder.Close() })

	// GIVEN: another process holds the write lock
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

	// WHEN: a sign-in arrives; rules still load, the write cannot
	rec := ts.do(t, http.MethodPost, "/api/users/u1/signin", SignInRequest{ConsecutiveDays: 1})
	ruleRec := ts.do(t, http.MethodGet, "/api/rules/sign_in", nil)
	close(release)
	require.NoError(t, <-done)

	// THEN: a retryable 503, and reads were never blocked
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, "busy", decode[ErrorResponse](t, rec).Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, ruleRec.Code, ruleRec.Body.String())

	// WHEN: the lock is gone, the same call goes through
	rec = ts.do(t, http.MethodPost, "/api/users/u1/signin", SignInRequest{ConsecutiveDays: 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(5), ts.wallet(t, "u1").Balance)
}

func TestAuditWallet(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "u1")
	ts.do(t, http.MethodPost, "/api/users/u1/signin", SignInRequest{ConsecutiveDays: 2})

	rec := ts.do(t, http.MethodGet, "/api/users/u1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	audit := decode[AuditDTO](t, rec)
	assert.True(t, audit.OK)
	assert.Equal(t, int64(10), audit.LedgerBalance)
	assert.Equal(t, 1, audit.EntryCount)
}
