/*
issuer.go - Atomic, idempotent application of a RewardBundle to a wallet

PURPOSE:
  Issue is the single write path of the engine. Sign-in, game, pet and
  admin grants all end here with a RewardBundle, a user and an
  idempotency key.

PROTOCOL (one attempt, inside one storage transaction):
  1. started             look up (user, key); a hit returns the stored entry
  2. idempotency_checked lock (or lazily create) the wallet
  3. wallet_locked       reject if balance + net < 0, templates unknown,
                         inactive, or over cap
  4. balance_applied     write the new balance with a version check
  5. instances_minted    mint instances, expiry = now + validity days
  6. ledger_appended     append the entry and the idempotency record
  7. committed
  Any failure rolls the whole transaction back (aborted).

RETRIES:
  Contention (write lock not obtained, wallet version moved, idempotency
  index raced) restarts from step 1 with exponential backoff. After
  MaxRetries the caller gets a BusyError. Rejections are never retried.

IDEMPOTENCY:
  The key wins over the payload. A second call with the same key and a
  different bundle returns the first entry and changes nothing.

EXAMPLE:
  issuer := generic.NewIssuer(store, store)
  entry, err := issuer.Issue(ctx, "u-1", "signin:u-1:2025-03-10",
      bundle, generic.SystemActor())

SEE ALSO:
  - store.go: Storage contract used here
  - rewards/evaluate.go: Produces bundles from rules
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries = 5
	DefaultBackoff    = 10 * time.Millisecond
	DefaultTimeout    = 5 * time.Second
	maxBackoff        = 500 * time.Millisecond
)

// =============================================================================
// STAGES
// =============================================================================

type Stage int

const (
	StageStarted Stage = iota
	StageIdempotencyChecked
	StageWalletLocked
	StageBalanceApplied
	StageInstancesMinted
	StageLedgerAppended
	StageCommitted
	StageAborted
)

var stageNames = [...]string{
	"started",
	"idempotency_checked",
	"wallet_locked",
	"balance_applied",
	"instances_minted",
	"ledger_appended",
	"committed",
	"aborted",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// =============================================================================
// OPTIONS & RESULT
// =============================================================================

type issueOptions struct {
	suppressNoop bool
}

type IssueOption func(*issueOptions)

// SuppressNoop skips writing an entry for a bundle that changes nothing.
// A prior entry under the same key is still replayed.
func SuppressNoop() IssueOption {
	return func(o *issueOptions) { o.suppressNoop = true }
}

// SuppressNoopIf applies SuppressNoop when enabled is true.
func SuppressNoopIf(enabled bool) IssueOption {
	return func(o *issueOptions) { o.suppressNoop = o.suppressNoop || enabled }
}

type IssueResult struct {
	Entry      *LedgerEntry // nil when Suppressed
	Replayed   bool
	Suppressed bool
	Attempts   int
	Stage      Stage

	reached Stage // last stage reached before an abort
}

// =============================================================================
// ISSUER
// =============================================================================

type Issuer struct {
	Store      TxStore
	Users      UserDirectory // nil disables the existence check
	Clock      Clock
	NewID      func() InstanceID
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration // per attempt, including the wait for the write lock
}

func NewIssuer(store TxStore, users UserDirectory) *Issuer {
	return &Issuer{
		Store:      store,
		Users:      users,
		Clock:      SystemClock{},
		NewID:      func() InstanceID { return InstanceID(uuid.NewString()) },
		MaxRetries: DefaultMaxRetries,
		Backoff:    DefaultBackoff,
		Timeout:    DefaultTimeout,
	}
}

// Issue applies bundle to the user's wallet and returns the committed entry.
// With SuppressNoop, a no-op bundle returns (nil, nil).
func (i *Issuer) Issue(ctx context.Context, userID UserID, key IdempotencyKey, bundle RewardBundle, actor Actor, opts ...IssueOption) (*LedgerEntry, error) {
	res, err := i.IssueDetailed(ctx, userID, key, bundle, actor, opts...)
	if err != nil {
		return nil, err
	}
	return res.Entry, nil
}

// IssueDetailed is Issue with replay and attempt information.
func (i *Issuer) IssueDetailed(ctx context.Context, userID UserID, key IdempotencyKey, bundle RewardBundle, actor Actor, opts ...IssueOption) (*IssueResult, error) {
	var o issueOptions
	for _, opt := range opts {
		opt(&o)
	}

	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "is required"}
	}
	if key == "" {
		return nil, &ValidationError{Field: "idempotency_key", Message: "is required"}
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	if i.Users != nil {
		ok, err := i.Users.UserExists(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("check user %s: %w", userID, err)
		}
		if !ok {
			return nil, &NotFoundError{Kind: "user", ID: string(userID)}
		}
	}

	log := zap.L().With(
		zap.String("user_id", string(userID)),
		zap.String("idempotency_key", string(key)),
		zap.String("event_type", string(bundle.EventType)),
	)

	backoff := i.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	maxRetries := i.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		res, err := i.attempt(ctx, userID, key, bundle, actor, o)
		res.Attempts = attempt
		if err == nil {
			switch {
			case res.Replayed:
				log.Info("issuance replayed", zap.Int64("entry_id", int64(res.Entry.ID)))
			case res.Suppressed:
				log.Debug("no-op issuance suppressed")
			default:
				log.Info("issuance committed",
					zap.Int64("entry_id", int64(res.Entry.ID)),
					zap.Int64("points_delta", res.Entry.PointsDelta),
					zap.Int64("balance_after", res.Entry.BalanceAfter),
					zap.Int("attempt", attempt))
			}
			return res, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isContention(err) {
			log.Info("issuance aborted", zap.Stringer("stage", res.reached), zap.Error(err))
			return nil, err
		}

		lastErr = err
		if attempt > maxRetries {
			break
		}
		log.Warn("issuance contention, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	log.Warn("issuance gave up", zap.Int("attempts", maxRetries+1), zap.Error(lastErr))
	return nil, &BusyError{UserID: userID, Attempts: maxRetries + 1, Err: lastErr}
}

func isContention(err error) bool {
	return errors.Is(err, ErrContention) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, context.DeadlineExceeded)
}

// attempt runs steps 1-7 once. The returned result is never nil.
func (i *Issuer) attempt(ctx context.Context, userID UserID, key IdempotencyKey, bundle RewardBundle, actor Actor, o issueOptions) (*IssueResult, error) {
	res := &IssueResult{Stage: StageStarted}

	if i.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.Timeout)
		defer cancel()
	}

	err := i.Store.WithTx(ctx, func(s Store) error {
		existing, err := s.FindEntryByKey(ctx, userID, key)
		if err != nil {
			return err
		}
		if existing != nil {
			res.Entry = existing
			res.Replayed = true
			return nil
		}
		res.Stage = StageIdempotencyChecked

		if o.suppressNoop && bundle.IsNoop() {
			res.Suppressed = true
			return nil
		}

		now := i.now()
		wallet, err := s.LockWallet(ctx, userID, now)
		if err != nil {
			return err
		}
		res.Stage = StageWalletLocked

		net := bundle.NetPoints()
		if wallet.Balance+net < 0 {
			return &InsufficientFundsError{
				UserID:    userID,
				Balance:   wallet.Balance,
				Delta:     net,
				Shortfall: -(wallet.Balance + net),
			}
		}
		if wallet.Experience+bundle.Experience < 0 {
			return &ValidationError{Field: "experience", Message: "would drop below zero"}
		}

		templates, err := i.resolveTemplates(ctx, s, bundle.Instances, now)
		if err != nil {
			return err
		}

		expected := wallet.Version
		wallet.Balance += net
		wallet.Experience += bundle.Experience
		wallet.Version++
		wallet.UpdatedAt = now
		if err := s.SaveWallet(ctx, wallet, expected); err != nil {
			return err
		}
		res.Stage = StageBalanceApplied

		instanceIDs, err := i.mint(ctx, s, userID, bundle.Instances, templates, now)
		if err != nil {
			return err
		}
		res.Stage = StageInstancesMinted

		entry := &LedgerEntry{
			UserID:          userID,
			IdempotencyKey:  key,
			EventType:       bundle.EventType,
			PointsDelta:     net,
			ExperienceDelta: bundle.Experience,
			InstanceIDs:     instanceIDs,
			Description:     bundle.Description,
			Tag:             bundle.Tag,
			CreatedBy:       actor.CreatedBy,
			CreatedByType:   actor.CreatedByType,
			CreatedAt:       now,
			BalanceAfter:    wallet.Balance,
		}
		if err := s.AppendEntry(ctx, entry); err != nil {
			return err
		}
		res.Stage = StageLedgerAppended
		res.Entry = entry
		return nil
	})
	if err != nil {
		res.reached = res.Stage
		res.Stage = StageAborted
		res.Entry = nil
		res.Replayed = false
		res.Suppressed = false
		return res, err
	}
	if !res.Replayed && !res.Suppressed {
		res.Stage = StageCommitted
	}
	return res, nil
}

// resolveTemplates loads every referenced template and checks it can mint now.
func (i *Issuer) resolveTemplates(ctx context.Context, s Store, reqs []InstanceRequest, now time.Time) (map[TemplateID]*Template, error) {
	templates := make(map[TemplateID]*Template, len(reqs))
	requested := make(map[TemplateID]int64, len(reqs))
	for _, req := range reqs {
		tpl, ok := templates[req.TemplateID]
		if !ok {
			var err error
			tpl, err = s.LoadTemplate(ctx, req.TemplateID)
			if err != nil {
				return nil, err
			}
			templates[req.TemplateID] = tpl
		}
		if tpl.Kind != req.Kind {
			return nil, &ValidationError{
				Field:   "instances",
				Message: fmt.Sprintf("template %s is a %s, not a %s", tpl.ID, tpl.Kind, req.Kind),
			}
		}
		if !tpl.IssuableAt(now) {
			return nil, &ValidationError{
				Field:   "instances",
				Message: fmt.Sprintf("template %s is not issuable", tpl.ID),
			}
		}
		requested[req.TemplateID] += req.Quantity
		if tpl.MaxQuantity != nil && tpl.IssuedCount+requested[req.TemplateID] > *tpl.MaxQuantity {
			return nil, &CapExceededError{
				TemplateID:  tpl.ID,
				MaxQuantity: *tpl.MaxQuantity,
				IssuedCount: tpl.IssuedCount,
				Requested:   requested[req.TemplateID],
			}
		}
	}
	return templates, nil
}

func (i *Issuer) mint(ctx context.Context, s Store, userID UserID, reqs []InstanceRequest, templates map[TemplateID]*Template, now time.Time) ([]InstanceID, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	var (
		instances []Instance
		ids       []InstanceID
	)
	for _, req := range reqs {
		// The guarded counter update is authoritative; the pre-check above
		// only read a value that another transaction may have moved.
		if err := s.IncrementIssued(ctx, req.TemplateID, req.Quantity); err != nil {
			return nil, err
		}
		tpl := templates[req.TemplateID]
		for n := int64(0); n < req.Quantity; n++ {
			inst := Instance{
				ID:         i.newID(),
				UserID:     userID,
				TemplateID: tpl.ID,
				Kind:       tpl.Kind,
				CreatedAt:  now,
				ExpiresAt:  tpl.ExpiryFor(now),
			}
			instances = append(instances, inst)
			ids = append(ids, inst.ID)
		}
	}
	if err := s.InsertInstances(ctx, instances); err != nil {
		return nil, err
	}
	return ids, nil
}

func (i *Issuer) now() time.Time {
	if i.Clock == nil {
		return time.Now().UTC()
	}
	return i.Clock.Now().UTC()
}

func (i *Issuer) newID() InstanceID {
	if i.NewID == nil {
		return InstanceID(uuid.NewString())
	}
	return i.NewID()
}
