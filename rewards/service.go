package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/reward-ledger/generic"
	"github.com/warp/reward-ledger/rules"
)

const defaultGrantConcurrency = 8

// Service evaluates events against the current rules and issues the result.
type Service struct {
	Rules  rules.Store
	Issuer *generic.Issuer

	// SuppressNoop drops zero bundles instead of recording them.
	SuppressNoop bool

	// GrantConcurrency bounds parallel issuance in GrantMany.
	GrantConcurrency int
}

func NewService(ruleStore rules.Store, issuer *generic.Issuer) *Service {
	return &Service{Rules: ruleStore, Issuer: issuer, GrantConcurrency: defaultGrantConcurrency}
}

// Outcome is what one reward or grant produced.
type Outcome struct {
	Bundle     generic.RewardBundle
	Entry      *generic.LedgerEntry // nil when Suppressed
	Replayed   bool
	Suppressed bool
}

// Reward evaluates event with a snapshot taken now and issues the bundle as
// the system actor. A replayed key returns the original entry; the bundle in
// the outcome is still the freshly evaluated one.
func (s *Service) Reward(ctx context.Context, userID generic.UserID, key generic.IdempotencyKey, event Event) (*Outcome, error) {
	snap, err := s.Rules.Snapshot(ctx)
	if errors.Is(err, generic.ErrContention) {
		return nil, &generic.BusyError{UserID: userID, Attempts: 1, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("load rules snapshot: %w", err)
	}

	bundle := Evaluate(event, snap)
	zap.L().Debug("event evaluated",
		zap.String("user_id", string(userID)),
		zap.String("event_type", string(event.Type)),
		zap.String("tag", bundle.Tag),
		zap.Int64("net_points", bundle.NetPoints()))

	return s.issue(ctx, userID, key, bundle, generic.SystemActor())
}

func (s *Service) SignIn(ctx context.Context, userID generic.UserID, day time.Time, consecutiveDays int) (*Outcome, error) {
	return s.Reward(ctx, userID, SignInKey(userID, day), SignIn(consecutiveDays))
}

func (s *Service) GameFinished(ctx context.Context, userID generic.UserID, sessionID string, result GameResult, difficulty int) (*Outcome, error) {
	if sessionID == "" {
		return nil, &generic.ValidationError{Field: "session_id", Message: "is required"}
	}
	return s.Reward(ctx, userID, GameKey(userID, sessionID), Game(result, difficulty))
}

func (s *Service) PetInteraction(ctx context.Context, userID generic.UserID, interactionID, interaction string) (*Outcome, error) {
	if interactionID == "" {
		return nil, &generic.ValidationError{Field: "interaction_id", Message: "is required"}
	}
	return s.Reward(ctx, userID, PetKey(userID, interactionID), Pet(interaction))
}

// Grant issues a bundle built directly by an administrator.
func (s *Service) Grant(ctx context.Context, userID generic.UserID, key generic.IdempotencyKey, bundle generic.RewardBundle, actor generic.Actor) (*Outcome, error) {
	if bundle.EventType == "" {
		bundle.EventType = generic.EventAdminGrant
	}
	return s.issue(ctx, userID, key, bundle, actor)
}

func (s *Service) issue(ctx context.Context, userID generic.UserID, key generic.IdempotencyKey, bundle generic.RewardBundle, actor generic.Actor) (*Outcome, error) {
	res, err := s.Issuer.IssueDetailed(ctx, userID, key, bundle, actor, generic.SuppressNoopIf(s.SuppressNoop))
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Bundle:     bundle,
		Entry:      res.Entry,
		Replayed:   res.Replayed,
		Suppressed: res.Suppressed,
	}, nil
}

// =============================================================================
// BATCH GRANTS
// =============================================================================

type GrantResult struct {
	UserID  generic.UserID
	Outcome *Outcome
	Err     error
}

// GrantMany issues the same bundle to every user in parallel. Each user gets
// the key "<keyPrefix>:<user>", so re-running a batch is safe. One user's
// failure does not stop the others; results keep the input order.
func (s *Service) GrantMany(ctx context.Context, users []generic.UserID, keyPrefix string, bundle generic.RewardBundle, actor generic.Actor) ([]GrantResult, error) {
	if keyPrefix == "" {
		return nil, &generic.ValidationError{Field: "key_prefix", Message: "is required"}
	}

	limit := s.GrantConcurrency
	if limit <= 0 {
		limit = defaultGrantConcurrency
	}

	results := make([]GrantResult, len(users))
	var g errgroup.Group
	g.SetLimit(limit)
	for n, userID := range users {
		g.Go(func() error {
			out, err := s.Grant(ctx, userID, GrantKey(keyPrefix, userID), bundle, actor)
			results[n] = GrantResult{UserID: userID, Outcome: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	zap.L().Info("batch grant finished",
		zap.String("key_prefix", keyPrefix),
		zap.Int("users", len(users)),
		zap.Int("failed", failed))
	return results, nil
}
