package rewards

import (
	"fmt"
	"strings"

	"github.com/warp/reward-ledger/generic"
	"github.com/warp/reward-ledger/rules"
)

// Evaluate computes the bundle an event earns under snap.
//
// It is pure and total: it never fails and never panics. Events that match
// nothing, match an inactive rule, or carry malformed context yield a zero
// bundle whose Tag says why.
func Evaluate(event Event, snap *rules.Snapshot) generic.RewardBundle {
	switch event.Type {
	case generic.EventSignIn:
		return evaluateSignIn(event, snap)
	case generic.EventGame:
		return evaluateGame(event, snap)
	case generic.EventPet:
		return evaluatePet(event, snap)
	default:
		return generic.ZeroBundle(event.Type, TagUnknownEvent)
	}
}

// Streaks past the longest configured day keep paying the last day's reward.
// There is no extrapolation and no accumulation of earlier days.
func evaluateSignIn(event Event, snap *rules.Snapshot) generic.RewardBundle {
	if event.ConsecutiveDays < 1 {
		return generic.ZeroBundle(event.Type, TagInvalidContext)
	}
	maxDay := snap.MaxSignInDay()
	if maxDay == 0 {
		return generic.ZeroBundle(event.Type, TagNoRulesConfigured)
	}
	day := min(event.ConsecutiveDays, maxDay)
	key := rules.SignInKey(day)
	return fromRule(event.Type, snap, rules.CategorySignIn, key, fmt.Sprintf("sign-in day %d", day))
}

func evaluateGame(event Event, snap *rules.Snapshot) generic.RewardBundle {
	result := GameResult(strings.ToLower(string(event.Result)))
	if result == ResultAbort {
		return generic.ZeroBundle(event.Type, TagAborted)
	}
	if !result.Valid() || event.Difficulty < 1 {
		return generic.ZeroBundle(event.Type, TagInvalidContext)
	}
	key := rules.GameKey(string(result), event.Difficulty)
	return fromRule(event.Type, snap, rules.CategoryGame, key,
		fmt.Sprintf("game %s at difficulty %d", result, event.Difficulty))
}

func evaluatePet(event Event, snap *rules.Snapshot) generic.RewardBundle {
	key := rules.PetKey(event.Interaction)
	if key == "" {
		return generic.ZeroBundle(event.Type, TagInvalidContext)
	}
	return fromRule(event.Type, snap, rules.CategoryPet, key, "pet "+key)
}

func fromRule(eventType generic.EventType, snap *rules.Snapshot, category rules.Category, key, description string) generic.RewardBundle {
	rec, ok := snap.Lookup(category, key)
	if !ok {
		return generic.ZeroBundle(eventType, TagNoRule)
	}
	if !rec.Active {
		return generic.ZeroBundle(eventType, TagInactiveRule)
	}

	bundle := generic.RewardBundle{
		EventType:   eventType,
		Points:      rec.Points,
		Experience:  rec.Experience,
		Cost:        rec.Cost,
		Description: description,
		Tag:         ruleTag(key),
	}
	if rec.CouponTemplateID != "" {
		bundle.Instances = append(bundle.Instances, generic.InstanceRequest{
			Kind: generic.KindCoupon, TemplateID: rec.CouponTemplateID, Quantity: 1,
		})
	}
	if rec.VoucherTemplateID != "" {
		bundle.Instances = append(bundle.Instances, generic.InstanceRequest{
			Kind: generic.KindVoucher, TemplateID: rec.VoucherTemplateID, Quantity: 1,
		})
	}
	return bundle
}
