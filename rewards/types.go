/*
Package rewards turns platform events into reward bundles and issues them.

PURPOSE:
  Sits between event sources (sign-in, mini-games, pet care, admin console)
  and the generic issuer. Evaluate reads a rule snapshot and produces a
  RewardBundle; Service derives the idempotency key, evaluates and issues.

EVENTS:
  sign_in: ConsecutiveDays (1-based streak length)
  game:    Result (win/lose/draw/abort) + Difficulty
  pet:     Interaction (feed, bathe, play, ...)

IDEMPOTENCY KEYS:
  signin:<user>:<yyyy-mm-dd>   one sign-in reward per user per UTC day
  game:<user>:<session>        one payout per game session
  pet:<user>:<interaction id>  one charge/payout per interaction
  <prefix>:<user>              admin batch grants

SEE ALSO:
  - evaluate.go: Pure rule evaluation
  - service.go: Evaluate + issue
*/
package rewards

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/reward-ledger/generic"
)

type GameResult string

const (
	ResultWin   GameResult = "win"
	ResultLose  GameResult = "lose"
	ResultDraw  GameResult = "draw"
	ResultAbort GameResult = "abort"
)

func (r GameResult) Valid() bool {
	switch r {
	case ResultWin, ResultLose, ResultDraw, ResultAbort:
		return true
	}
	return false
}

// Event is the context an evaluation needs. Only the fields of its Type matter.
type Event struct {
	Type            generic.EventType
	ConsecutiveDays int
	Result          GameResult
	Difficulty      int
	Interaction     string
}

func SignIn(consecutiveDays int) Event {
	return Event{Type: generic.EventSignIn, ConsecutiveDays: consecutiveDays}
}

func Game(result GameResult, difficulty int) Event {
	return Event{Type: generic.EventGame, Result: GameResult(strings.ToLower(string(result))), Difficulty: difficulty}
}

func Pet(interaction string) Event {
	return Event{Type: generic.EventPet, Interaction: interaction}
}

// Evaluation tags attached to bundles.
const (
	TagNoRule            = "no_rule"
	TagInactiveRule      = "inactive_rule"
	TagAborted           = "aborted"
	TagInvalidContext    = "invalid_context"
	TagUnknownEvent      = "unknown_event"
	TagNoRulesConfigured = "no_rules_configured"
)

func ruleTag(key string) string {
	return "rule:" + key
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

func SignInKey(userID generic.UserID, day time.Time) generic.IdempotencyKey {
	return generic.IdempotencyKey(fmt.Sprintf("signin:%s:%s", userID, day.UTC().Format("2006-01-02")))
}

func GameKey(userID generic.UserID, sessionID string) generic.IdempotencyKey {
	return generic.IdempotencyKey(fmt.Sprintf("game:%s:%s", userID, sessionID))
}

func PetKey(userID generic.UserID, interactionID string) generic.IdempotencyKey {
	return generic.IdempotencyKey(fmt.Sprintf("pet:%s:%s", userID, interactionID))
}

func GrantKey(prefix string, userID generic.UserID) generic.IdempotencyKey {
	return generic.IdempotencyKey(fmt.Sprintf("%s:%s", prefix, userID))
}
