/*
types.go - Core value types shared by every reward component

PURPOSE:
  Defines the vocabulary of the reward engine: who is rewarded (UserID),
  what they receive (RewardBundle), where it lands (Wallet, Instance), and
  the immutable audit record of it (LedgerEntry).

KEY CONCEPTS:
  RewardBundle:  Value produced by the evaluator or built by an admin grant.
                 Carries points, experience, a cost and instance requests.
                 A bundle is data only; nothing happens until it is issued.
  Wallet:        Current point balance and experience of one user. Derived
                 state: Balance always equals the sum of the user's ledger
                 PointsDelta values.
  LedgerEntry:   Append-only audit row. One per committed issuance.
  Template:      Coupon or e-voucher definition (validity, optional cap).
  Instance:      One minted coupon/voucher held by a user.

ACTORS:
  Every write carries an explicit Actor (system or admin). The engine never
  reads the acting user from ambient session state.

SEE ALSO:
  - issuer.go: Applies bundles to wallets
  - errors.go: Failure taxonomy
*/
package generic

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TemplateID string
type InstanceID string
type EntryID int64

// IdempotencyKey identifies one logical issuance for a user.
// The calling layer derives it (sign-in date, game session, interaction id).
type IdempotencyKey string

// =============================================================================
// EVENT TYPES
// =============================================================================

type EventType string

const (
	EventSignIn     EventType = "sign_in"
	EventGame       EventType = "game"
	EventPet        EventType = "pet"
	EventAdminGrant EventType = "admin_grant"
)

func (e EventType) Valid() bool {
	switch e {
	case EventSignIn, EventGame, EventPet, EventAdminGrant:
		return true
	}
	return false
}

// =============================================================================
// ACTOR
// =============================================================================

type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorAdmin  ActorType = "admin"
)

// Actor records who caused a ledger entry.
type Actor struct {
	CreatedBy     string
	CreatedByType ActorType
}

// SystemActor is used for rule-driven issuance.
func SystemActor() Actor {
	return Actor{CreatedBy: "system", CreatedByType: ActorSystem}
}

// AdminActor is used for manual grants.
func AdminActor(id string) Actor {
	return Actor{CreatedBy: id, CreatedByType: ActorAdmin}
}

func (a Actor) Validate() error {
	if strings.TrimSpace(a.CreatedBy) == "" {
		return &ValidationError{Field: "actor", Message: "created_by is required"}
	}
	if a.CreatedByType != ActorSystem && a.CreatedByType != ActorAdmin {
		return &ValidationError{Field: "actor", Message: fmt.Sprintf("unknown actor type %q", a.CreatedByType)}
	}
	return nil
}

// =============================================================================
// REWARD BUNDLE
// =============================================================================

type TemplateKind string

const (
	KindCoupon  TemplateKind = "coupon"
	KindVoucher TemplateKind = "voucher"
)

func (k TemplateKind) Valid() bool {
	return k == KindCoupon || k == KindVoucher
}

// InstanceRequest asks the issuer to mint Quantity instances of a template.
type InstanceRequest struct {
	Kind       TemplateKind
	TemplateID TemplateID
	Quantity   int64
}

// RewardBundle is the unit of value applied by a single Issue call.
//
// Cost is a non-negative amount subtracted from Points in the same entry;
// pet interactions use it to charge for care while still paying out.
type RewardBundle struct {
	EventType   EventType
	Points      int64
	Experience  int64
	Cost        int64
	Instances   []InstanceRequest
	Description string
	Tag         string
}

// NetPoints is the balance delta this bundle applies.
func (b RewardBundle) NetPoints() int64 {
	return b.Points - b.Cost
}

// IsNoop reports whether issuing the bundle would change nothing.
func (b RewardBundle) IsNoop() bool {
	if b.Points != 0 || b.Experience != 0 || b.Cost != 0 {
		return false
	}
	for _, req := range b.Instances {
		if req.Quantity > 0 {
			return false
		}
	}
	return true
}

// Validate checks structural rules. Balance and cap checks happen at issue time.
func (b RewardBundle) Validate() error {
	if !b.EventType.Valid() {
		return &ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event type %q", b.EventType)}
	}
	if b.Cost < 0 {
		return &ValidationError{Field: "cost", Message: "must not be negative"}
	}
	for i, req := range b.Instances {
		if !req.Kind.Valid() {
			return &ValidationError{Field: fmt.Sprintf("instances[%d].kind", i), Message: fmt.Sprintf("unknown kind %q", req.Kind)}
		}
		if req.TemplateID == "" {
			return &ValidationError{Field: fmt.Sprintf("instances[%d].template_id", i), Message: "is required"}
		}
		if req.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("instances[%d].quantity", i), Message: "must be positive"}
		}
	}
	return nil
}

// ZeroBundle is the neutral result of an evaluation that matched nothing.
func ZeroBundle(eventType EventType, tag string) RewardBundle {
	return RewardBundle{EventType: eventType, Tag: tag}
}

// =============================================================================
// WALLET
// =============================================================================

// Wallet holds the current balance for a user. Balance never goes below zero.
type Wallet struct {
	UserID     UserID
	Balance    int64
	Experience int64
	Version    int64
	UpdatedAt  time.Time
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// LedgerEntry is the immutable audit record of one committed issuance.
type LedgerEntry struct {
	ID              EntryID
	UserID          UserID
	IdempotencyKey  IdempotencyKey
	EventType       EventType
	PointsDelta     int64
	ExperienceDelta int64
	InstanceIDs     []InstanceID
	Description     string
	Tag             string
	CreatedBy       string
	CreatedByType   ActorType
	CreatedAt       time.Time
	BalanceAfter    int64
}

// =============================================================================
// TEMPLATES & INSTANCES
// =============================================================================

// Template defines a coupon or e-voucher. IssuedCount never exceeds MaxQuantity.
type Template struct {
	ID              TemplateID
	Kind            TemplateKind
	Name            string
	ValidityDays    int
	ValidFrom       *time.Time
	ValidUntil      *time.Time
	FaceValue       decimal.Decimal // vouchers
	DiscountPercent decimal.Decimal // coupons
	Active          bool
	MaxQuantity     *int64 // nil = unlimited
	IssuedCount     int64
	CreatedAt       time.Time
}

// Remaining returns how many more instances may be minted, or -1 if unlimited.
func (t Template) Remaining() int64 {
	if t.MaxQuantity == nil {
		return -1
	}
	return *t.MaxQuantity - t.IssuedCount
}

// IssuableAt reports whether the template can mint instances at the given time.
func (t Template) IssuableAt(at time.Time) bool {
	if !t.Active {
		return false
	}
	if t.ValidFrom != nil && at.Before(*t.ValidFrom) {
		return false
	}
	if t.ValidUntil != nil && at.After(*t.ValidUntil) {
		return false
	}
	return true
}

// ExpiryFor computes the expiry of an instance minted at the given time.
// Expiry never extends past the template's own window.
func (t Template) ExpiryFor(mintedAt time.Time) time.Time {
	expires := mintedAt.AddDate(0, 0, t.ValidityDays)
	if t.ValidUntil != nil && expires.After(*t.ValidUntil) {
		expires = *t.ValidUntil
	}
	return expires
}

func (t Template) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if !t.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", t.Kind)}
	}
	if t.ValidityDays <= 0 {
		return &ValidationError{Field: "validity_days", Message: "must be positive"}
	}
	if t.MaxQuantity != nil && *t.MaxQuantity < 0 {
		return &ValidationError{Field: "max_quantity", Message: "must not be negative"}
	}
	if t.ValidFrom != nil && t.ValidUntil != nil && t.ValidUntil.Before(*t.ValidFrom) {
		return &ValidationError{Field: "valid_until", Message: "is before valid_from"}
	}
	if t.FaceValue.IsNegative() {
		return &ValidationError{Field: "face_value", Message: "must not be negative"}
	}
	if t.DiscountPercent.IsNegative() || t.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
		return &ValidationError{Field: "discount_percent", Message: "must be between 0 and 100"}
	}
	return nil
}

// Instance is one minted coupon or voucher held by a user.
type Instance struct {
	ID         InstanceID
	UserID     UserID
	TemplateID TemplateID
	Kind       TemplateKind
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Used       bool
	UsedAt     *time.Time
}

func (i Instance) ExpiredAt(at time.Time) bool {
	return !at.Before(i.ExpiresAt)
}
