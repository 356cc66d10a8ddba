/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API. Domain types stay free of json tags; the
  conversion helpers at the bottom of this file are the only place the two
  meet.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  DTOs are pure data carriers. Handlers convert them to domain values, and
  the domain's own Validate methods reject bad input.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/reward-ledger/generic"
	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/rules"
	"github.com/warp/reward-ledger/store/sqlite"
)

// =============================================================================
// USERS & WALLETS
// =============================================================================

type CreateUserRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type UserDTO struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type WalletDTO struct {
	UserID     string    `json:"user_id"`
	Balance    int64     `json:"balance"`
	Experience int64     `json:"experience"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

type SummaryDTO struct {
	UserID         string           `json:"user_id"`
	From           *time.Time       `json:"from,omitempty"`
	To             *time.Time       `json:"to,omitempty"`
	EntryCount     int64            `json:"entry_count"`
	PointsEarned   int64            `json:"points_earned"`
	PointsSpent    int64            `json:"points_spent"`
	NetPoints      int64            `json:"net_points"`
	Experience     int64            `json:"experience"`
	CouponsIssued  int64            `json:"coupons_issued"`
	VouchersIssued int64            `json:"vouchers_issued"`
	ByEventType    map[string]int64 `json:"by_event_type"`
}

type AuditDTO struct {
	UserID              string    `json:"user_id"`
	OK                  bool      `json:"ok"`
	WalletBalance       int64     `json:"wallet_balance"`
	WalletExperience    int64     `json:"wallet_experience"`
	LedgerBalance       int64     `json:"ledger_balance"`
	LedgerExperience    int64     `json:"ledger_experience"`
	PointsEarned        int64     `json:"points_earned"`
	PointsSpent         int64     `json:"points_spent"`
	EntryCount          int       `json:"entry_count"`
	FirstDivergentEntry *EntryDTO `json:"first_divergent_entry,omitempty"`
}

// =============================================================================
// EVENTS
// =============================================================================

type SignInRequest struct {
	ConsecutiveDays int    `json:"consecutive_days"`
	Date            string `json:"date,omitempty"` // YYYY-MM-DD, defaults to today (UTC)
}

type GameRequest struct {
	SessionID  string `json:"session_id"`
	Result     string `json:"result"`
	Difficulty int    `json:"difficulty"`
}

type PetRequest struct {
	InteractionID string `json:"interaction_id"`
	Interaction   string `json:"interaction"`
}

// RewardResponse is returned by every issuing endpoint.
type RewardResponse struct {
	Entry      *EntryDTO `json:"entry,omitempty"`
	Bundle     BundleDTO `json:"bundle"`
	Replayed   bool      `json:"replayed"`
	Suppressed bool      `json:"suppressed,omitempty"`
}

type BundleDTO struct {
	EventType   string               `json:"event_type"`
	Points      int64                `json:"points"`
	Experience  int64                `json:"experience"`
	Cost        int64                `json:"cost,omitempty"`
	Instances   []InstanceRequestDTO `json:"instances,omitempty"`
	Description string               `json:"description,omitempty"`
	Tag         string               `json:"tag,omitempty"`
}

type InstanceRequestDTO struct {
	Kind       string `json:"kind"`
	TemplateID string `json:"template_id"`
	Quantity   int64  `json:"quantity"`
}

// =============================================================================
// LEDGER
// =============================================================================

type EntryDTO struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	IdempotencyKey  string    `json:"idempotency_key"`
	EventType       string    `json:"event_type"`
	PointsDelta     int64     `json:"points_delta"`
	ExperienceDelta int64     `json:"experience_delta"`
	InstanceIDs     []string  `json:"instance_ids"`
	Description     string    `json:"description,omitempty"`
	Tag             string    `json:"tag,omitempty"`
	CreatedBy       string    `json:"created_by"`
	CreatedByType   string    `json:"created_by_type"`
	CreatedAt       time.Time `json:"created_at"`
	BalanceAfter    int64     `json:"balance_after"`
}

type EntryPageDTO struct {
	Entries  []EntryDTO `json:"entries"`
	Total    int64      `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// =============================================================================
// RULES & TEMPLATES
// =============================================================================

type RuleDTO struct {
	Key        string    `json:"key"`
	Points     int64     `json:"points"`
	Experience int64     `json:"experience"`
	Cost       int64     `json:"cost,omitempty"`
	Coupon     string    `json:"coupon_template_id,omitempty"`
	Voucher    string    `json:"voucher_template_id,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

type RuleSetDTO struct {
	Category string    `json:"category"`
	Version  int64     `json:"version"`
	Rules    []RuleDTO `json:"rules"`
}

// PutRulesRequest replaces a category. Version is the version the client
// last read; a stale value is rejected.
type PutRulesRequest struct {
	Version int64     `json:"version"`
	Rules   []RuleDTO `json:"rules"`
}

type TemplateDTO struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Name            string          `json:"name"`
	ValidityDays    int             `json:"validity_days"`
	ValidFrom       *time.Time      `json:"valid_from,omitempty"`
	ValidUntil      *time.Time      `json:"valid_until,omitempty"`
	FaceValue       decimal.Decimal `json:"face_value"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Active          bool            `json:"active"`
	MaxQuantity     *int64          `json:"max_quantity,omitempty"`
	IssuedCount     int64           `json:"issued_count"`
	Remaining       *int64          `json:"remaining,omitempty"`
}

type InstanceDTO struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	TemplateID string     `json:"template_id"`
	Kind       string     `json:"kind"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Used       bool       `json:"used"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type GrantRequest struct {
	UserID         string               `json:"user_id"`
	IdempotencyKey string               `json:"idempotency_key"`
	Points         int64                `json:"points"`
	Experience     int64                `json:"experience"`
	Cost           int64                `json:"cost"`
	Instances      []InstanceRequestDTO `json:"instances"`
	Description    string               `json:"description"`
}

type BatchGrantRequest struct {
	UserIDs     []string             `json:"user_ids"`
	KeyPrefix   string               `json:"key_prefix"`
	Points      int64                `json:"points"`
	Experience  int64                `json:"experience"`
	Instances   []InstanceRequestDTO `json:"instances"`
	Description string               `json:"description"`
}

type BatchGrantResultDTO struct {
	UserID   string    `json:"user_id"`
	Status   int       `json:"status"`
	Entry    *EntryDTO `json:"entry,omitempty"`
	Replayed bool      `json:"replayed,omitempty"`
	Error    string    `json:"error,omitempty"`
	Code     string    `json:"code,omitempty"`
}

type BatchGrantResponse struct {
	Results   []BatchGrantResultDTO `json:"results"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toUserDTO(u sqlite.User) UserDTO {
	return UserDTO{ID: string(u.ID), DisplayName: u.DisplayName, CreatedAt: u.CreatedAt}
}

func toWalletDTO(w generic.Wallet) WalletDTO {
	return WalletDTO{
		UserID:     string(w.UserID),
		Balance:    w.Balance,
		Experience: w.Experience,
		Version:    w.Version,
		UpdatedAt:  w.UpdatedAt,
	}
}

func toSummaryDTO(s generic.Summary) SummaryDTO {
	dto := SummaryDTO{
		UserID:         string(s.UserID),
		From:           timePtr(s.From),
		To:             timePtr(s.To),
		EntryCount:     s.EntryCount,
		PointsEarned:   s.PointsEarned,
		PointsSpent:    s.PointsSpent,
		NetPoints:      s.NetPoints,
		Experience:     s.Experience,
		CouponsIssued:  s.CouponsIssued,
		VouchersIssued: s.VouchersIssued,
		ByEventType:    make(map[string]int64, len(s.ByEventType)),
	}
	for t, net := range s.ByEventType {
		dto.ByEventType[string(t)] = net
	}
	return dto
}

func toAuditDTO(a generic.AuditResult) AuditDTO {
	return AuditDTO{
		UserID:              string(a.UserID),
		OK:                  a.OK,
		WalletBalance:       a.Wallet.Balance,
		WalletExperience:    a.Wallet.Experience,
		LedgerBalance:       a.Computed.Points,
		LedgerExperience:    a.Computed.Experience,
		PointsEarned:        a.Computed.Earned,
		PointsSpent:         a.Computed.Spent,
		EntryCount:          a.Computed.Entries,
		FirstDivergentEntry: toEntryDTO(a.FirstDivergence),
	}
}

func toEntryDTO(e *generic.LedgerEntry) *EntryDTO {
	if e == nil {
		return nil
	}
	dto := &EntryDTO{
		ID:              int64(e.ID),
		UserID:          string(e.UserID),
		IdempotencyKey:  string(e.IdempotencyKey),
		EventType:       string(e.EventType),
		PointsDelta:     e.PointsDelta,
		ExperienceDelta: e.ExperienceDelta,
		InstanceIDs:     make([]string, 0, len(e.InstanceIDs)),
		Description:     e.Description,
		Tag:             e.Tag,
		CreatedBy:       e.CreatedBy,
		CreatedByType:   string(e.CreatedByType),
		CreatedAt:       e.CreatedAt,
		BalanceAfter:    e.BalanceAfter,
	}
	for _, id := range e.InstanceIDs {
		dto.InstanceIDs = append(dto.InstanceIDs, string(id))
	}
	return dto
}

func toBundleDTO(b generic.RewardBundle) BundleDTO {
	dto := BundleDTO{
		EventType:   string(b.EventType),
		Points:      b.Points,
		Experience:  b.Experience,
		Cost:        b.Cost,
		Description: b.Description,
		Tag:         b.Tag,
	}
	for _, req := range b.Instances {
		dto.Instances = append(dto.Instances, InstanceRequestDTO{
			Kind:       string(req.Kind),
			TemplateID: string(req.TemplateID),
			Quantity:   req.Quantity,
		})
	}
	return dto
}

func toRewardResponse(out *rewards.Outcome) RewardResponse {
	return RewardResponse{
		Entry:      toEntryDTO(out.Entry),
		Bundle:     toBundleDTO(out.Bundle),
		Replayed:   out.Replayed,
		Suppressed: out.Suppressed,
	}
}

func toInstanceRequests(dtos []InstanceRequestDTO) []generic.InstanceRequest {
	var reqs []generic.InstanceRequest
	for _, d := range dtos {
		reqs = append(reqs, generic.InstanceRequest{
			Kind:       generic.TemplateKind(d.Kind),
			TemplateID: generic.TemplateID(d.TemplateID),
			Quantity:   d.Quantity,
		})
	}
	return reqs
}

func toRuleDTO(r rules.Record) RuleDTO {
	return RuleDTO{
		Key:        r.Key,
		Points:     r.Points,
		Experience: r.Experience,
		Cost:       r.Cost,
		Coupon:     string(r.CouponTemplateID),
		Voucher:    string(r.VoucherTemplateID),
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (d RuleDTO) toRecord(category rules.Category) rules.Record {
	return rules.Record{
		Category:          category,
		Key:               d.Key,
		Points:            d.Points,
		Experience:        d.Experience,
		Cost:              d.Cost,
		CouponTemplateID:  generic.TemplateID(d.Coupon),
		VoucherTemplateID: generic.TemplateID(d.Voucher),
		Active:            d.Active,
	}
}

func toTemplateDTO(t generic.Template) TemplateDTO {
	dto := TemplateDTO{
		ID:              string(t.ID),
		Kind:            string(t.Kind),
		Name:            t.Name,
		ValidityDays:    t.ValidityDays,
		ValidFrom:       t.ValidFrom,
		ValidUntil:      t.ValidUntil,
		FaceValue:       t.FaceValue,
		DiscountPercent: t.DiscountPercent,
		Active:          t.Active,
		MaxQuantity:     t.MaxQuantity,
		IssuedCount:     t.IssuedCount,
	}
	if t.MaxQuantity != nil {
		remaining := t.Remaining()
		dto.Remaining = &remaining
	}
	return dto
}

func toInstanceDTO(i generic.Instance) InstanceDTO {
	return InstanceDTO{
		ID:         string(i.ID),
		UserID:     string(i.UserID),
		TemplateID: string(i.TemplateID),
		Kind:       string(i.Kind),
		CreatedAt:  i.CreatedAt,
		ExpiresAt:  i.ExpiresAt,
		Used:       i.Used,
		UsedAt:     i.UsedAt,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
