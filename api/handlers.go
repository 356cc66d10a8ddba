/*
handlers.go - HTTP API handlers for the reward ledger

PURPOSE:
  Exposes the reward engine via REST API. Handlers parse the request,
  derive idempotency keys through the rewards package, delegate to the
  service or store, and map domain errors to HTTP statuses.

ENDPOINTS:
  Users:
    GET    /api/users                       List users
    POST   /api/users                       Create user + empty wallet
    GET    /api/users/{id}                  Get user
    GET    /api/users/{id}/wallet           Current balance and experience
    GET    /api/users/{id}/summary          Totals over ?from=&to=
    GET    /api/users/{id}/instances        Coupons and vouchers held
    GET    /api/users/{id}/audit            Wallet recomputed from the ledger

  Events:
    POST   /api/users/{id}/signin           Daily sign-in reward
    POST   /api/users/{id}/games            Mini-game payout
    POST   /api/users/{id}/pets             Pet interaction (cost + reward)

  Ledger:
    GET    /api/entries                     Paged ledger query

  Rules & templates:
    GET    /api/rules/{category}            Active rules + version (?all=true for inactive too)
    PUT    /api/rules/{category}            Replace a category (optimistic version)
    GET    /api/templates                   Template catalogue

  Admin (X-Actor-ID required):
    POST   /api/admin/grants                Single grant
    POST   /api/admin/grants/batch          Same bundle to many users

  Instances:
    POST   /api/instances/{id}/redeem       Mark a coupon/voucher used

STATUS CODES:
  201 for a fresh ledger entry, 200 for a replayed key or a suppressed
  zero bundle. Errors use ErrorResponse:
  - 400 validation_error
  - 404 not_found
  - 409 cap_exceeded, concurrent_modification, instance_used
  - 422 insufficient_funds, instance_expired
  - 503 busy (with Retry-After)
  - 500 internal_error

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/reward-ledger/generic"
	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/rules"
	"github.com/warp/reward-ledger/store/sqlite"
)

const actorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Reader  generic.LedgerReader
	Service *rewards.Service
	Clock   generic.Clock
}

func NewHandler(store *sqlite.Store, reader generic.LedgerReader, service *rewards.Service) *Handler {
	return &Handler{
		Store:   store,
		Reader:  reader,
		Service: service,
		Clock:   generic.SystemClock{},
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateUser registers a user and provisions an empty wallet. Creating an
// existing user returns its current wallet.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ID = strings.TrimSpace(req.ID)

	wallet, err := h.Store.ProvisionWallet(r.Context(), sqlite.User{
		ID:          generic.UserID(req.ID),
		DisplayName: req.DisplayName,
	}, h.Clock.Now())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(*wallet))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUser(r.Context(), userParam(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

// GetWallet returns the wallet. A known user without a wallet yet reads as
// an empty wallet at version 0.
// GET /api/users/{id}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userParam(r)

	wallet, err := h.Store.GetWallet(ctx, userID)
	if generic.IsNotFound(err) {
		exists, existsErr := h.Store.UserExists(ctx, userID)
		if existsErr != nil {
			writeDomainError(w, r, existsErr)
			return
		}
		if exists {
			writeJSON(w, http.StatusOK, toWalletDTO(generic.Wallet{UserID: userID}))
			return
		}
		writeDomainError(w, r, &generic.NotFoundError{Kind: "user", ID: string(userID)})
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(*wallet))
}

// GetSummary aggregates the user's entries over [from, to).
// GET /api/users/{id}/summary?from=2025-03-01&to=2025-04-01
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	dr, err := parseRange(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	summary, err := h.Reader.Summarize(r.Context(), userParam(r), dr)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.Store.ListInstances(r.Context(), userParam(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]InstanceDTO, len(instances))
	for i, inst := range instances {
		dtos[i] = toInstanceDTO(inst)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AuditWallet recomputes the wallet from the ledger. A mismatch is still a
// 200; the body says which entry diverged.
// GET /api/users/{id}/audit
func (h *Handler) AuditWallet(w http.ResponseWriter, r *http.Request) {
	res, err := h.Store.AuditWallet(r.Context(), userParam(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(*res))
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// SignIn rewards the day's sign-in. Reporting the same day twice replays
// the first result.
// POST /api/users/{id}/signin
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if !decodeBody(w, r, &req) {
		return
	}

	day := h.Clock.Now()
	if req.Date != "" {
		parsed, err := time.Parse(time.DateOnly, req.Date)
		if err != nil {
			writeDomainError(w, r, &generic.ValidationError{Field: "date", Message: "must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}

	out, err := h.Service.SignIn(r.Context(), userParam(r), day, req.ConsecutiveDays)
	writeOutcome(w, r, out, err)
}

// POST /api/users/{id}/games
func (h *Handler) GameFinished(w http.ResponseWriter, r *http.Request) {
	var req GameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := h.Service.GameFinished(r.Context(), userParam(r), req.SessionID, rewards.GameResult(req.Result), req.Difficulty)
	writeOutcome(w, r, out, err)
}

// POST /api/users/{id}/pets
func (h *Handler) PetInteraction(w http.ResponseWriter, r *http.Request) {
	var req PetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := h.Service.PetInteraction(r.Context(), userParam(r), req.InteractionID, req.Interaction)
	writeOutcome(w, r, out, err)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// QueryEntries pages through the ledger, newest first.
// GET /api/entries?user_id=&event_type=sign_in,game&created_by=&from=&to=&page=&page_size=
func (h *Handler) QueryEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dr, err := parseRange(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	filter := generic.EntryFilter{
		UserID:    generic.UserID(q.Get("user_id")),
		CreatedBy: q.Get("created_by"),
		Range:     dr,
	}
	for _, t := range splitCSV(q.Get("event_type")) {
		et := generic.EventType(t)
		if !et.Valid() {
			writeDomainError(w, r, &generic.ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event type %q", t)})
			return
		}
		filter.EventTypes = append(filter.EventTypes, et)
	}
	if filter.Page, err = intParam(q.Get("page"), "page"); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if filter.PageSize, err = intParam(q.Get("page_size"), "page_size"); err != nil {
		writeDomainError(w, r, err)
		return
	}

	page, err := h.Reader.QueryEntries(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dto := EntryPageDTO{
		Entries:  make([]EntryDTO, 0, len(page.Entries)),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	for i := range page.Entries {
		dto.Entries = append(dto.Entries, *toEntryDTO(&page.Entries[i]))
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// RULE & TEMPLATE HANDLERS
// =============================================================================

// GetRules returns a category's rules and the version to send back on PUT.
// GET /api/rules/{category}
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	category, err := rules.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var records []rules.Record
	var version int64
	if r.URL.Query().Get("all") == "true" {
		snap, err := h.Store.Snapshot(ctx)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		records = snap.Records(category)
		version = snap.Version(category)
	} else {
		set, err := h.Store.ActiveRuleSet(ctx, category)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		records, version = set.Records, set.Version
	}
	writeJSON(w, http.StatusOK, toRuleSetDTO(category, version, records))
}

// PutRules replaces every rule of a category.
// PUT /api/rules/{category}
func (h *Handler) PutRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	category, err := rules.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req PutRulesRequest
	if !decodeBody(w, r, &req) {
		return
	}

	set := rules.RuleSet{Category: category, Version: req.Version}
	for _, dto := range req.Rules {
		set.Records = append(set.Records, dto.toRecord(category))
	}
	version, err := h.Store.Upsert(ctx, set)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	snap, err := h.Store.Snapshot(ctx)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleSetDTO(category, version, snap.Records(category)))
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.Store.ListTemplates(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]TemplateDTO, len(templates))
	for i, t := range templates {
		dtos[i] = toTemplateDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Grant issues an operator-built bundle. The caller supplies the key.
// POST /api/admin/grants
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	actor, ok := adminActor(w, r)
	if !ok {
		return
	}
	var req GrantRequest
	if !decodeBody(w, r, &req) {
		return
	}

	bundle := generic.RewardBundle{
		EventType:   generic.EventAdminGrant,
		Points:      req.Points,
		Experience:  req.Experience,
		Cost:        req.Cost,
		Instances:   toInstanceRequests(req.Instances),
		Description: req.Description,
	}
	out, err := h.Service.Grant(r.Context(), generic.UserID(req.UserID), generic.IdempotencyKey(req.IdempotencyKey), bundle, actor)
	writeOutcome(w, r, out, err)
}

// BatchGrant gives the same bundle to many users. Per-user failures are
// reported in the results; the request itself succeeds.
// POST /api/admin/grants/batch
func (h *Handler) BatchGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := adminActor(w, r)
	if !ok {
		return
	}
	var req BatchGrantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.UserIDs) == 0 {
		writeDomainError(w, r, &generic.ValidationError{Field: "user_ids", Message: "must not be empty"})
		return
	}

	users := make([]generic.UserID, len(req.UserIDs))
	for i, id := range req.UserIDs {
		users[i] = generic.UserID(id)
	}
	bundle := generic.RewardBundle{
		EventType:   generic.EventAdminGrant,
		Points:      req.Points,
		Experience:  req.Experience,
		Instances:   toInstanceRequests(req.Instances),
		Description: req.Description,
	}

	results, err := h.Service.GrantMany(r.Context(), users, req.KeyPrefix, bundle, actor)
	if err != nil && results == nil {
		writeDomainError(w, r, err)
		return
	}

	resp := BatchGrantResponse{Results: make([]BatchGrantResultDTO, 0, len(results))}
	for _, res := range results {
		dto := BatchGrantResultDTO{UserID: string(res.UserID)}
		if res.Err != nil {
			dto.Status, dto.Code = statusFor(res.Err)
			dto.Error = res.Err.Error()
			resp.Failed++
		} else {
			dto.Status = outcomeStatus(res.Outcome)
			dto.Entry = toEntryDTO(res.Outcome.Entry)
			dto.Replayed = res.Outcome.Replayed
			resp.Succeeded++
		}
		resp.Results = append(resp.Results, dto)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// INSTANCE HANDLERS
// =============================================================================

// POST /api/instances/{id}/redeem
func (h *Handler) RedeemInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Store.RedeemInstance(r.Context(), generic.InstanceID(chi.URLParam(r, "id")), h.Clock.Now())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTO(*inst))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// writeDomainError maps an engine error to its HTTP status.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)

	var details any
	var (
		validation *generic.ValidationError
		funds      *generic.InsufficientFundsError
		capErr     *generic.CapExceededError
		conflict   *generic.ConcurrentModificationError
	)
	switch {
	case errors.As(err, &validation):
		details = map[string]string{"field": validation.Field, "message": validation.Message}
	case errors.As(err, &funds):
		details = map[string]int64{"balance": funds.Balance, "delta": funds.Delta, "shortfall": funds.Shortfall}
	case errors.As(err, &capErr):
		details = map[string]any{"template_id": capErr.TemplateID, "max_quantity": capErr.MaxQuantity, "issued_count": capErr.IssuedCount}
	case errors.As(err, &conflict):
		details = map[string]int64{"expected_version": conflict.Expected, "current_version": conflict.Actual}
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, status, code, message, details)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, generic.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, generic.ErrCapExceeded):
		return http.StatusConflict, "cap_exceeded"
	case errors.Is(err, generic.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, generic.ErrInstanceUsed):
		return http.StatusConflict, "instance_used"
	case errors.Is(err, generic.ErrInstanceExpired):
		return http.StatusUnprocessableEntity, "instance_expired"
	case errors.Is(err, generic.ErrBusy),
		errors.Is(err, generic.ErrContention),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "busy"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeOutcome writes the result of an issuing call: 201 for a new entry,
// 200 for a replay or a suppressed zero bundle.
func writeOutcome(w http.ResponseWriter, r *http.Request, out *rewards.Outcome, err error) {
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, outcomeStatus(out), toRewardResponse(out))
}

func outcomeStatus(out *rewards.Outcome) int {
	if out.Replayed || out.Suppressed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body", err.Error())
		return false
	}
	return true
}

func adminActor(w http.ResponseWriter, r *http.Request) (generic.Actor, bool) {
	id := strings.TrimSpace(r.Header.Get(actorHeader))
	if id == "" {
		writeError(w, http.StatusBadRequest, "validation_error", actorHeader+" header is required", nil)
		return generic.Actor{}, false
	}
	return generic.AdminActor(id), true
}

func userParam(r *http.Request) generic.UserID {
	return generic.UserID(chi.URLParam(r, "id"))
}

// parseRange reads ?from=&to=. Each accepts RFC 3339 or a bare date; a bare
// date means midnight UTC.
func parseRange(r *http.Request) (generic.DateRange, error) {
	var dr generic.DateRange
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &dr.From}, {"to", &dr.To}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := parseTimeParam(raw)
		if err != nil {
			return generic.DateRange{}, &generic.ValidationError{Field: p.name, Message: "must be YYYY-MM-DD or RFC 3339"}
		}
		*p.dst = t
	}
	return dr, dr.Validate()
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, raw)
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &generic.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func toRuleSetDTO(category rules.Category, version int64, records []rules.Record) RuleSetDTO {
	dto := RuleSetDTO{Category: string(category), Version: version, Rules: make([]RuleDTO, 0, len(records))}
	for _, rec := range records {
		dto.Rules = append(dto.Rules, toRuleDTO(rec))
	}
	return dto
}
