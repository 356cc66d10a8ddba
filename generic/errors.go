/*
errors.go - Centralized error types for the reward engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is on the sentinels or errors.As on the
  structured types; the HTTP layer maps them to status codes.

ERROR CATEGORIES:
  1. Rejections - the request is well-formed but violates a business rule
     (insufficient funds, cap exceeded). Never retried, nothing written.
  2. Validation - the request itself is malformed.
  3. Contention - storage could not take the write lock, or an optimistic
     check failed. Retried internally, surfaced as BusyError when exhausted.
  4. Lookup - referenced user/template/instance does not exist.

SEE ALSO:
  - issuer.go: Produces most of these
  - api/handlers.go: Maps them to HTTP statuses
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed requests and rule values.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds is returned when an issuance would drive the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrCapExceeded is returned when minting would exceed a template's max quantity.
	ErrCapExceeded = errors.New("template cap exceeded")

	// ErrBusy is returned when contention persisted through every retry.
	ErrBusy = errors.New("resource busy")

	// ErrNotFound is returned when a referenced user, template or instance is missing.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when a rule set was changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrContention is the internal, retryable signal raised by stores when a
	// lock could not be taken or a version check failed.
	ErrContention = errors.New("storage contention")

	// ErrDuplicateIdempotencyKey is returned by stores when an entry with the
	// same (user, key) already exists. The issuer treats it as contention and
	// replays the stored entry on the next attempt.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInstanceUsed is returned when redeeming an instance twice.
	ErrInstanceUsed = errors.New("instance already used")

	// ErrInstanceExpired is returned when redeeming an expired instance.
	ErrInstanceExpired = errors.New("instance expired")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a malformed field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	UserID    UserID
	Balance   int64
	Delta     int64
	Shortfall int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: balance %d, delta %d, shortfall %d",
		e.UserID, e.Balance, e.Delta, e.Shortfall)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// CapExceededError reports a template whose max quantity would be exceeded.
type CapExceededError struct {
	TemplateID  TemplateID
	MaxQuantity int64
	IssuedCount int64
	Requested   int64
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("template %s cap exceeded: max %d, issued %d, requested %d",
		e.TemplateID, e.MaxQuantity, e.IssuedCount, e.Requested)
}

func (e *CapExceededError) Unwrap() error {
	return ErrCapExceeded
}

// BusyError is returned after the issuer gave up retrying.
type BusyError struct {
	UserID   UserID
	Attempts int
	Err      error // last contention error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("wallet %s busy after %d attempts: %v", e.UserID, e.Attempts, e.Err)
}

func (e *BusyError) Unwrap() error {
	return ErrBusy
}

// NotFoundError names the missing resource.
type NotFoundError struct {
	Kind string // "user", "template", "instance", "wallet"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConcurrentModificationError reports a stale rule-set version.
type ConcurrentModificationError struct {
	Category string
	Expected int64
	Actual   int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("%s rules modified concurrently: expected version %d, found %d",
		e.Category, e.Expected, e.Actual)
}

func (e *ConcurrentModificationError) Unwrap() error {
	return ErrConcurrentModification
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrBusy)
}

// IsRejection returns true if the request was refused by a business rule.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrCapExceeded) ||
		errors.Is(err, ErrInstanceUsed) ||
		errors.Is(err, ErrInstanceExpired)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || IsRejection(err)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
