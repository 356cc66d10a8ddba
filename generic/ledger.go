/*
ledger.go - Read side of the append-only reward ledger

PURPOSE:
  The ledger is the immutable source of truth for every balance change.
  LedgerReader exposes it for history screens, exports and summaries.
  It never writes and only sees committed entries.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. CONSERVATION: a user's wallet balance equals the sum of PointsDelta
     over their committed entries.
  3. CORRECTIONS: made by appending an offsetting entry, never by editing.

SEE ALSO:
  - store/query: gorm-backed implementation
  - issuer.go: The writer
*/
package generic

import (
	"context"
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// EntryFilter selects ledger entries. Zero-valued fields do not filter.
type EntryFilter struct {
	UserID     UserID
	EventTypes []EventType
	CreatedBy  string
	Range      DateRange
	Page       int // 1-based
	PageSize   int
}

// Normalize applies paging defaults and bounds.
func (f EntryFilter) Normalize() EntryFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

func (f EntryFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

type EntryPage struct {
	Entries  []LedgerEntry
	Total    int64
	Page     int
	PageSize int
}

// Summary aggregates one user's ledger over a date range.
type Summary struct {
	UserID         UserID
	From           time.Time
	To             time.Time
	EntryCount     int64
	PointsEarned   int64               // sum of positive deltas
	PointsSpent    int64               // sum of negative deltas, as a positive number
	NetPoints      int64
	Experience     int64
	CouponsIssued  int64
	VouchersIssued int64
	ByEventType    map[EventType]int64 // net points per event type
}

// LedgerReader is the read-only query layer.
type LedgerReader interface {
	QueryEntries(ctx context.Context, filter EntryFilter) (EntryPage, error)
	Summarize(ctx context.Context, userID UserID, r DateRange) (Summary, error)
}
