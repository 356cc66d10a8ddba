/*
Package query implements generic.LedgerReader with gorm.

PURPOSE:
  The read side of the ledger: paged history for screens and exports, and
  per-user summaries. It shares the *sql.DB of the SQLite store but never
  writes, so it only ever observes committed entries.

MODELS:
  entryRow and instanceRow map the tables created by store/sqlite. Schema
  ownership stays with store/sqlite; this package does not AutoMigrate.
  Timestamps are read and compared with sqlite.ParseTime/FormatTime so both
  sides share one layout.

CONSISTENCY:
  Each call runs its statements inside one read transaction, so a page's
  Total and rows (or a summary's parts) come from the same snapshot. Pass
  sqlite.Store.ReadDB() so these transactions never take the write lock.

SEE ALSO:
  - generic/ledger.go: Interface and filter types
  - store/sqlite/sqlite.go: Schema
*/
package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/warp/reward-ledger/generic"
	"github.com/warp/reward-ledger/store/sqlite"
)

type entryRow struct {
	ID              int64    `gorm:"column:id;primaryKey"`
	UserID          string   `gorm:"column:user_id"`
	IdempotencyKey  string   `gorm:"column:idempotency_key"`
	EventType       string   `gorm:"column:event_type"`
	PointsDelta     int64    `gorm:"column:points_delta"`
	ExperienceDelta int64    `gorm:"column:experience_delta"`
	InstanceIDs     []string `gorm:"column:instance_ids;serializer:json"`
	Description     string   `gorm:"column:description"`
	Tag             string   `gorm:"column:tag"`
	CreatedBy       string   `gorm:"column:created_by"`
	CreatedByType   string   `gorm:"column:created_by_type"`
	CreatedAtText   string   `gorm:"column:created_at"`
	BalanceAfter    int64    `gorm:"column:balance_after"`
}

func (entryRow) TableName() string { return "ledger_entries" }

func (r entryRow) toEntry() generic.LedgerEntry {
	e := generic.LedgerEntry{
		ID:              generic.EntryID(r.ID),
		UserID:          generic.UserID(r.UserID),
		IdempotencyKey:  generic.IdempotencyKey(r.IdempotencyKey),
		EventType:       generic.EventType(r.EventType),
		PointsDelta:     r.PointsDelta,
		ExperienceDelta: r.ExperienceDelta,
		Description:     r.Description,
		Tag:             r.Tag,
		CreatedBy:       r.CreatedBy,
		CreatedByType:   generic.ActorType(r.CreatedByType),
		CreatedAt:       sqlite.ParseTime(r.CreatedAtText),
		BalanceAfter:    r.BalanceAfter,
	}
	for _, id := range r.InstanceIDs {
		e.InstanceIDs = append(e.InstanceIDs, generic.InstanceID(id))
	}
	return e
}

type instanceRow struct {
	ID            string `gorm:"column:id;primaryKey"`
	UserID        string `gorm:"column:user_id"`
	TemplateID    string `gorm:"column:template_id"`
	Kind          string `gorm:"column:kind"`
	CreatedAtText string `gorm:"column:created_at"`
}

func (instanceRow) TableName() string { return "reward_instances" }

// =============================================================================
// READER
// =============================================================================

type Reader struct {
	db *gorm.DB
}

var _ generic.LedgerReader = (*Reader)(nil)

// New wraps an existing connection pool. SQL at warn level and above goes
// to the global zap logger.
func New(db *sql.DB) (*Reader, error) {
	gormLogger := logger.New(zap.NewStdLog(zap.L()), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: db}, &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open query layer: %w", err)
	}
	return &Reader{db: gdb}, nil
}

func (r *Reader) QueryEntries(ctx context.Context, filter generic.EntryFilter) (generic.EntryPage, error) {
	f := filter.Normalize()
	if err := f.Range.Validate(); err != nil {
		return generic.EntryPage{}, err
	}

	scoped := func(tx *gorm.DB) *gorm.DB {
		q := tx.Model(&entryRow{})
		if f.UserID != "" {
			q = q.Where("user_id = ?", string(f.UserID))
		}
		if len(f.EventTypes) > 0 {
			types := make([]string, len(f.EventTypes))
			for i, t := range f.EventTypes {
				types[i] = string(t)
			}
			q = q.Where("event_type IN ?", types)
		}
		if f.CreatedBy != "" {
			q = q.Where("created_by = ?", f.CreatedBy)
		}
		return withRange(q, f.Range)
	}

	var (
		total int64
		rows  []entryRow
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := scoped(tx).Count(&total).Error; err != nil {
			return fmt.Errorf("failed to count entries: %w", err)
		}
		err := scoped(tx).
			Order("created_at DESC, id DESC").
			Limit(f.PageSize).
			Offset(f.Offset()).
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("failed to query entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return generic.EntryPage{}, err
	}

	page := generic.EntryPage{
		Entries:  make([]generic.LedgerEntry, 0, len(rows)),
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
	}
	for _, row := range rows {
		page.Entries = append(page.Entries, row.toEntry())
	}
	return page, nil
}

func (r *Reader) Summarize(ctx context.Context, userID generic.UserID, dr generic.DateRange) (generic.Summary, error) {
	if userID == "" {
		return generic.Summary{}, &generic.ValidationError{Field: "user_id", Message: "is required"}
	}
	if err := dr.Validate(); err != nil {
		return generic.Summary{}, err
	}

	summary := generic.Summary{
		UserID:      userID,
		From:        dr.From,
		To:          dr.To,
		ByEventType: make(map[generic.EventType]int64),
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var totals struct {
			EntryCount   int64
			PointsEarned int64
			PointsSpent  int64
			Experience   int64
		}
		err := withRange(tx.Model(&entryRow{}), dr).
			Select(`COUNT(*) AS entry_count,
				COALESCE(SUM(CASE WHEN points_delta > 0 THEN points_delta ELSE 0 END), 0) AS points_earned,
				COALESCE(SUM(CASE WHEN points_delta < 0 THEN -points_delta ELSE 0 END), 0) AS points_spent,
				COALESCE(SUM(experience_delta), 0) AS experience`).
			Where("user_id = ?", string(userID)).
			Scan(&totals).Error
		if err != nil {
			return fmt.Errorf("failed to summarize entries: %w", err)
		}
		summary.EntryCount = totals.EntryCount
		summary.PointsEarned = totals.PointsEarned
		summary.PointsSpent = totals.PointsSpent
		summary.NetPoints = totals.PointsEarned - totals.PointsSpent
		summary.Experience = totals.Experience

		var byType []struct {
			EventType string
			Net       int64
		}
		err = withRange(tx.Model(&entryRow{}), dr).
			Select("event_type, COALESCE(SUM(points_delta), 0) AS net").
			Where("user_id = ?", string(userID)).
			Group("event_type").
			Scan(&byType).Error
		if err != nil {
			return fmt.Errorf("failed to summarize by event type: %w", err)
		}
		for _, row := range byType {
			summary.ByEventType[generic.EventType(row.EventType)] = row.Net
		}

		var byKind []struct {
			Kind string
			N    int64
		}
		err = withRange(tx.Model(&instanceRow{}), dr).
			Select("kind, COUNT(*) AS n").
			Where("user_id = ?", string(userID)).
			Group("kind").
			Scan(&byKind).Error
		if err != nil {
			return fmt.Errorf("failed to summarize instances: %w", err)
		}
		for _, row := range byKind {
			switch generic.TemplateKind(row.Kind) {
			case generic.KindCoupon:
				summary.CouponsIssued = row.N
			case generic.KindVoucher:
				summary.VouchersIssued = row.N
			}
		}
		return nil
	})
	if err != nil {
		return generic.Summary{}, err
	}

	return summary, nil
}

func withRange(q *gorm.DB, dr generic.DateRange) *gorm.DB {
	if !dr.From.IsZero() {
		q = q.Where("created_at >= ?", sqlite.FormatTime(dr.From))
	}
	if !dr.To.IsZero() {
		q = q.Where("created_at < ?", sqlite.FormatTime(dr.To))
	}
	return q
}
