package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/marketplace_backend/utils"
	"gorm.io/gorm"
)

// ActorSystemReconciler is the actor recorded for automated repairs.
// Operator-driven repairs record the operator's identity instead.
const ActorSystemReconciler = "system-reconciler"

// AuditLogEntry is the permanent record of one attribution change.
// Append-only: no update or delete path exists anywhere in this codebase.
// Initial stamping at order creation is not a change and writes no entry.
type AuditLogEntry struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"size:64;index;not null" json:"business_id"`
	OrderId       string    `gorm:"size:36;index;not null" json:"order_id"`
	ItemIndex     int       `gorm:"not null" json:"item_index"`
	OldSellerId   *string   `gorm:"size:64" json:"old_seller_id"`
	NewSellerId   string    `gorm:"size:64;not null" json:"new_seller_id"`
	Actor         string    `gorm:"size:100;index;not null" json:"actor"`
	Reason        string    `gorm:"size:50;not null" json:"reason"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// AppendAuditEntry writes one audit entry inside the caller's transaction so
// the entry commits or rolls back together with the repair it describes.
func AppendAuditEntry(ctx context.Context, tx *gorm.DB, entry *AuditLogEntry) error {
	if entry.CorrelationId == "" {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			entry.CorrelationId = v
		} else {
			entry.CorrelationId = uuid.NewString()
		}
	}
	return tx.Create(entry).Error
}

type AuditLogFilter struct {
	BusinessId string
	OrderId    string
	Actor      string
	From       *time.Time
	To         *time.Time
	Cursor     *string
	Limit      int
}

// QueryAuditLog pages the ledger newest-first by id cursor.
func QueryAuditLog(ctx context.Context, db *gorm.DB, filter AuditLogFilter) ([]AuditLogEntry, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	q := db.WithContext(ctx).Model(&AuditLogEntry{}).
		Where("business_id = ?", filter.BusinessId).
		Order("id DESC").
		Limit(limit)
	if filter.OrderId != "" {
		q = q.Where("order_id = ?", filter.OrderId)
	}
	if filter.Actor != "" {
		q = q.Where("actor = ?", filter.Actor)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at <= ?", *filter.To)
	}
	if _, lastId := DecodeCompositeCursor(filter.Cursor); lastId > 0 {
		q = q.Where("id < ?", lastId)
	}

	var entries []AuditLogEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(entries) == limit {
		last := entries[len(entries)-1]
		nextCursor = EncodeCompositeCursor(last.OrderId, last.ID)
	}
	return entries, nextCursor, nil
}
