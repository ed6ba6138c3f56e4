package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/utils"
	"gorm.io/gorm"
)

type OrderSyncAction string

const (
	OrderSyncActionCreate OrderSyncAction = "C"
	OrderSyncActionUpdate OrderSyncAction = "U"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// OrderSyncRecord is the transactional-outbox row for mirror propagation:
// written inside the same DB transaction as the order mutation, published to
// Pub/Sub asynchronously by the outbox dispatcher after commit.
type OrderSyncRecord struct {
	ID         int             `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId string          `gorm:"size:64;not null;index" json:"business_id"`
	OrderId    string          `gorm:"size:36;not null;index" json:"order_id"`
	Action     OrderSyncAction `gorm:"type:enum('C','U')" json:"action"`
	OccurredAt time.Time       `gorm:"not null" json:"occurred_at"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueOrderSync writes the propagation outbox row inside the caller's
// transaction. It never publishes; the dispatcher does that after commit.
func EnqueueOrderSync(ctx context.Context, tx *gorm.DB, businessId, orderId string, action OrderSyncAction) error {
	record := OrderSyncRecord{
		BusinessId:    businessId,
		OrderId:       orderId,
		Action:        action,
		OccurredAt:    time.Now().UTC(),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func ConvertToOrderSyncMessage(record OrderSyncRecord) config.OrderSyncMessage {
	return config.OrderSyncMessage{
		RecordId:      record.ID,
		BusinessId:    record.BusinessId,
		OrderId:       record.OrderId,
		Action:        string(record.Action),
		OccurredAt:    record.OccurredAt,
		CorrelationId: record.CorrelationId,
	}
}

// ReplayOrderSyncRecords requeues DEAD/FAILED outbox rows for another publish
// attempt. Ops tooling only.
func ReplayOrderSyncRecords(ctx context.Context, db *gorm.DB, businessId string, recordIds []int) (int64, error) {
	q := db.WithContext(ctx).Model(&OrderSyncRecord{}).
		Where("business_id = ?", businessId).
		Where("publish_status IN ?", []string{OutboxPublishStatusDead, OutboxPublishStatusFailed})
	if len(recordIds) > 0 {
		q = q.Where("id IN ?", recordIds)
	}
	res := q.Updates(map[string]interface{}{
		"publish_status":     OutboxPublishStatusPending,
		"publish_attempts":   0,
		"next_attempt_at":    nil,
		"locked_at":          nil,
		"locked_by":          nil,
		"last_publish_error": nil,
	})
	return res.RowsAffected, res.Error
}
