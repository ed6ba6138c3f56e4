package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrVersionConflict is returned when an optimistic-concurrency precondition
// fails: the order's version moved between the caller's read and its write.
var ErrVersionConflict = errors.New("order version conflict")

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusConfirmed OrderStatus = "Confirmed"
	OrderStatusDelivered OrderStatus = "Delivered"
	OrderStatusCancelled OrderStatus = "Cancelled"
)

// AttributionState tracks whether a line item's denormalized seller owner has
// been resolved. Unset is only legal transiently; reconciliation drives every
// item to Attributed or Orphaned.
type AttributionState string

const (
	AttributionStateUnset      AttributionState = "Unset"
	AttributionStateAttributed AttributionState = "Attributed"
	AttributionStateOrphaned   AttributionState = "Orphaned"
)

type Order struct {
	ID            string        `gorm:"primary_key;size:36" json:"id"`
	BusinessId    string        `gorm:"size:64;index;not null" json:"business_id" binding:"required"`
	BuyerId       string        `gorm:"size:64;index;not null" json:"buyer_id" binding:"required"`
	CurrentStatus OrderStatus   `gorm:"type:enum('Pending','Confirmed','Delivered','Cancelled');not null" json:"current_status"`
	// Version is the only concurrency-control primitive for attribution writes.
	// Every mutation of a detail's seller_id/attribution_state goes through a
	// conditional update keyed on it.
	Version   int           `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
	Details   []OrderDetail `gorm:"foreignKey:OrderId" json:"details"`
}

type OrderDetail struct {
	ID         int              `gorm:"primary_key" json:"id"`
	OrderId    string           `gorm:"size:36;not null;uniqueIndex:uniq_order_item,priority:1" json:"order_id"`
	BusinessId string           `gorm:"size:64;index;not null" json:"business_id"`
	// ItemIndex is the stable position of the line item within its order.
	// Drift reports and audit entries address items by (order_id, item_index).
	ItemIndex int             `gorm:"not null;uniqueIndex:uniq_order_item,priority:2" json:"item_index"`
	ProductId int             `gorm:"index;not null" json:"product_id"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	// SellerId is the denormalized owning-seller snapshot taken at order
	// creation. Nil until stamped; only explicit repair may change it afterwards.
	SellerId         *string          `gorm:"size:64;index:idx_detail_attribution,priority:1" json:"seller_id"`
	AttributionState AttributionState `gorm:"type:enum('Unset','Attributed','Orphaned');not null;default:'Unset';index:idx_detail_attribution,priority:2" json:"attribution_state"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewOrder struct {
	BusinessId string           `json:"business_id" binding:"required" validate:"required,uuid"`
	BuyerId    string           `json:"buyer_id" binding:"required" validate:"required"`
	Details    []NewOrderDetail `json:"details" binding:"required" validate:"required,min=1,dive"`
}

type NewOrderDetail struct {
	ProductId int             `json:"product_id" binding:"required" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity" binding:"required"`
	UnitPrice decimal.Decimal `json:"unit_price" binding:"required"`
}

// BuildOrder materializes a NewOrder into an unattributed Pending order.
// Attribution stamping happens before insert (workflow.StampOrderAttribution).
func BuildOrder(input NewOrder) *Order {
	order := &Order{
		ID:            uuid.NewString(),
		BusinessId:    input.BusinessId,
		BuyerId:       input.BuyerId,
		CurrentStatus: OrderStatusPending,
		Version:       1,
	}
	for i, d := range input.Details {
		order.Details = append(order.Details, OrderDetail{
			OrderId:          order.ID,
			BusinessId:       input.BusinessId,
			ItemIndex:        i,
			ProductId:        d.ProductId,
			Quantity:         d.Quantity,
			UnitPrice:        d.UnitPrice,
			AttributionState: AttributionStateUnset,
		})
	}
	return order
}

// InsertOrder persists a freshly built (and stamped) order together with its
// mirror-propagation outbox row, all inside one transaction.
func InsertOrder(ctx context.Context, db *gorm.DB, order *Order) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		return EnqueueOrderSync(ctx, tx, order.BusinessId, order.ID, OrderSyncActionCreate)
	})
}

func GetOrderById(ctx context.Context, db *gorm.DB, orderId string) (*Order, error) {
	var order Order
	err := db.WithContext(ctx).
		Preload("Details", func(db *gorm.DB) *gorm.DB { return db.Order("item_index ASC") }).
		Where("id = ?", orderId).
		Take(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// ScanOrders pages through a business's orders in stable id order.
// cursor is the opaque value returned by the previous call ("" starts over);
// nextCursor is "" once the collection is exhausted.
func ScanOrders(ctx context.Context, db *gorm.DB, businessId string, cursor string, pageSize int) ([]Order, string, error) {
	if pageSize <= 0 {
		pageSize = 200
	}
	lastId, err := DecodeCursor(&cursor)
	if err != nil {
		return nil, "", err
	}

	var orders []Order
	q := db.WithContext(ctx).
		Preload("Details", func(db *gorm.DB) *gorm.DB { return db.Order("item_index ASC") }).
		Where("business_id = ?", businessId).
		Order("id ASC").
		Limit(pageSize)
	if lastId != "" {
		q = q.Where("id > ?", lastId)
	}
	if err := q.Find(&orders).Error; err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(orders) == pageSize {
		nextCursor = EncodeCursor(orders[len(orders)-1].ID)
	}
	return orders, nextCursor, nil
}

// AttributionPatch is a version-checked write of one line item's attribution.
type AttributionPatch struct {
	BusinessId string
	OrderId    string
	// Version observed by the caller's most recent read. The write succeeds
	// only if the order's version is still exactly this value.
	Version   int
	ItemIndex int
	SellerId  string
	State     AttributionState
}

// ApplyAttributionPatch performs the conditional update that every repair goes
// through: bump the order version iff unchanged, patch the item, append the
// audit entry and (optionally) enqueue mirror propagation, all in one tx.
// Returns ErrVersionConflict when the precondition fails; nothing is written.
func ApplyAttributionPatch(ctx context.Context, db *gorm.DB, patch AttributionPatch, entry *AuditLogEntry) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Order{}).
			Where("id = ? AND business_id = ? AND version = ?", patch.OrderId, patch.BusinessId, patch.Version).
			Update("version", gorm.Expr("version + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}

		if err := tx.Model(&OrderDetail{}).
			Where("order_id = ? AND item_index = ?", patch.OrderId, patch.ItemIndex).
			Updates(map[string]interface{}{
				"seller_id":         patch.SellerId,
				"attribution_state": patch.State,
			}).Error; err != nil {
			return err
		}

		if entry != nil {
			if err := AppendAuditEntry(ctx, tx, entry); err != nil {
				return err
			}
		}

		if config.SyncMirrorsOnRepair() {
			return EnqueueOrderSync(ctx, tx, patch.BusinessId, patch.OrderId, OrderSyncActionUpdate)
		}
		return nil
	})
}
