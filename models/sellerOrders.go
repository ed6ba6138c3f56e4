package models

import (
	"context"

	"github.com/mmdatafocus/marketplace_backend/utils"
	"gorm.io/gorm"
)

type SellerOrderFilter struct {
	Status   *OrderStatus
	Page     int
	PageSize int
}

// OrderVisibleToSeller reports whether a seller may see an order: at least one
// line item is Attributed to them. Unset and Orphaned items grant nothing,
// even when the orphan fallback happens to be the asking seller's id; orphaned
// revenue is the platform's problem, not a storefront listing.
//
// This is the in-memory twin of the EXISTS predicate in ListOrdersForSeller
// and guards single-order reads the same way the list query guards pages.
func OrderVisibleToSeller(order *Order, sellerId string) bool {
	if order == nil || sellerId == "" {
		return false
	}
	for i := range order.Details {
		d := &order.Details[i]
		if d.AttributionState != AttributionStateAttributed {
			continue
		}
		if d.SellerId != nil && *d.SellerId == sellerId {
			return true
		}
	}
	return false
}

// ListOrdersForSeller answers "all orders attributable to seller S" from the
// materialized attribution fields only, with no live catalog resolution on read.
// An order is included iff at least one line item is Attributed to the seller.
// Result freshness is bounded by the last completed reconciliation pass:
// not-yet-attributed items are simply excluded until reconciliation catches up.
//
// Platform admins (context flag, decided upstream) bypass the predicate and
// see every order.
func ListOrdersForSeller(ctx context.Context, db *gorm.DB, businessId, sellerId string, filter SellerOrderFilter) ([]Order, int64, error) {
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 25
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	isAdmin, _ := utils.GetIsPlatformAdminFromContext(ctx)

	q := db.WithContext(ctx).Model(&Order{}).
		Where("orders.business_id = ?", businessId)
	if !isAdmin {
		q = q.Where(`EXISTS (
			SELECT 1 FROM order_details od
			WHERE od.order_id = orders.id
			  AND od.seller_id = ?
			  AND od.attribution_state = ?
		)`, sellerId, AttributionStateAttributed)
	}
	if filter.Status != nil {
		q = q.Where("orders.current_status = ?", *filter.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []Order
	err := q.
		Preload("Details", func(db *gorm.DB) *gorm.DB { return db.Order("item_index ASC") }).
		Order("orders.created_at DESC, orders.id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}
