package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/utils"
	"gorm.io/gorm"
)

// Product is the catalog side of attribution: each product carries the seller
// identity that owns it. Ownership is mutable; attribution snapshots it at
// order-creation time and deliberately does not follow later changes.
type Product struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;index;not null" json:"business_id"`
	Name       string    `gorm:"size:255;not null" json:"name"`
	OwnerId    string    `gorm:"size:64;index;not null" json:"owner_id"`
	Active     *bool     `gorm:"not null;default:true" json:"active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type SellerStatus string

const (
	SellerStatusActive    SellerStatus = "Active"
	SellerStatusSuspended SellerStatus = "Suspended"
	SellerStatusDeleted   SellerStatus = "Deleted"
)

// Seller is the identity-directory side: the resolvable seller identities that
// attribution may legally reference.
type Seller struct {
	ID         string       `gorm:"primary_key;size:64" json:"id"`
	BusinessId string       `gorm:"size:64;index;not null" json:"business_id"`
	Name       string       `gorm:"size:255;not null" json:"name"`
	Status     SellerStatus `gorm:"type:enum('Active','Suspended','Deleted');not null;default:'Active'" json:"status"`
	CreatedAt  time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetProductById reads a product, redis first then DB.
// (nil, nil) when the product does not exist.
func GetProductById(ctx context.Context, productId int) (*Product, error) {
	var product Product
	exists, err := utils.GetRedis[Product](ctx, productId, &product)
	if err == nil && exists {
		return &product, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Where("id = ?", productId).Take(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	_ = utils.StoreRedis[Product](ctx, &product, productId)
	return &product, nil
}

// GetSellerById reads a seller identity, redis first then DB.
// (nil, nil) when the identity does not exist.
func GetSellerById(ctx context.Context, sellerId string) (*Seller, error) {
	var seller Seller
	exists, err := utils.GetRedis[Seller](ctx, sellerId, &seller)
	if err == nil && exists {
		return &seller, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Where("id = ?", sellerId).Take(&seller).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	_ = utils.StoreRedis[Seller](ctx, &seller, sellerId)
	return &seller, nil
}
