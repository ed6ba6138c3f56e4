package workflow

import (
	"context"

	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/mmdatafocus/marketplace_backend/utils"
	"gorm.io/gorm"
)

// The catalog and the identity directory are external collaborators: the
// pipeline only ever consumes these narrow read contracts, so tests can run
// without a database and the real backends can be swapped freely.

type ProductInfo struct {
	OwnerId string
	Active  bool
}

type CatalogReader interface {
	// GetProduct returns (info, true, nil) when the product exists.
	GetProduct(ctx context.Context, productId int) (ProductInfo, bool, error)
}

type IdentityDirectory interface {
	IdentityExists(ctx context.Context, sellerId string) (bool, error)
	IsActive(ctx context.Context, sellerId string) (bool, error)
}

// OrderStore is the pipeline's view of the authoritative order collection.
// ApplyAttribution is the single version-checked write path for attribution
// fields; it returns models.ErrVersionConflict when the precondition fails.
type OrderStore interface {
	Get(ctx context.Context, orderId string) (*models.Order, error)
	Scan(ctx context.Context, businessId, cursor string, pageSize int) ([]models.Order, string, error)
	ApplyAttribution(ctx context.Context, patch models.AttributionPatch, entry *models.AuditLogEntry) error
}

/* GORM-backed implementations */

type DBOrderStore struct {
	DB *gorm.DB
}

func (s *DBOrderStore) Get(ctx context.Context, orderId string) (*models.Order, error) {
	return models.GetOrderById(ctx, s.DB, orderId)
}

func (s *DBOrderStore) Scan(ctx context.Context, businessId, cursor string, pageSize int) ([]models.Order, string, error) {
	return models.ScanOrders(ctx, s.DB, businessId, cursor, pageSize)
}

func (s *DBOrderStore) ApplyAttribution(ctx context.Context, patch models.AttributionPatch, entry *models.AuditLogEntry) error {
	return models.ApplyAttributionPatch(ctx, s.DB, patch, entry)
}

type DBCatalogReader struct{}

func (r *DBCatalogReader) GetProduct(ctx context.Context, productId int) (ProductInfo, bool, error) {
	product, err := models.GetProductById(ctx, productId)
	if err != nil {
		return ProductInfo{}, false, err
	}
	if product == nil {
		return ProductInfo{}, false, nil
	}
	active := product.Active != nil && *product.Active
	return ProductInfo{OwnerId: product.OwnerId, Active: active}, true, nil
}

type DBIdentityDirectory struct{}

func (d *DBIdentityDirectory) IdentityExists(ctx context.Context, sellerId string) (bool, error) {
	seller, err := models.GetSellerById(ctx, sellerId)
	if err != nil {
		return false, err
	}
	return seller != nil && seller.Status != models.SellerStatusDeleted, nil
}

func (d *DBIdentityDirectory) IsActive(ctx context.Context, sellerId string) (bool, error) {
	seller, err := models.GetSellerById(ctx, sellerId)
	if err != nil {
		return false, err
	}
	return seller != nil && seller.Status == models.SellerStatusActive, nil
}

// resolveSuggestion computes what a line item's attribution should be right
// now: the product's current owner when resolvable, the platform fallback
// owner otherwise.
func resolveSuggestion(ctx context.Context, catalog CatalogReader, fallbackOwnerId string, productId int) (string, models.AttributionState, error) {
	info, exists, err := catalog.GetProduct(ctx, productId)
	if err != nil {
		return "", "", err
	}
	if exists && info.OwnerId != "" {
		return info.OwnerId, models.AttributionStateAttributed, nil
	}
	return fallbackOwnerId, models.AttributionStateOrphaned, nil
}

// setInternalScope tags a background context the way the session middleware
// tags a request, so the tenant guard scopes every query to the business.
func setInternalScope(ctx context.Context, businessId string) context.Context {
	return utils.SetBusinessIdInContext(ctx, businessId)
}

// FallbackOwnerId reads the configured platform fallback owner.
func FallbackOwnerId() string {
	return config.PlatformFallbackOwnerId()
}
