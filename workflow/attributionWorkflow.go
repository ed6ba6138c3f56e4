package workflow

import (
	"context"

	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/sirupsen/logrus"
)

// StampOrderAttribution resolves and stamps the owning seller of every line
// item on a freshly built order, in place, before the order is inserted.
//
// Stamping is best-effort by contract: an order is never rejected because one
// of its items could not be attributed. A catalog read failure leaves the item
// Unset and the next drift-detection pass picks it up; a missing product or an
// ownerless one routes the item to the platform fallback owner (Orphaned).
//
// No audit entry is written here: the ledger records changes, and the initial
// stamp is not a change.
func StampOrderAttribution(ctx context.Context, logger *logrus.Logger, catalog CatalogReader, fallbackOwnerId string, order *models.Order) {
	for i := range order.Details {
		detail := &order.Details[i]

		info, exists, err := catalog.GetProduct(ctx, detail.ProductId)
		if err != nil {
			// Unresolvable right now, not necessarily orphaned. Leave Unset.
			config.LogError(logger, "attributionWorkflow.go", "StampOrderAttribution", "CatalogReader.GetProduct",
				map[string]interface{}{"order_id": order.ID, "item_index": detail.ItemIndex, "product_id": detail.ProductId}, err)
			continue
		}

		if exists && info.OwnerId != "" {
			ownerId := info.OwnerId
			detail.SellerId = &ownerId
			detail.AttributionState = models.AttributionStateAttributed
			continue
		}

		fallback := fallbackOwnerId
		if fallback == "" {
			// No fallback configured; leave Unset for reconciliation.
			logger.WithFields(logrus.Fields{
				"module":     "attributionWorkflow.go",
				"order_id":   order.ID,
				"item_index": detail.ItemIndex,
				"product_id": detail.ProductId,
			}).Warn("no platform fallback owner configured; leaving item unattributed")
			continue
		}
		detail.SellerId = &fallback
		detail.AttributionState = models.AttributionStateOrphaned
	}
}
