package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DriftDetector scans committed orders and reports line items whose
// attribution violates the data model: never stamped, stamped onto an identity
// that no longer resolves, or referencing a product that no longer exists
// without having been routed to the fallback owner.
//
// A stamped seller that merely differs from the product's CURRENT owner is NOT
// drift: attribution is a snapshot of ownership at order-creation time. The
// old repair scripts got this wrong and rebound historical orders on every
// ownership change; the detector deliberately does not.
//
// Detection is a pure function of current state: scanning twice without
// intervening writes yields identical reports.
type DriftDetector struct {
	Store     OrderStore
	Catalog   CatalogReader
	Directory IdentityDirectory
	Logger    *logrus.Logger

	FallbackOwnerId string
	PageSize        int
}

// Scan classifies one page of orders starting at cursor.
// nextCursor is "" once the collection is exhausted.
func (d *DriftDetector) Scan(ctx context.Context, businessId, cursor string) ([]models.DriftReport, int, string, error) {
	pageSize := d.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}

	orders, nextCursor, err := d.Store.Scan(ctx, businessId, cursor, pageSize)
	if err != nil {
		return nil, 0, "", err
	}

	detectedAt := time.Now().UTC()
	var reports []models.DriftReport
	for i := range orders {
		order := &orders[i]
		if order.CurrentStatus == models.OrderStatusCancelled {
			continue
		}
		for j := range order.Details {
			report, err := d.classify(ctx, order, &order.Details[j], detectedAt)
			if err != nil {
				// One unreadable item must not sink the page; it will be
				// re-examined on the next pass.
				config.LogError(d.Logger, "driftDetection.go", "Scan", "classify",
					map[string]interface{}{"order_id": order.ID, "item_index": order.Details[j].ItemIndex}, err)
				continue
			}
			if report != nil {
				reports = append(reports, *report)
			}
		}
	}
	return reports, len(orders), nextCursor, nil
}

// ScanOrder classifies a single order, for targeted repair tooling.
// Tenant scoping comes from the context, same as every other store read.
func (d *DriftDetector) ScanOrder(ctx context.Context, orderId string) ([]models.DriftReport, error) {
	order, err := d.Store.Get(ctx, orderId)
	if err != nil {
		return nil, err
	}
	if order == nil || order.CurrentStatus == models.OrderStatusCancelled {
		return nil, nil
	}

	detectedAt := time.Now().UTC()
	var reports []models.DriftReport
	for j := range order.Details {
		report, err := d.classify(ctx, order, &order.Details[j], detectedAt)
		if err != nil {
			return nil, err
		}
		if report != nil {
			reports = append(reports, *report)
		}
	}
	return reports, nil
}

func (d *DriftDetector) classify(ctx context.Context, order *models.Order, detail *models.OrderDetail, detectedAt time.Time) (*models.DriftReport, error) {
	switch detail.AttributionState {
	case models.AttributionStateUnset:
		// Never stamped. When the product itself is gone the hole can only be
		// closed by the orphan path, so report it as a dangling product rather
		// than a plain missing stamp.
		_, productExists, err := d.Catalog.GetProduct(ctx, detail.ProductId)
		if err != nil {
			return nil, err
		}
		if !productExists {
			return d.report(ctx, order, detail, models.DriftReasonDanglingProduct, detectedAt)
		}
		return d.report(ctx, order, detail, models.DriftReasonMissing, detectedAt)

	case models.AttributionStateAttributed:
		if detail.SellerId == nil || *detail.SellerId == "" {
			// Attributed without a seller id is corrupt data; treat as never stamped.
			return d.report(ctx, order, detail, models.DriftReasonMissing, detectedAt)
		}
		exists, err := d.Directory.IdentityExists(ctx, *detail.SellerId)
		if err != nil {
			return nil, err
		}
		if exists {
			active, aerr := d.Directory.IsActive(ctx, *detail.SellerId)
			if aerr != nil {
				return nil, aerr
			}
			exists = active
		}
		if !exists {
			return d.report(ctx, order, detail, models.DriftReasonDanglingSeller, detectedAt)
		}

		info, productExists, err := d.Catalog.GetProduct(ctx, detail.ProductId)
		if err != nil {
			return nil, err
		}
		if !productExists {
			return d.report(ctx, order, detail, models.DriftReasonDanglingProduct, detectedAt)
		}
		if config.LogOwnerMismatch() && info.OwnerId != *detail.SellerId {
			// Snapshot semantics: expected after an ownership transfer, logged
			// only so the policy question can be quantified.
			d.Logger.WithFields(logrus.Fields{
				"module":        "driftDetection.go",
				"order_id":      order.ID,
				"item_index":    detail.ItemIndex,
				"stamped_owner": *detail.SellerId,
				"current_owner": info.OwnerId,
			}).Info("current product owner differs from stamped attribution (not drift)")
		}
		return nil, nil

	case models.AttributionStateOrphaned:
		// Already routed to the fallback owner; terminal until an operator intervenes.
		return nil, nil
	}
	return nil, nil
}

func (d *DriftDetector) report(ctx context.Context, order *models.Order, detail *models.OrderDetail, reason models.DriftReason, detectedAt time.Time) (*models.DriftReport, error) {
	suggested, _, err := resolveSuggestion(ctx, d.Catalog, d.FallbackOwnerId, detail.ProductId)
	var suggestedPtr *string
	if err == nil && suggested != "" {
		suggestedPtr = &suggested
	}
	// A suggestion failure is advisory only; the reconciler recomputes anyway.
	return &models.DriftReport{
		BusinessId:        order.BusinessId,
		OrderId:           order.ID,
		ItemIndex:         detail.ItemIndex,
		ObservedSellerId:  detail.SellerId,
		SuggestedSellerId: suggestedPtr,
		Reason:            reason,
		DetectedAt:        detectedAt,
	}, nil
}

// ProcessDriftScan runs a full resumable detection pass for the run: pages
// from the run's committed cursor, persisting each page's reports and the
// advanced cursor in one transaction. A crashed or cancelled run resumes from
// the last committed cursor; a store failure aborts with the cursor untouched.
func ProcessDriftScan(ctx context.Context, db *gorm.DB, logger *logrus.Logger, detector *DriftDetector, run *models.ReconciliationRun) error {
	cursor := run.ScanCursor
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reports, scanned, nextCursor, err := detector.Scan(ctx, run.BusinessId, cursor)
		if err != nil {
			config.LogError(logger, "driftDetection.go", "ProcessDriftScan", "Scan",
				map[string]interface{}{"run_id": run.ID, "cursor": cursor}, err)
			return err
		}

		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for i := range reports {
				reports[i].RunId = run.ID
				if err := tx.Create(&reports[i]).Error; err != nil {
					return err
				}
			}
			return tx.Model(&models.ReconciliationRun{}).
				Where("id = ?", run.ID).
				Updates(map[string]interface{}{
					"scan_cursor":    nextCursor,
					"orders_scanned": gorm.Expr("orders_scanned + ?", scanned),
					"drift_count":    gorm.Expr("drift_count + ?", len(reports)),
				}).Error
		})
		if err != nil {
			return err
		}

		run.OrdersScanned += scanned
		run.DriftCount += len(reports)
		run.ScanCursor = nextCursor
		cursor = nextCursor
		if nextCursor == "" {
			return nil
		}
	}
}
