package storesync

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DivergenceScan walks the origin order collection page by page and compares
// every document against every mirror's copy. It only ever writes
// DivergenceReport rows on the origin store; mirrors are never touched, and
// no mismatch is auto-resolved.
func DivergenceScan(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, pageSize int) (DivergenceScanSummary, error) {
	summary := DivergenceScanSummary{
		BusinessId:     businessId,
		MirrorsChecked: config.MirrorNames(),
		StartedAt:      time.Now().UTC(),
	}
	mirrorStores := config.GetMirrorStores()
	if len(mirrorStores) == 0 {
		summary.FinishedAt = time.Now().UTC()
		return summary, nil
	}

	cursor := ""
	for {
		select {
		case <-ctx.Done():
			summary.FinishedAt = time.Now().UTC()
			return summary, ctx.Err()
		default:
		}

		orders, nextCursor, err := models.ScanOrders(ctx, db, businessId, cursor, pageSize)
		if err != nil {
			summary.FinishedAt = time.Now().UTC()
			return summary, err
		}

		for i := range orders {
			summary.OrdersScanned++
			for _, name := range summary.MirrorsChecked {
				report, err := compareWithMirror(ctx, mirrorStores[name], name, &orders[i])
				if err != nil {
					summary.ErrorCount++
					config.LogError(logger, "divergence.go", "DivergenceScan", "compareWithMirror",
						map[string]interface{}{"order_id": orders[i].ID, "mirror": name}, err)
					continue
				}
				if report == nil {
					continue
				}
				if report.Kind == models.DivergenceAmbiguousOrigin {
					summary.Ambiguous++
				} else {
					summary.Divergent++
				}
				if err := models.UpsertDivergenceReport(ctx, db, report); err != nil {
					summary.ErrorCount++
					config.LogError(logger, "divergence.go", "DivergenceScan", "UpsertDivergenceReport",
						map[string]interface{}{"order_id": orders[i].ID, "mirror": name}, err)
				}
			}
		}

		if nextCursor == "" {
			summary.FinishedAt = time.Now().UTC()
			return summary, nil
		}
		cursor = nextCursor
	}
}

func compareWithMirror(ctx context.Context, mirror *gorm.DB, mirrorName string, origin *models.Order) (*models.DivergenceReport, error) {
	var mirrored models.Order
	err := mirror.WithContext(ctx).
		Preload("Details", func(db *gorm.DB) *gorm.DB { return db.Order("item_index ASC") }).
		Where("id = ?", origin.ID).
		Take(&mirrored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return classifyCopies(origin, nil, mirrorName), nil
	}
	if err != nil {
		return nil, err
	}
	return classifyCopies(origin, &mirrored, mirrorName), nil
}

// classifyCopies compares the origin document against one mirror's copy.
// Returns nil when they agree. Exactly one kind is reported per mismatch,
// most specific first: a missing copy is not also a count mismatch.
func classifyCopies(origin, mirrored *models.Order, mirrorName string) *models.DivergenceReport {
	if mirrored == nil {
		return newReport(origin, mirrorName, models.DivergenceMissingOnMirror, "", "")
	}
	if mirrored.Version > origin.Version {
		return newReport(origin, mirrorName, models.DivergenceAmbiguousOrigin, "", "")
	}
	if len(mirrored.Details) != len(origin.Details) {
		return newReport(origin, mirrorName, models.DivergenceCountMismatch, "", "")
	}
	originSum := AttributionChecksum(origin.Version, origin.Details)
	mirrorSum := AttributionChecksum(mirrored.Version, mirrored.Details)
	if originSum != mirrorSum {
		return newReport(origin, mirrorName, models.DivergenceChecksumMismatch, originSum, mirrorSum)
	}
	return nil
}

func newReport(origin *models.Order, mirrorName string, kind models.DivergenceKind, originSum, mirrorSum string) *models.DivergenceReport {
	return &models.DivergenceReport{
		BusinessId:     origin.BusinessId,
		OrderId:        origin.ID,
		MirrorName:     mirrorName,
		Kind:           kind,
		OriginChecksum: originSum,
		MirrorChecksum: mirrorSum,
		DetectedAt:     time.Now().UTC(),
	}
}
