package storesync

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAmbiguousOrigin marks a mirror that claims a newer document version than
// the origin. That should be impossible (mirrors are write-through copies),
// so the synchronizer refuses to overwrite and leaves it for an operator.
var ErrAmbiguousOrigin = errors.New("mirror holds newer version than origin")

// Propagate pushes one order document from the origin store to every
// configured mirror as a whole-document replace. The origin is re-read
// immediately before each mirror write, so a propagation triggered by a stale
// outbox record still lands the current document. Mirrors never merge back.
func Propagate(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId, orderId string) (SyncOutcome, error) {
	outcome := SyncOutcome{OrderId: orderId}
	mirrorStores := config.GetMirrorStores()
	if len(mirrorStores) == 0 {
		return outcome, nil
	}

	for _, name := range config.MirrorNames() {
		mirror := mirrorStores[name]

		// Fresh read per mirror: the document may change while earlier
		// mirrors are being written.
		order, err := models.GetOrderById(ctx, db, orderId)
		if err != nil {
			outcome.MirrorsFailed = append(outcome.MirrorsFailed, name)
			config.LogError(logger, "propagate.go", "Propagate", "GetOrderById",
				map[string]interface{}{"order_id": orderId, "mirror": name}, err)
			continue
		}

		if order == nil {
			if err := deleteFromMirror(ctx, mirror, orderId); err != nil {
				outcome.MirrorsFailed = append(outcome.MirrorsFailed, name)
				config.LogError(logger, "propagate.go", "Propagate", "deleteFromMirror",
					map[string]interface{}{"order_id": orderId, "mirror": name}, err)
				continue
			}
			outcome.Deleted = true
			outcome.MirrorsUpdated = append(outcome.MirrorsUpdated, name)
			continue
		}

		if err := replaceOnMirror(ctx, mirror, order); err != nil {
			outcome.MirrorsFailed = append(outcome.MirrorsFailed, name)
			if errors.Is(err, ErrAmbiguousOrigin) {
				// Flag it for the divergence report and move on; never
				// clobber a mirror we cannot explain.
				report := models.DivergenceReport{
					BusinessId: businessId,
					OrderId:    orderId,
					MirrorName: name,
					Kind:       models.DivergenceAmbiguousOrigin,
					DetectedAt: time.Now().UTC(),
				}
				if uerr := models.UpsertDivergenceReport(ctx, db, &report); uerr != nil {
					config.LogError(logger, "propagate.go", "Propagate", "UpsertDivergenceReport",
						map[string]interface{}{"order_id": orderId, "mirror": name}, uerr)
				}
				logger.WithFields(logrus.Fields{
					"module":   "propagate.go",
					"order_id": orderId,
					"mirror":   name,
				}).Warn("refusing to overwrite mirror with newer version")
				continue
			}
			config.LogError(logger, "propagate.go", "Propagate", "replaceOnMirror",
				map[string]interface{}{"order_id": orderId, "mirror": name}, err)
			continue
		}
		outcome.MirrorsUpdated = append(outcome.MirrorsUpdated, name)
	}

	if len(outcome.MirrorsFailed) > 0 {
		return outcome, errors.New("propagation failed for one or more mirrors")
	}
	return outcome, nil
}

// replaceOnMirror swaps the mirror's copy for the origin document in one
// transaction: upsert the order row, then delete and reinsert its details.
func replaceOnMirror(ctx context.Context, mirror *gorm.DB, order *models.Order) error {
	return mirror.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Order
		err := tx.Select("version").Where("id = ?", order.ID).Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && existing.Version > order.Version {
			return ErrAmbiguousOrigin
		}

		row := *order
		row.Details = nil
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}

		if err := tx.Where("order_id = ?", order.ID).Delete(&models.OrderDetail{}).Error; err != nil {
			return err
		}
		for _, d := range order.Details {
			// Mirror assigns its own surrogate ids; only (order_id, item_index)
			// identifies a line across stores.
			d.ID = 0
			if err := tx.Create(&d).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func deleteFromMirror(ctx context.Context, mirror *gorm.DB, orderId string) error {
	return mirror.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", orderId).Delete(&models.OrderDetail{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", orderId).Delete(&models.Order{}).Error
	})
}
