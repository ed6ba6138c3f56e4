package storesync

import (
	"context"
	"time"

	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/mmdatafocus/marketplace_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Worker is the catch-up loop behind the mirror-sync service. Push deliveries
// do the realtime work; the worker re-propagates every order whose origin row
// changed since the last sweep, so a dropped push or a mirror that was down
// still converges.
type Worker struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	SweepInterval time.Duration
	PageSize      int
	// Overlap is subtracted from the watermark each sweep so a row committed
	// concurrently with the previous sweep is never missed.
	Overlap time.Duration

	watermark time.Time
}

func NewWorker(db *gorm.DB, logger *logrus.Logger) *Worker {
	return &Worker{
		DB:            db,
		Logger:        logger,
		SweepInterval: time.Minute,
		PageSize:      200,
		Overlap:       30 * time.Second,
	}
}

func (w *Worker) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	w.watermark = time.Now().UTC().Add(-w.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.SweepInterval):
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	since := w.watermark.Add(-w.Overlap)
	sweepStart := time.Now().UTC()

	// The sweep crosses tenants; propagation re-reads per order anyway.
	scanCtx := utils.SetSkipTenantScopeInContext(ctx, true)

	lastId := ""
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var orders []models.Order
		q := w.DB.WithContext(scanCtx).
			Select("id", "business_id").
			Where("updated_at >= ?", since).
			Order("id ASC").
			Limit(w.PageSize)
		if lastId != "" {
			q = q.Where("id > ?", lastId)
		}
		if err := q.Find(&orders).Error; err != nil {
			config.LogError(w.Logger, "worker.go", "sweepOnce", "scan changed orders",
				map[string]interface{}{"since": since.Format(time.RFC3339)}, err)
			return
		}
		if len(orders) == 0 {
			break
		}

		for _, order := range orders {
			orderCtx := utils.SetBusinessIdInContext(ctx, order.BusinessId)
			if _, err := Propagate(orderCtx, w.DB, w.Logger, order.BusinessId, order.ID); err != nil {
				// Logged inside Propagate per mirror; the next sweep retries
				// because the watermark only advances on a clean pass.
				return
			}
		}

		lastId = orders[len(orders)-1].ID
		if len(orders) < w.PageSize {
			break
		}
	}

	w.watermark = sweepStart
}
