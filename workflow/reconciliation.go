package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeRepaired Outcome = "repaired"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeConflict Outcome = "conflict"
)

// Reconciler consumes drift reports and repairs attribution idempotently.
// Safe to re-run arbitrarily and to run concurrently with itself and with
// live order mutation: every write is a version-checked conditional update,
// and a report whose condition no longer holds is skipped without writing.
type Reconciler struct {
	Store     OrderStore
	Catalog   CatalogReader
	Directory IdentityDirectory
	Logger    *logrus.Logger

	FallbackOwnerId string
	Actor           string
	// MaxConflictRetries bounds the re-read/re-apply cycle on version
	// conflicts before surfacing the item for the next pass.
	MaxConflictRetries int
}

func (r *Reconciler) actor() string {
	if r.Actor != "" {
		return r.Actor
	}
	return models.ActorSystemReconciler
}

// Apply repairs a single drift report.
//   - OutcomeSkipped: the reported condition no longer holds (fixed by a
//     concurrent run or superseded), or the suggested seller failed identity
//     validation. No write, no audit entry; re-reported next pass if needed.
//   - OutcomeConflict: the order's version kept moving for every bounded
//     retry. No partial write occurred.
//   - OutcomeRepaired: exactly one conditional write and one audit entry.
func (r *Reconciler) Apply(ctx context.Context, report models.DriftReport) (Outcome, error) {
	retries := r.MaxConflictRetries
	if retries <= 0 {
		retries = 3
	}

	for attempt := 0; attempt <= retries; attempt++ {
		order, err := r.Store.Get(ctx, report.OrderId)
		if err != nil {
			return OutcomeSkipped, err
		}
		if order == nil {
			// Order vanished between detection and repair.
			return OutcomeSkipped, nil
		}

		detail := findDetail(order, report.ItemIndex)
		if detail == nil {
			return OutcomeSkipped, nil
		}

		// Re-verify against fresh state: the report may be stale.
		holds, err := r.reasonStillHolds(ctx, detail, report.Reason)
		if err != nil {
			return OutcomeSkipped, err
		}
		if !holds {
			return OutcomeSkipped, nil
		}

		sellerId, state, err := resolveSuggestion(ctx, r.Catalog, r.FallbackOwnerId, detail.ProductId)
		if err != nil {
			return OutcomeSkipped, err
		}
		if sellerId == "" {
			return OutcomeSkipped, fmt.Errorf("no repair target for order %s item %d: platform fallback owner not configured", report.OrderId, report.ItemIndex)
		}

		if state == models.AttributionStateAttributed {
			valid, err := r.validIdentity(ctx, sellerId)
			if err != nil {
				return OutcomeSkipped, err
			}
			if !valid {
				// Never write a known-bad value; the next detection pass
				// re-reports the item.
				r.Logger.WithFields(logrus.Fields{
					"module":     "reconciliation.go",
					"order_id":   report.OrderId,
					"item_index": report.ItemIndex,
					"seller_id":  sellerId,
				}).Warn("suggested seller failed identity validation; skipping repair")
				return OutcomeSkipped, nil
			}
		}

		if detail.SellerId != nil && *detail.SellerId == sellerId && detail.AttributionState == state {
			// Already in the target state; nothing to repair.
			return OutcomeSkipped, nil
		}

		entry := &models.AuditLogEntry{
			BusinessId:  order.BusinessId,
			OrderId:     order.ID,
			ItemIndex:   detail.ItemIndex,
			OldSellerId: detail.SellerId,
			NewSellerId: sellerId,
			Actor:       r.actor(),
			Reason:      string(report.Reason),
		}
		err = r.Store.ApplyAttribution(ctx, models.AttributionPatch{
			BusinessId: order.BusinessId,
			OrderId:    order.ID,
			Version:    order.Version,
			ItemIndex:  detail.ItemIndex,
			SellerId:   sellerId,
			State:      state,
		}, entry)
		if err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				// Someone else moved the order; re-read and re-verify.
				continue
			}
			return OutcomeSkipped, err
		}
		return OutcomeRepaired, nil
	}
	return OutcomeConflict, nil
}

func (r *Reconciler) reasonStillHolds(ctx context.Context, detail *models.OrderDetail, reason models.DriftReason) (bool, error) {
	switch reason {
	case models.DriftReasonMissing:
		if detail.AttributionState == models.AttributionStateUnset {
			return true, nil
		}
		return detail.AttributionState == models.AttributionStateAttributed &&
			(detail.SellerId == nil || *detail.SellerId == ""), nil

	case models.DriftReasonDanglingSeller:
		if detail.AttributionState != models.AttributionStateAttributed || detail.SellerId == nil {
			return false, nil
		}
		valid, err := r.validIdentity(ctx, *detail.SellerId)
		if err != nil {
			return false, err
		}
		return !valid, nil

	case models.DriftReasonDanglingProduct:
		if detail.AttributionState == models.AttributionStateOrphaned {
			return false, nil
		}
		_, exists, err := r.Catalog.GetProduct(ctx, detail.ProductId)
		if err != nil {
			return false, err
		}
		return !exists, nil
	}
	return false, nil
}

func (r *Reconciler) validIdentity(ctx context.Context, sellerId string) (bool, error) {
	exists, err := r.Directory.IdentityExists(ctx, sellerId)
	if err != nil || !exists {
		return false, err
	}
	return r.Directory.IsActive(ctx, sellerId)
}

func findDetail(order *models.Order, itemIndex int) *models.OrderDetail {
	for i := range order.Details {
		if order.Details[i].ItemIndex == itemIndex {
			return &order.Details[i]
		}
	}
	return nil
}

// ProcessReconciliationRun executes one full pass: drift detection over the
// whole collection, then idempotent repair of every report.
//
// The redislock is a best-effort optimization; correctness never depends on
// Redis. The MySQL advisory lock serializes passes per business across
// instances, and per-report durable idempotency plus version-checked writes
// make overlapping runs safe anyway.
func ProcessReconciliationRun(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, runId uint) error {
	ctx = setInternalScope(ctx, businessId)

	run, err := models.GetReconciliationRun(ctx, db, businessId, runId)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("reconciliation run %d not found", runId)
	}
	if run.Status == models.RunStatusSuccess || run.Status == models.RunStatusPartial || run.Status == models.RunStatusFailed {
		return nil
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, lockErr := locker.Obtain(ctx, "reconcile:"+businessId, 10*time.Minute, nil)
		if lockErr == nil {
			defer lock.Release(context.Background())
		} else if lockErr != redislock.ErrNotObtained {
			logger.WithFields(logrus.Fields{"module": "reconciliation.go", "business_id": businessId}).
				Warn("redis lock unavailable; relying on advisory lock: " + lockErr.Error())
		}
	}

	// GET_LOCK is connection-scoped; pin one connection for the whole pass.
	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireReconcileLock(conn, businessId); err != nil {
			return err
		}
		defer ReleaseReconcileLock(conn, businessId)
		return runReconciliation(ctx, db, logger, run)
	})
}

func runReconciliation(ctx context.Context, db *gorm.DB, logger *logrus.Logger, run *models.ReconciliationRun) error {
	now := time.Now().UTC()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":     models.RunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	detector := &DriftDetector{
		Store:           &DBOrderStore{DB: db},
		Catalog:         &DBCatalogReader{},
		Directory:       &DBIdentityDirectory{},
		Logger:          logger,
		FallbackOwnerId: FallbackOwnerId(),
	}

	// A configured fallback owner that no longer resolves would send every
	// orphan repair into the error path; refuse the pass up front instead.
	if detector.FallbackOwnerId != "" {
		exists, err := detector.Directory.IdentityExists(ctx, detector.FallbackOwnerId)
		if err != nil {
			finishRun(ctx, db, run, startedAt, models.RunStatusFailed)
			return err
		}
		if !exists {
			finishRun(ctx, db, run, startedAt, models.RunStatusFailed)
			return fmt.Errorf("fallback owner %q not found in identity directory", detector.FallbackOwnerId)
		}
	}

	if err := ProcessDriftScan(ctx, db, logger, detector, run); err != nil {
		finishRun(ctx, db, run, startedAt, models.RunStatusFailed)
		return err
	}

	if !run.DryRun {
		if err := applyRunReports(ctx, db, logger, run); err != nil {
			finishRun(ctx, db, run, startedAt, models.RunStatusFailed)
			return err
		}
	}

	status := models.RunStatusSuccess
	if run.ErrorCount > 0 && run.RepairedCount == 0 && run.DriftCount > 0 {
		status = models.RunStatusFailed
	} else if run.ErrorCount > 0 || run.ConflictCount > 0 {
		status = models.RunStatusPartial
	}
	finishRun(ctx, db, run, startedAt, status)
	return nil
}

func applyRunReports(ctx context.Context, db *gorm.DB, logger *logrus.Logger, run *models.ReconciliationRun) error {
	reconciler := &Reconciler{
		Store:           &DBOrderStore{DB: db},
		Catalog:         &DBCatalogReader{},
		Directory:       &DBIdentityDirectory{},
		Logger:          logger,
		FallbackOwnerId: FallbackOwnerId(),
	}

	var cursor *string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reports, nextCursor, err := models.ListDriftReports(ctx, db, run.BusinessId, run.ID, cursor, 100)
		if err != nil {
			return err
		}

		for _, report := range reports {
			// Durable idempotency per report: a crashed or duplicated pass
			// never repairs (or audits) the same finding twice.
			messageId := fmt.Sprintf("%d:%s:%d", run.ID, report.OrderId, report.ItemIndex)
			skip, err := BeginIdempotency(db, run.BusinessId, "AttributionRepair", messageId)
			if err != nil {
				if errors.Is(err, ErrIdempotencyInProgress) {
					continue
				}
				return err
			}
			if skip {
				continue
			}

			outcome, err := reconciler.Apply(ctx, report)
			if err != nil {
				// Per-item isolation: record and move on.
				run.ErrorCount++
				config.LogError(logger, "reconciliation.go", "applyRunReports", "Reconciler.Apply",
					map[string]interface{}{"run_id": run.ID, "order_id": report.OrderId, "item_index": report.ItemIndex}, err)
				_ = MarkIdempotencyFailed(db, run.BusinessId, "AttributionRepair", messageId, err)
				continue
			}
			switch outcome {
			case OutcomeRepaired:
				run.RepairedCount++
			case OutcomeSkipped:
				run.SkippedCount++
			case OutcomeConflict:
				// Left for the next pass; the failed idempotency row lets a
				// rerun of this run retry it.
				run.ConflictCount++
				_ = MarkIdempotencyFailed(db, run.BusinessId, "AttributionRepair", messageId, errors.New("version conflict"))
				continue
			}
			if err := MarkIdempotencySucceeded(db, run.BusinessId, "AttributionRepair", messageId); err != nil {
				return err
			}
		}

		if nextCursor == "" {
			return nil
		}
		cursor = &nextCursor
	}
}

func finishRun(ctx context.Context, db *gorm.DB, run *models.ReconciliationRun, startedAt *time.Time, status models.ReconciliationRunStatus) {
	finishedAt := time.Now().UTC()
	_ = db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    finishedAt.Sub(*startedAt).Milliseconds(),
		"repaired_count": run.RepairedCount,
		"skipped_count":  run.SkippedCount,
		"conflict_count": run.ConflictCount,
		"error_count":    run.ErrorCount,
	}).Error
}
