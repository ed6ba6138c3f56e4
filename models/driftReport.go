package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type DriftReason string

const (
	// DriftReasonMissing: attribution was never stamped (state still Unset).
	DriftReasonMissing DriftReason = "Missing"
	// DriftReasonDanglingProduct: the referenced product no longer exists and
	// the item has not been routed to the fallback owner.
	DriftReasonDanglingProduct DriftReason = "DanglingProduct"
	// DriftReasonDanglingSeller: the stamped seller identity no longer exists
	// or is no longer active.
	DriftReasonDanglingSeller DriftReason = "DanglingSeller"
)

// DriftReport is one detected attribution fault. Reports are ephemeral:
// regenerated on every detection pass (scoped by run id), consumed by the
// reconciler, and re-derived from scratch the next time around.
type DriftReport struct {
	ID                int         `gorm:"primary_key" json:"id"`
	RunId             uint        `gorm:"index;not null" json:"run_id"`
	BusinessId        string      `gorm:"size:64;index;not null" json:"business_id"`
	OrderId           string      `gorm:"size:36;index;not null" json:"order_id"`
	ItemIndex         int         `gorm:"not null" json:"item_index"`
	ObservedSellerId  *string     `gorm:"size:64" json:"observed_seller_id"`
	SuggestedSellerId *string     `gorm:"size:64" json:"suggested_seller_id"`
	Reason            DriftReason `gorm:"type:enum('Missing','DanglingProduct','DanglingSeller');not null" json:"reason"`
	DetectedAt        time.Time   `gorm:"not null" json:"detected_at"`
	CreatedAt         time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

type ReconciliationRunStatus string

const (
	RunStatusPending ReconciliationRunStatus = "PENDING"
	RunStatusRunning ReconciliationRunStatus = "RUNNING"
	RunStatusSuccess ReconciliationRunStatus = "SUCCESS"
	RunStatusPartial ReconciliationRunStatus = "PARTIAL"
	RunStatusFailed  ReconciliationRunStatus = "FAILED"
)

// ReconciliationRun is one detection+repair pass. The committed cursor makes
// a crashed or cancelled run resumable from where it left off instead of
// restarting the full collection scan.
type ReconciliationRun struct {
	ID          uint                    `gorm:"primary_key" json:"id"`
	BusinessId  string                  `gorm:"size:64;index;not null" json:"business_id"`
	Status      ReconciliationRunStatus `gorm:"size:20;not null" json:"status"`
	TriggeredBy string                  `gorm:"size:100" json:"triggered_by"`
	ScanCursor  string                  `gorm:"size:255" json:"scan_cursor"`
	DryRun      bool                    `gorm:"not null;default:0" json:"dry_run"`

	OrdersScanned int `json:"orders_scanned"`
	DriftCount    int `json:"drift_count"`
	RepairedCount int `json:"repaired_count"`
	SkippedCount  int `json:"skipped_count"`
	ConflictCount int `json:"conflict_count"`
	ErrorCount    int `json:"error_count"`

	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	DurationMs int64      `json:"duration_ms"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// CreateReconciliationRun registers a pending pass for the business.
func CreateReconciliationRun(ctx context.Context, db *gorm.DB, businessId, triggeredBy string, dryRun bool) (*ReconciliationRun, error) {
	run := &ReconciliationRun{
		BusinessId:  businessId,
		Status:      RunStatusPending,
		TriggeredBy: triggeredBy,
		DryRun:      dryRun,
	}
	if err := db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func GetReconciliationRun(ctx context.Context, db *gorm.DB, businessId string, runId uint) (*ReconciliationRun, error) {
	var run ReconciliationRun
	err := db.WithContext(ctx).Where("id = ? AND business_id = ?", runId, businessId).Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func ListReconciliationRuns(ctx context.Context, db *gorm.DB, businessId string, limit int) ([]ReconciliationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []ReconciliationRun
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// LatestFinishedRunId returns the most recent completed pass, 0 when none.
func LatestFinishedRunId(ctx context.Context, db *gorm.DB, businessId string) (uint, error) {
	var run ReconciliationRun
	err := db.WithContext(ctx).
		Where("business_id = ? AND status IN ?", businessId,
			[]ReconciliationRunStatus{RunStatusSuccess, RunStatusPartial, RunStatusFailed}).
		Order("id DESC").
		Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return run.ID, nil
}

// ListDriftReports pages a run's reports by id cursor.
func ListDriftReports(ctx context.Context, db *gorm.DB, businessId string, runId uint, cursor *string, limit int) ([]DriftReport, string, error) {
	if limit <= 0 {
		limit = 100
	}
	q := db.WithContext(ctx).Model(&DriftReport{}).
		Where("business_id = ? AND run_id = ?", businessId, runId).
		Order("id ASC").
		Limit(limit)
	if _, lastId := DecodeCompositeCursor(cursor); lastId > 0 {
		q = q.Where("id > ?", lastId)
	}

	var reports []DriftReport
	if err := q.Find(&reports).Error; err != nil {
		return nil, "", err
	}
	nextCursor := ""
	if len(reports) == limit {
		last := reports[len(reports)-1]
		nextCursor = EncodeCompositeCursor(last.OrderId, last.ID)
	}
	return reports, nextCursor, nil
}
