package models

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DivergenceKind string

const (
	// DivergenceChecksumMismatch: the mirror holds the order but its attribution
	// content hashes differently from the origin copy.
	DivergenceChecksumMismatch DivergenceKind = "ChecksumMismatch"
	// DivergenceMissingOnMirror: the origin order has no copy on the mirror.
	DivergenceMissingOnMirror DivergenceKind = "MissingOnMirror"
	// DivergenceCountMismatch: the mirror copy has a different line-item count.
	DivergenceCountMismatch DivergenceKind = "CountMismatch"
	// DivergenceAmbiguousOrigin: the mirror copy's version is ahead of the
	// declared origin. The synchronizer never adjudicates this; operators do.
	DivergenceAmbiguousOrigin DivergenceKind = "AmbiguousOrigin"
)

// DivergenceReport records a cross-store mismatch the synchronizer refuses to
// resolve on its own. One open row per (order, mirror, kind); re-detection
// refreshes the row instead of stacking duplicates.
type DivergenceReport struct {
	ID             int            `gorm:"primary_key" json:"id"`
	BusinessId     string         `gorm:"size:64;index;not null" json:"business_id"`
	OrderId        string         `gorm:"size:36;not null;uniqueIndex:uniq_divergence,priority:1" json:"order_id"`
	MirrorName     string         `gorm:"size:100;not null;uniqueIndex:uniq_divergence,priority:2" json:"mirror_name"`
	Kind           DivergenceKind `gorm:"type:enum('ChecksumMismatch','MissingOnMirror','CountMismatch','AmbiguousOrigin');not null;uniqueIndex:uniq_divergence,priority:3" json:"kind"`
	OriginChecksum string         `gorm:"size:64" json:"origin_checksum"`
	MirrorChecksum string         `gorm:"size:64" json:"mirror_checksum"`
	DetectedAt     time.Time      `gorm:"not null" json:"detected_at"`
	Resolved       bool           `gorm:"not null;default:0;index" json:"resolved"`
	ResolvedBy     *string        `gorm:"size:100" json:"resolved_by"`
	ResolvedAt     *time.Time     `json:"resolved_at"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpsertDivergenceReport records or refreshes a mismatch. A re-detected row is
// reopened even if an operator had marked it resolved.
func UpsertDivergenceReport(ctx context.Context, db *gorm.DB, report *DivergenceReport) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}, {Name: "mirror_name"}, {Name: "kind"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"origin_checksum": report.OriginChecksum,
			"mirror_checksum": report.MirrorChecksum,
			"detected_at":     report.DetectedAt,
			"resolved":        false,
			"resolved_by":     nil,
			"resolved_at":     nil,
		}),
	}).Create(report).Error
}

func ListDivergenceReports(ctx context.Context, db *gorm.DB, businessId string, includeResolved bool, limit int) ([]DivergenceReport, error) {
	if limit <= 0 {
		limit = 100
	}
	q := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("detected_at DESC").
		Limit(limit)
	if !includeResolved {
		q = q.Where("resolved = 0")
	}
	var reports []DivergenceReport
	err := q.Find(&reports).Error
	return reports, err
}

// ResolveDivergenceReport is operator tooling only; the scan never calls it.
func ResolveDivergenceReport(ctx context.Context, db *gorm.DB, businessId string, reportId int, resolvedBy string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&DivergenceReport{}).
		Where("id = ? AND business_id = ?", reportId, businessId).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_by": &resolvedBy,
			"resolved_at": &now,
		}).Error
}
