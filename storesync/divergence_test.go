package storesync

import (
	"testing"

	"github.com/mmdatafocus/marketplace_backend/models"
)

func divergenceOrder(version int, details ...models.OrderDetail) *models.Order {
	return &models.Order{
		ID:         "o1",
		BusinessId: "biz",
		Version:    version,
		Details:    details,
	}
}

func TestClassify_AgreementYieldsNoReport(t *testing.T) {
	origin := divergenceOrder(2, sampleDetails()...)
	mirrored := divergenceOrder(2, sampleDetails()...)
	if report := classifyCopies(origin, mirrored, "reporting"); report != nil {
		t.Fatalf("identical copies reported divergent: %+v", report)
	}
}

func TestClassify_MissingOnMirror(t *testing.T) {
	origin := divergenceOrder(2, sampleDetails()...)
	report := classifyCopies(origin, nil, "reporting")
	if report == nil || report.Kind != models.DivergenceMissingOnMirror {
		t.Fatalf("report = %+v, want MissingOnMirror", report)
	}
	if report.MirrorName != "reporting" || report.OrderId != "o1" {
		t.Fatalf("report misaddressed: %+v", report)
	}
}

func TestClassify_CountMismatch(t *testing.T) {
	origin := divergenceOrder(2, sampleDetails()...)
	mirrored := divergenceOrder(2, sampleDetails()[:2]...)
	report := classifyCopies(origin, mirrored, "reporting")
	if report == nil || report.Kind != models.DivergenceCountMismatch {
		t.Fatalf("report = %+v, want CountMismatch", report)
	}
}

func TestClassify_ChecksumMismatchCarriesBothSums(t *testing.T) {
	origin := divergenceOrder(2, sampleDetails()...)
	drifted := sampleDetails()
	drifted[0].SellerId = sellerPtr("someone-else")
	mirrored := divergenceOrder(2, drifted...)

	report := classifyCopies(origin, mirrored, "reporting")
	if report == nil || report.Kind != models.DivergenceChecksumMismatch {
		t.Fatalf("report = %+v, want ChecksumMismatch", report)
	}
	if report.OriginChecksum == "" || report.MirrorChecksum == "" || report.OriginChecksum == report.MirrorChecksum {
		t.Fatalf("checksums not recorded properly: %+v", report)
	}
}

func TestClassify_MirrorAheadIsAmbiguousNotMismatch(t *testing.T) {
	origin := divergenceOrder(2, sampleDetails()...)
	mirrored := divergenceOrder(3, sampleDetails()...)
	report := classifyCopies(origin, mirrored, "reporting")
	if report == nil || report.Kind != models.DivergenceAmbiguousOrigin {
		t.Fatalf("report = %+v, want AmbiguousOrigin", report)
	}
}

func TestClassify_StaleMirrorIsChecksumMismatch(t *testing.T) {
	origin := divergenceOrder(3, sampleDetails()...)
	mirrored := divergenceOrder(2, sampleDetails()...)
	report := classifyCopies(origin, mirrored, "reporting")
	if report == nil || report.Kind != models.DivergenceChecksumMismatch {
		t.Fatalf("a lagging mirror should surface as ChecksumMismatch, got %+v", report)
	}
}
