package workflow

import (
	"context"
	"reflect"
	"testing"

	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/sirupsen/logrus"
)

func newTestDetector(store *fakeStore, catalog *fakeCatalog, directory *fakeDirectory) *DriftDetector {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &DriftDetector{
		Store:           store,
		Catalog:         catalog,
		Directory:       directory,
		Logger:          logger,
		FallbackOwnerId: "platform-fallback",
		PageSize:        50,
	}
}

func TestDriftScan_FindsEveryReasonExactlyOnce(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()

	catalog.set(10, "seller-a")
	catalog.set(20, "seller-b")
	directory.set("seller-a", models.SellerStatusActive)
	directory.set("seller-gone", models.SellerStatusDeleted)

	store.put(testOrder("o1", "biz",
		testDetail(0, 10, nil, models.AttributionStateUnset),                        // Missing
		testDetail(1, 10, strPtr("seller-a"), models.AttributionStateAttributed),    // healthy
		testDetail(2, 999, strPtr("seller-a"), models.AttributionStateAttributed),   // DanglingProduct
		testDetail(3, 20, strPtr("seller-gone"), models.AttributionStateAttributed), // DanglingSeller
	))

	detector := newTestDetector(store, catalog, directory)
	reports, scanned, next, err := detector.Scan(context.Background(), "biz", "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if scanned != 1 {
		t.Fatalf("scanned = %d, want 1", scanned)
	}
	if next != "" {
		t.Fatalf("nextCursor = %q, want empty", next)
	}

	got := map[int]models.DriftReason{}
	for _, r := range reports {
		got[r.ItemIndex] = r.Reason
	}
	want := map[int]models.DriftReason{
		0: models.DriftReasonMissing,
		2: models.DriftReasonDanglingProduct,
		3: models.DriftReasonDanglingSeller,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("reports = %v, want %v", got, want)
	}
}

func TestDriftScan_OwnerChangeIsNotDrift(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()

	// Stamped when seller-a owned the product; ownership has since moved.
	catalog.set(10, "seller-b")
	directory.set("seller-a", models.SellerStatusActive)
	directory.set("seller-b", models.SellerStatusActive)

	store.put(testOrder("o1", "biz",
		testDetail(0, 10, strPtr("seller-a"), models.AttributionStateAttributed),
	))

	detector := newTestDetector(store, catalog, directory)
	reports, _, _, err := detector.Scan(context.Background(), "biz", "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected no drift for a historical snapshot, got %v", reports)
	}
}

func TestDriftScan_SkipsCancelledOrders(t *testing.T) {
	store := newFakeStore()
	order := testOrder("o1", "biz", testDetail(0, 10, nil, models.AttributionStateUnset))
	order.CurrentStatus = models.OrderStatusCancelled
	store.put(order)

	detector := newTestDetector(store, newFakeCatalog(), newFakeDirectory())
	reports, _, _, err := detector.Scan(context.Background(), "biz", "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("cancelled orders must not be reported, got %v", reports)
	}
}

func TestDriftScan_OrphanedIsTerminal(t *testing.T) {
	store := newFakeStore()
	store.put(testOrder("o1", "biz",
		testDetail(0, 999, strPtr("platform-fallback"), models.AttributionStateOrphaned),
	))

	detector := newTestDetector(store, newFakeCatalog(), newFakeDirectory())
	reports, _, _, err := detector.Scan(context.Background(), "biz", "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("orphaned items must not be re-reported, got %v", reports)
	}
}

func TestDriftScan_AttributedWithoutSellerIsMissing(t *testing.T) {
	store := newFakeStore()
	store.put(testOrder("o1", "biz",
		testDetail(0, 10, nil, models.AttributionStateAttributed),
	))

	detector := newTestDetector(store, newFakeCatalog(), newFakeDirectory())
	reports, _, _, err := detector.Scan(context.Background(), "biz", "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(reports) != 1 || reports[0].Reason != models.DriftReasonMissing {
		t.Fatalf("reports = %v, want single Missing", reports)
	}
}

func TestDriftScan_IsDeterministicWithoutWrites(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()
	directory.set("seller-gone", models.SellerStatusDeleted)

	store.put(testOrder("o1", "biz",
		testDetail(0, 10, nil, models.AttributionStateUnset),
		testDetail(1, 20, strPtr("seller-gone"), models.AttributionStateAttributed),
	))

	detector := newTestDetector(store, catalog, directory)
	first, _, _, err := detector.Scan(context.Background(), "biz", "")
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	second, _, _, err := detector.Scan(context.Background(), "biz", "")
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("scan not deterministic: %d then %d reports", len(first), len(second))
	}
	for i := range first {
		if first[i].OrderId != second[i].OrderId ||
			first[i].ItemIndex != second[i].ItemIndex ||
			first[i].Reason != second[i].Reason {
			t.Fatalf("report %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestDriftScan_SuggestionAccompaniesReport(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	catalog.set(10, "seller-a")

	store.put(testOrder("o1", "biz",
		testDetail(0, 10, nil, models.AttributionStateUnset),
		testDetail(1, 999, nil, models.AttributionStateUnset),
	))

	detector := newTestDetector(store, catalog, newFakeDirectory())
	reports, _, _, err := detector.Scan(context.Background(), "biz", "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	for _, r := range reports {
		switch r.ItemIndex {
		case 0:
			if r.SuggestedSellerId == nil || *r.SuggestedSellerId != "seller-a" {
				t.Fatalf("item 0 suggestion = %v, want seller-a", r.SuggestedSellerId)
			}
		case 1:
			if r.SuggestedSellerId == nil || *r.SuggestedSellerId != "platform-fallback" {
				t.Fatalf("item 1 suggestion = %v, want platform fallback", r.SuggestedSellerId)
			}
		}
	}
}

func TestDriftScan_UnsetItemOnDeadProductIsDanglingProduct(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()

	// Never stamped, and the product it references no longer exists.
	store.put(testOrder("o1", "biz",
		testDetail(0, 999, nil, models.AttributionStateUnset),
	))

	detector := newTestDetector(store, catalog, newFakeDirectory())
	reports, _, _, err := detector.Scan(context.Background(), "biz", "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(reports) != 1 || reports[0].Reason != models.DriftReasonDanglingProduct {
		t.Fatalf("reports = %v, want single DanglingProduct", reports)
	}
	if reports[0].SuggestedSellerId == nil || *reports[0].SuggestedSellerId != "platform-fallback" {
		t.Fatalf("suggestion = %v, want platform fallback", reports[0].SuggestedSellerId)
	}
}

func TestDriftScan_SingleOrderMatchesFullScan(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()
	catalog.set(10, "seller-a")
	directory.set("seller-gone", models.SellerStatusDeleted)

	store.put(testOrder("o1", "biz",
		testDetail(0, 10, nil, models.AttributionStateUnset),
		testDetail(1, 10, strPtr("seller-gone"), models.AttributionStateAttributed),
	))
	store.put(testOrder("o2", "biz",
		testDetail(0, 10, nil, models.AttributionStateUnset),
	))

	detector := newTestDetector(store, catalog, directory)
	reports, err := detector.ScanOrder(context.Background(), "o1")
	if err != nil {
		t.Fatalf("scan order: %v", err)
	}

	got := map[int]models.DriftReason{}
	for _, r := range reports {
		if r.OrderId != "o1" {
			t.Fatalf("report for %s leaked into a single-order scan", r.OrderId)
		}
		got[r.ItemIndex] = r.Reason
	}
	want := map[int]models.DriftReason{
		0: models.DriftReasonMissing,
		1: models.DriftReasonDanglingSeller,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("reports = %v, want %v", got, want)
	}

	reports, err = detector.ScanOrder(context.Background(), "absent")
	if err != nil {
		t.Fatalf("scan absent order: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("absent order produced reports: %v", reports)
	}
}
