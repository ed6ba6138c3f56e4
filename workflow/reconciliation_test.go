package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/sirupsen/logrus"
)

func newTestReconciler(store *fakeStore, catalog *fakeCatalog, directory *fakeDirectory) *Reconciler {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &Reconciler{
		Store:              store,
		Catalog:            catalog,
		Directory:          directory,
		Logger:             logger,
		FallbackOwnerId:    "platform-fallback",
		MaxConflictRetries: 3,
	}
}

func missingReport(orderId string, itemIndex int) models.DriftReport {
	return models.DriftReport{
		BusinessId: "biz",
		OrderId:    orderId,
		ItemIndex:  itemIndex,
		Reason:     models.DriftReasonMissing,
	}
}

func TestReconcile_RepairsMissingAttribution(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()
	catalog.set(10, "seller-a")
	directory.set("seller-a", models.SellerStatusActive)

	store.put(testOrder("o1", "biz", testDetail(0, 10, nil, models.AttributionStateUnset)))

	r := newTestReconciler(store, catalog, directory)
	outcome, err := r.Apply(context.Background(), missingReport("o1", 0))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != OutcomeRepaired {
		t.Fatalf("outcome = %s, want repaired", outcome)
	}

	order, _ := store.Get(context.Background(), "o1")
	detail := order.Details[0]
	if detail.SellerId == nil || *detail.SellerId != "seller-a" {
		t.Fatalf("seller = %v, want seller-a", detail.SellerId)
	}
	if detail.AttributionState != models.AttributionStateAttributed {
		t.Fatalf("state = %s, want Attributed", detail.AttributionState)
	}
	if order.Version != 2 {
		t.Fatalf("version = %d, want 2", order.Version)
	}

	audit := store.auditEntries()
	if len(audit) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(audit))
	}
	entry := audit[0]
	if entry.OldSellerId != nil {
		t.Fatalf("old seller = %v, want nil", entry.OldSellerId)
	}
	if entry.NewSellerId != "seller-a" || entry.Actor != models.ActorSystemReconciler {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if entry.Reason != string(models.DriftReasonMissing) {
		t.Fatalf("audit reason = %s, want Missing", entry.Reason)
	}
}

func TestReconcile_SecondPassWritesNothing(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()
	catalog.set(10, "seller-a")
	directory.set("seller-a", models.SellerStatusActive)

	store.put(testOrder("o1", "biz", testDetail(0, 10, nil, models.AttributionStateUnset)))
	r := newTestReconciler(store, catalog, directory)

	if outcome, _ := r.Apply(context.Background(), missingReport("o1", 0)); outcome != OutcomeRepaired {
		t.Fatalf("first apply should repair, got %s", outcome)
	}
	outcome, err := r.Apply(context.Background(), missingReport("o1", 0))
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("second apply outcome = %s, want skipped", outcome)
	}

	order, _ := store.Get(context.Background(), "o1")
	if order.Version != 2 {
		t.Fatalf("version moved on a no-op pass: %d", order.Version)
	}
	if len(store.auditEntries()) != 1 {
		t.Fatalf("audit grew on a no-op pass: %d entries", len(store.auditEntries()))
	}
}

func TestReconcile_DanglingProductGoesToFallbackOwner(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()
	directory.set("old-seller", models.SellerStatusActive)

	store.put(testOrder("o1", "biz",
		testDetail(0, 999, strPtr("old-seller"), models.AttributionStateAttributed),
	))

	r := newTestReconciler(store, catalog, directory)
	outcome, err := r.Apply(context.Background(), models.DriftReport{
		BusinessId: "biz",
		OrderId:    "o1",
		ItemIndex:  0,
		Reason:     models.DriftReasonDanglingProduct,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != OutcomeRepaired {
		t.Fatalf("outcome = %s, want repaired", outcome)
	}

	order, _ := store.Get(context.Background(), "o1")
	detail := order.Details[0]
	if detail.SellerId == nil || *detail.SellerId != "platform-fallback" {
		t.Fatalf("seller = %v, want platform-fallback", detail.SellerId)
	}
	if detail.AttributionState != models.AttributionStateOrphaned {
		t.Fatalf("state = %s, want Orphaned", detail.AttributionState)
	}

	audit := store.auditEntries()
	if len(audit) != 1 || audit[0].OldSellerId == nil || *audit[0].OldSellerId != "old-seller" {
		t.Fatalf("audit should record the displaced seller, got %+v", audit)
	}
}

func TestReconcile_InvalidSuggestionIsSkippedNotWritten(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()
	// Product resolves to a seller the directory says is suspended.
	catalog.set(10, "seller-suspended")
	directory.set("seller-suspended", models.SellerStatusSuspended)

	store.put(testOrder("o1", "biz", testDetail(0, 10, nil, models.AttributionStateUnset)))

	r := newTestReconciler(store, catalog, directory)
	outcome, err := r.Apply(context.Background(), missingReport("o1", 0))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}
	order, _ := store.Get(context.Background(), "o1")
	if order.Details[0].AttributionState != models.AttributionStateUnset {
		t.Fatalf("a known-bad value was written: %+v", order.Details[0])
	}
	if len(store.auditEntries()) != 0 {
		t.Fatalf("no audit entry expected for a skip")
	}
}

func TestReconcile_StaleReportIsSkipped(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()
	catalog.set(10, "seller-a")
	directory.set("seller-a", models.SellerStatusActive)

	// Already repaired by someone else; the report is stale.
	store.put(testOrder("o1", "biz",
		testDetail(0, 10, strPtr("seller-a"), models.AttributionStateAttributed),
	))

	r := newTestReconciler(store, catalog, directory)
	outcome, err := r.Apply(context.Background(), missingReport("o1", 0))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}
}

func TestReconcile_RetriesThroughOneConflict(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()
	catalog.set(10, "seller-a")
	directory.set("seller-a", models.SellerStatusActive)

	store.put(testOrder("o1", "biz", testDetail(0, 10, nil, models.AttributionStateUnset)))
	// A writer slips in between the reconciler's read and its CAS.
	store.applyHook = func() {
		if order, ok := store.orders["o1"]; ok {
			order.Version++
		}
	}

	r := newTestReconciler(store, catalog, directory)
	outcome, err := r.Apply(context.Background(), missingReport("o1", 0))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != OutcomeRepaired {
		t.Fatalf("outcome = %s, want repaired after retry", outcome)
	}
}

func TestReconcile_UnboundedContentionEndsInConflict(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()
	catalog.set(10, "seller-a")
	directory.set("seller-a", models.SellerStatusActive)

	store.put(testOrder("o1", "biz", testDetail(0, 10, nil, models.AttributionStateUnset)))

	r := newTestReconciler(store, catalog, directory)
	r.Store = conflictEveryTime{store}
	outcome, err := r.Apply(context.Background(), missingReport("o1", 0))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != OutcomeConflict {
		t.Fatalf("outcome = %s, want conflict after bounded retries", outcome)
	}
	if len(store.auditEntries()) != 0 {
		t.Fatalf("no audit entry may exist after pure conflicts")
	}
}

type conflictEveryTime struct{ *fakeStore }

func (c conflictEveryTime) ApplyAttribution(context.Context, models.AttributionPatch, *models.AuditLogEntry) error {
	return models.ErrVersionConflict
}

func TestReconcile_ConcurrentWorkersRepairExactlyOnce(t *testing.T) {
	for run := 0; run < 50; run++ {
		store := newFakeStore()
		catalog := newFakeCatalog()
		directory := newFakeDirectory()
		catalog.set(10, "seller-a")
		directory.set("seller-a", models.SellerStatusActive)

		store.put(testOrder("o1", "biz", testDetail(0, 10, nil, models.AttributionStateUnset)))

		const workers = 8
		outcomes := make([]Outcome, workers)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				r := newTestReconciler(store, catalog, directory)
				outcome, err := r.Apply(context.Background(), missingReport("o1", 0))
				if err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
				outcomes[w] = outcome
			}(w)
		}
		wg.Wait()

		repaired := 0
		for _, o := range outcomes {
			if o == OutcomeRepaired {
				repaired++
			}
		}
		if repaired != 1 {
			t.Fatalf("run %d: repaired = %d, want exactly 1 (outcomes %v)", run, repaired, outcomes)
		}
		if got := len(store.auditEntries()); got != 1 {
			t.Fatalf("run %d: audit entries = %d, want exactly 1", run, got)
		}
		order, _ := store.Get(context.Background(), "o1")
		if order.Version != 2 {
			t.Fatalf("run %d: version = %d, want 2", run, order.Version)
		}
	}
}

func TestReconcile_MissingOrderIsSkipped(t *testing.T) {
	r := newTestReconciler(newFakeStore(), newFakeCatalog(), newFakeDirectory())
	outcome, err := r.Apply(context.Background(), missingReport("nope", 0))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}
}

func TestReconcile_NeverStampedDeadProductOrphansWithProductReason(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	directory := newFakeDirectory()

	store.put(testOrder("o1", "biz", testDetail(0, 999, nil, models.AttributionStateUnset)))

	detector := newTestDetector(store, catalog, directory)
	reports, err := detector.ScanOrder(context.Background(), "o1")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}

	r := newTestReconciler(store, catalog, directory)
	outcome, err := r.Apply(context.Background(), reports[0])
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != OutcomeRepaired {
		t.Fatalf("outcome = %s, want repaired", outcome)
	}

	order, _ := store.Get(context.Background(), "o1")
	detail := order.Details[0]
	if detail.SellerId == nil || *detail.SellerId != "platform-fallback" {
		t.Fatalf("seller = %v, want platform-fallback", detail.SellerId)
	}
	if detail.AttributionState != models.AttributionStateOrphaned {
		t.Fatalf("state = %s, want Orphaned", detail.AttributionState)
	}

	entries := store.auditEntries()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].OldSellerId != nil {
		t.Fatalf("old seller = %v, want nil", entries[0].OldSellerId)
	}
	if entries[0].NewSellerId != "platform-fallback" {
		t.Fatalf("new seller = %s, want platform-fallback", entries[0].NewSellerId)
	}
	if entries[0].Reason != string(models.DriftReasonDanglingProduct) {
		t.Fatalf("reason = %s, want DanglingProduct", entries[0].Reason)
	}
}
