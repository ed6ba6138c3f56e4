package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/sirupsen/logrus"
)

func stampLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestStamp_ResolvableProductGetsOwner(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.set(10, "seller-a")

	order := testOrder("o1", "biz", testDetail(0, 10, nil, models.AttributionStateUnset))
	StampOrderAttribution(context.Background(), stampLogger(), catalog, "platform-fallback", order)

	detail := order.Details[0]
	if detail.SellerId == nil || *detail.SellerId != "seller-a" {
		t.Fatalf("seller = %v, want seller-a", detail.SellerId)
	}
	if detail.AttributionState != models.AttributionStateAttributed {
		t.Fatalf("state = %s, want Attributed", detail.AttributionState)
	}
}

func TestStamp_MissingProductGoesToFallback(t *testing.T) {
	order := testOrder("o1", "biz", testDetail(0, 999, nil, models.AttributionStateUnset))
	StampOrderAttribution(context.Background(), stampLogger(), newFakeCatalog(), "platform-fallback", order)

	detail := order.Details[0]
	if detail.SellerId == nil || *detail.SellerId != "platform-fallback" {
		t.Fatalf("seller = %v, want fallback", detail.SellerId)
	}
	if detail.AttributionState != models.AttributionStateOrphaned {
		t.Fatalf("state = %s, want Orphaned", detail.AttributionState)
	}
}

func TestStamp_NoFallbackLeavesUnset(t *testing.T) {
	order := testOrder("o1", "biz", testDetail(0, 999, nil, models.AttributionStateUnset))
	StampOrderAttribution(context.Background(), stampLogger(), newFakeCatalog(), "", order)

	detail := order.Details[0]
	if detail.SellerId != nil || detail.AttributionState != models.AttributionStateUnset {
		t.Fatalf("expected Unset without configured fallback, got %+v", detail)
	}
}

func TestStamp_CatalogErrorNeverFailsTheOrder(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.set(10, "seller-a")
	catalog.errs[20] = errors.New("catalog timeout")

	order := testOrder("o1", "biz",
		testDetail(0, 10, nil, models.AttributionStateUnset),
		testDetail(1, 20, nil, models.AttributionStateUnset),
	)
	StampOrderAttribution(context.Background(), stampLogger(), catalog, "platform-fallback", order)

	if order.Details[0].AttributionState != models.AttributionStateAttributed {
		t.Fatalf("healthy item should still be stamped, got %+v", order.Details[0])
	}
	if order.Details[1].AttributionState != models.AttributionStateUnset {
		t.Fatalf("unreadable item must stay Unset, got %+v", order.Details[1])
	}
}

func TestStamp_OwnerlessProductGoesToFallback(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.products[10] = ProductInfo{OwnerId: "", Active: true}

	order := testOrder("o1", "biz", testDetail(0, 10, nil, models.AttributionStateUnset))
	StampOrderAttribution(context.Background(), stampLogger(), catalog, "platform-fallback", order)

	detail := order.Details[0]
	if detail.AttributionState != models.AttributionStateOrphaned {
		t.Fatalf("ownerless product should orphan the item, got %+v", detail)
	}
}
