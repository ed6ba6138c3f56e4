package utils

import (
	"context"
	"testing"
)

type cachedRow struct{}

func TestCacheKey_ScopedByBusiness(t *testing.T) {
	ctxA := SetBusinessIdInContext(context.Background(), "biz-a")
	ctxB := SetBusinessIdInContext(context.Background(), "biz-b")

	keyA := cacheKey[cachedRow](ctxA, 42)
	keyB := cacheKey[cachedRow](ctxB, 42)
	if keyA == keyB {
		t.Fatalf("same key %q for two tenants; cached rows would leak across businesses", keyA)
	}
	if keyA != "cachedRow:biz-a:42" {
		t.Fatalf("key = %q, want cachedRow:biz-a:42", keyA)
	}
}

func TestCacheKey_UnscopedWithoutBusiness(t *testing.T) {
	key := cacheKey[cachedRow](context.Background(), 42)
	if key != "cachedRow:42" {
		t.Fatalf("key = %q, want cachedRow:42", key)
	}
}
