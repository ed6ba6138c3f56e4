package utils

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/mmdatafocus/marketplace_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

/* Redis */

// catalog lookups are hot on the drift-scan path and safe to cache briefly
func typeHasExpiration(typeName string) bool {
	expirableTypes := map[string]bool{
		"Product": true,
		"Seller":  true,
	}
	return expirableTypes[typeName]
}

// cacheKey scopes cached rows to the requesting tenant. The tenant guard
// scopes the DB read by business_id, so an unscoped key could serve one
// tenant a row that another tenant's read hydrated.
func cacheKey[T any](ctx context.Context, id any) string {
	typeName := GetTypeName[T]()
	if businessId, ok := GetBusinessIdFromContext(ctx); ok && businessId != "" {
		return typeName + ":" + businessId + ":" + fmt.Sprint(id)
	}
	return typeName + ":" + fmt.Sprint(id)
}

// store instance, obj should be a pointer
func StoreRedis[T any](ctx context.Context, obj any, id any) error {
	typeName := GetTypeName[T]()
	key := cacheKey[T](ctx, id)

	var duration time.Duration
	if typeHasExpiration(typeName) {
		duration = GetCacheLifespan()
	}
	return config.SetRedisObject(key, &obj, duration)
}

// retrieve instance into dest pointer; returns false when not cached
func GetRedis[T any](ctx context.Context, id any, dest *T) (bool, error) {
	return config.GetRedisObject(cacheKey[T](ctx, id), dest)
}

// drop cached instance (called after catalog/identity mutations)
func RemoveRedis[T any](ctx context.Context, id any) error {
	return config.RemoveRedisKey(cacheKey[T](ctx, id))
}
