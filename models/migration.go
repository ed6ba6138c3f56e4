package models

import (
	"log"

	"github.com/mmdatafocus/marketplace_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Order{}, &OrderDetail{},
		&Product{}, &Seller{},
		&AuditLogEntry{},
		&DriftReport{}, &ReconciliationRun{},
		&DivergenceReport{},
		&OrderSyncRecord{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

// MigrateMirrorTables creates the order tables on a mirror store. Mirrors hold
// only the propagated order documents, never runs/reports/outbox state.
func MigrateMirrorTables() error {
	for name, mirror := range config.GetMirrorStores() {
		if err := mirror.AutoMigrate(&Order{}, &OrderDetail{}); err != nil {
			log.Printf("mirror %q migration failed: %v", name, err)
			return err
		}
	}
	return nil
}
