package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/mmdatafocus/marketplace_backend/utils"
	"github.com/mmdatafocus/marketplace_backend/workflow"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	orderID := flag.String("order-id", "", "Reconcile a single order instead of a full run")
	dryRun := flag.Bool("dry-run", false, "Detect drift and write reports without repairing anything")
	continueOnError := flag.Bool("continue-on-error", false, "In single-order mode, keep going past failing items")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessID)

	if strings.TrimSpace(*orderID) != "" {
		os.Exit(reconcileSingleOrder(ctx, *businessID, *orderID, *dryRun, *continueOnError))
	}

	run, err := models.CreateReconciliationRun(ctx, db, *businessID, "cli", *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create run: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Reconciling business=%s run=%d dry-run=%v\n", *businessID, run.ID, *dryRun)
	if err := workflow.ProcessReconciliationRun(ctx, db, logger, *businessID, run.ID); err != nil {
		fmt.Fprintf(os.Stderr, "reconciliation failed: %v\n", err)
		os.Exit(1)
	}

	final, err := models.GetReconciliationRun(ctx, db, *businessID, run.ID)
	if err != nil || final == nil {
		fmt.Fprintf(os.Stderr, "could not reload run %d: %v\n", run.ID, err)
		os.Exit(1)
	}
	fmt.Printf("run=%d status=%s scanned=%d drift=%d repaired=%d skipped=%d conflicts=%d errors=%d\n",
		final.ID, final.Status, final.OrdersScanned, final.DriftCount,
		final.RepairedCount, final.SkippedCount, final.ConflictCount, final.ErrorCount)

	if final.Status == models.RunStatusFailed {
		os.Exit(1)
	}
}

// reconcileSingleOrder detects and repairs one order without run bookkeeping.
// Useful for targeted fixes from a support ticket.
func reconcileSingleOrder(ctx context.Context, businessID, orderID string, dryRun, continueOnError bool) int {
	db := config.GetDB()
	logger := config.GetLogger()

	detector := &workflow.DriftDetector{
		Store:           &workflow.DBOrderStore{DB: db},
		Catalog:         &workflow.DBCatalogReader{},
		Directory:       &workflow.DBIdentityDirectory{},
		Logger:          logger,
		FallbackOwnerId: workflow.FallbackOwnerId(),
	}
	reports, err := detector.ScanOrder(ctx, orderID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan order %s: %v\n", orderID, err)
		return 1
	}
	if len(reports) == 0 {
		fmt.Printf("order=%s: no drift\n", orderID)
		return 0
	}

	reconciler := &workflow.Reconciler{
		Store:           &workflow.DBOrderStore{DB: db},
		Catalog:         &workflow.DBCatalogReader{},
		Directory:       &workflow.DBIdentityDirectory{},
		Logger:          logger,
		FallbackOwnerId: workflow.FallbackOwnerId(),
		Actor:           "cli-reconcile",
	}

	failed := 0
	for i := range reports {
		report := &reports[i]
		suggested := ""
		if report.SuggestedSellerId != nil {
			suggested = *report.SuggestedSellerId
		}
		if dryRun {
			fmt.Printf("order=%s item=%d reason=%s suggested=%s (dry-run)\n",
				report.OrderId, report.ItemIndex, report.Reason, suggested)
			continue
		}
		outcome, err := reconciler.Apply(ctx, *report)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "order=%s item=%d: %v\n", report.OrderId, report.ItemIndex, err)
			if !continueOnError {
				return 1
			}
			continue
		}
		fmt.Printf("order=%s item=%d reason=%s outcome=%s\n",
			report.OrderId, report.ItemIndex, report.Reason, outcome)
	}
	if failed > 0 {
		return 1
	}
	return 0
}
