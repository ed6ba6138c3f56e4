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

// Stamps every line item still carrying an Unset attribution. Useful after
// enabling attribution on a collection that predates it, or after a long
// catalog outage left a batch of orders unstamped.
func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	pageSize := flag.Int("page-size", 200, "Orders per scan page")
	dryRun := flag.Bool("dry-run", false, "Report what would be stamped without writing")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing items and keep going")
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
	reconciler := &workflow.Reconciler{
		Store:           &workflow.DBOrderStore{DB: db},
		Catalog:         &workflow.DBCatalogReader{},
		Directory:       &workflow.DBIdentityDirectory{},
		Logger:          logger,
		FallbackOwnerId: workflow.FallbackOwnerId(),
		Actor:           "cli-backfill",
	}

	var stamped, skipped, failed int
	cursor := ""
	for {
		orders, nextCursor, err := models.ScanOrders(ctx, db, *businessID, cursor, *pageSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scan orders: %v\n", err)
			os.Exit(1)
		}

		for _, order := range orders {
			for _, detail := range order.Details {
				if detail.AttributionState != models.AttributionStateUnset {
					continue
				}
				if *dryRun {
					fmt.Printf("would stamp order=%s item=%d product=%d\n", order.ID, detail.ItemIndex, detail.ProductId)
					stamped++
					continue
				}
				outcome, err := reconciler.Apply(ctx, models.DriftReport{
					BusinessId: *businessID,
					OrderId:    order.ID,
					ItemIndex:  detail.ItemIndex,
					Reason:     models.DriftReasonMissing,
				})
				if err != nil {
					failed++
					if *continueOnError {
						fmt.Fprintf(os.Stderr, "stamp failed (skipping) order=%s item=%d: %v\n", order.ID, detail.ItemIndex, err)
						continue
					}
					fmt.Fprintf(os.Stderr, "stamp failed order=%s item=%d: %v\n", order.ID, detail.ItemIndex, err)
					os.Exit(1)
				}
				if outcome == workflow.OutcomeRepaired {
					stamped++
				} else {
					skipped++
				}
			}
		}

		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}

	fmt.Printf("backfill complete stamped=%d skipped=%d failed=%d dry-run=%v\n", stamped, skipped, failed, *dryRun)
}
